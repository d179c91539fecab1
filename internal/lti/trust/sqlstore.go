package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLRegistry is a Registry backed by the lti_platforms / lti_tools
// tables. Duplicate detection rides on the unique constraints so that
// concurrent registrations of the same identity cannot both win.
type SQLRegistry struct {
	DB      *sql.DB
	Audit   Auditor
	NowFunc func() time.Time
}

func NewSQLRegistry(sqlDB *sql.DB, auditor Auditor) *SQLRegistry {
	return &SQLRegistry{DB: sqlDB, Audit: auditor}
}

func (r *SQLRegistry) now() time.Time {
	if r.NowFunc != nil {
		return r.NowFunc()
	}
	return time.Now().UTC()
}

func (r *SQLRegistry) RegisterPlatform(ctx context.Context, reg PlatformRegistration) (Platform, error) {
	p, err := buildPlatform(reg, r.now())
	if err != nil {
		return Platform{}, err
	}
	deps, _ := json.Marshal(p.DeploymentIDs)
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO lti_platforms (id, issuer, client_id, jwks_url, auth_url, token_url, deployment_ids, org_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.Issuer, p.ClientID, p.JWKSURL, p.AuthEndpoint, p.TokenEndpoint, string(deps), p.OrgRef)
	if err != nil {
		if isUniqueViolation(err) {
			return Platform{}, fmt.Errorf("%w: platform %s / %s", ErrDuplicateTrust, p.Issuer, p.ClientID)
		}
		return Platform{}, fmt.Errorf("trust: insert platform: %w", err)
	}
	r.emit(ctx, "trust.platform.registered", platformKey(p.Issuer, p.ClientID),
		map[string]any{"platform_id": p.ID, "jwks_url": p.JWKSURL})
	return p, nil
}

func (r *SQLRegistry) LookupPlatform(ctx context.Context, issuer, clientID string) (Platform, error) {
	return r.scanPlatform(r.DB.QueryRowContext(ctx, `
		SELECT id, issuer, client_id, jwks_url, auth_url, token_url, deployment_ids, org_ref
		FROM lti_platforms WHERE issuer=$1 AND client_id=$2`,
		strings.TrimSuffix(issuer, "/"), clientID))
}

func (r *SQLRegistry) PlatformByID(ctx context.Context, id string) (Platform, error) {
	return r.scanPlatform(r.DB.QueryRowContext(ctx, `
		SELECT id, issuer, client_id, jwks_url, auth_url, token_url, deployment_ids, org_ref
		FROM lti_platforms WHERE id=$1`, id))
}

func (r *SQLRegistry) scanPlatform(row *sql.Row) (Platform, error) {
	var p Platform
	var deps string
	var orgRef sql.NullString
	err := row.Scan(&p.ID, &p.Issuer, &p.ClientID, &p.JWKSURL, &p.AuthEndpoint, &p.TokenEndpoint, &deps, &orgRef)
	if errors.Is(err, sql.ErrNoRows) {
		return Platform{}, ErrUnknownPlatform
	}
	if err != nil {
		return Platform{}, fmt.Errorf("trust: scan platform: %w", err)
	}
	_ = json.Unmarshal([]byte(deps), &p.DeploymentIDs)
	p.OrgRef = orgRef.String
	return p, nil
}

func (r *SQLRegistry) RotatePlatformEndpoints(ctx context.Context, id, jwksURL, authURL, tokenURL string) (Platform, error) {
	for _, u := range []string{jwksURL, authURL, tokenURL} {
		if !isHTTPURL(u) {
			return Platform{}, fmt.Errorf("%w: endpoint must be an http(s) URL", ErrInvalidInput)
		}
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE lti_platforms SET jwks_url=$1, auth_url=$2, token_url=$3 WHERE id=$4`,
		jwksURL, authURL, tokenURL, id)
	if err != nil {
		return Platform{}, fmt.Errorf("trust: rotate endpoints: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Platform{}, fmt.Errorf("%w: id %s", ErrUnknownPlatform, id)
	}
	p, err := r.PlatformByID(ctx, id)
	if err != nil {
		return Platform{}, err
	}
	r.emit(ctx, "trust.platform.rotated", platformKey(p.Issuer, p.ClientID),
		map[string]any{"platform_id": id, "jwks_url": jwksURL})
	return p, nil
}

func (r *SQLRegistry) RegisterTool(ctx context.Context, reg ToolRegistration) (Tool, error) {
	t, err := buildTool(reg, r.now())
	if err != nil {
		return Tool{}, err
	}
	uris, _ := json.Marshal(t.RedirectURIs)
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO lti_tools (id, client_id, name, redirect_uris, placement, mode, signing_kid, secret_hash, org_ref, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.ClientID, t.Name, string(uris), string(t.Placement), string(t.Mode), t.SigningKID, t.SecretHash, t.OrgRef, string(t.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return Tool{}, fmt.Errorf("%w: tool %s", ErrDuplicateTrust, t.ClientID)
		}
		return Tool{}, fmt.Errorf("trust: insert tool: %w", err)
	}
	r.emit(ctx, "trust.tool.registered", t.ClientID,
		map[string]any{"tool_id": t.ID, "placement": string(t.Placement)})
	return t, nil
}

func (r *SQLRegistry) LookupTool(ctx context.Context, clientID string) (Tool, error) {
	return r.scanTool(r.DB.QueryRowContext(ctx, `
		SELECT id, client_id, name, redirect_uris, placement, mode, signing_kid, secret_hash, org_ref, status
		FROM lti_tools WHERE client_id=$1`, clientID))
}

func (r *SQLRegistry) ToolByID(ctx context.Context, id string) (Tool, error) {
	return r.scanTool(r.DB.QueryRowContext(ctx, `
		SELECT id, client_id, name, redirect_uris, placement, mode, signing_kid, secret_hash, org_ref, status
		FROM lti_tools WHERE id=$1`, id))
}

func (r *SQLRegistry) scanTool(row *sql.Row) (Tool, error) {
	var t Tool
	var uris, placement, mode, status string
	var kid, hash, orgRef sql.NullString
	err := row.Scan(&t.ID, &t.ClientID, &t.Name, &uris, &placement, &mode, &kid, &hash, &orgRef, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Tool{}, ErrUnknownTool
	}
	if err != nil {
		return Tool{}, fmt.Errorf("trust: scan tool: %w", err)
	}
	_ = json.Unmarshal([]byte(uris), &t.RedirectURIs)
	t.Placement = Placement(placement)
	t.Mode = Mode(mode)
	t.SigningKID = kid.String
	t.SecretHash = hash.String
	t.OrgRef = orgRef.String
	t.Status = ToolStatus(status)
	return t, nil
}

func (r *SQLRegistry) SetToolStatus(ctx context.Context, id string, status ToolStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE lti_tools SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return fmt.Errorf("trust: set tool status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %s", ErrUnknownTool, id)
	}
	r.emit(ctx, "trust.tool.status", id, map[string]any{"status": string(status)})
	return nil
}

func (r *SQLRegistry) emit(ctx context.Context, action, subject string, details map[string]any) {
	if r.Audit != nil {
		r.Audit.Emit(ctx, action, subject, details)
	}
}

// isUniqueViolation matches the unique-constraint error text of both
// supported drivers (pgx: SQLSTATE 23505, modernc sqlite: "UNIQUE
// constraint failed" / code 2067).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint")
}
