package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrDuplicateTrust  = errors.New("trust: already registered")
	ErrUnknownPlatform = errors.New("trust: unknown platform")
	ErrUnknownTool     = errors.New("trust: unknown tool")
	ErrInvalidInput    = errors.New("trust: invalid registration")
)

// Registry is the trust configuration store. Pure lookup; it performs no
// network I/O. Reads happen on the launch hot path and must be safe for
// unsynchronized concurrent use.
type Registry interface {
	RegisterPlatform(ctx context.Context, reg PlatformRegistration) (Platform, error)
	LookupPlatform(ctx context.Context, issuer, clientID string) (Platform, error)
	PlatformByID(ctx context.Context, id string) (Platform, error)
	// RotatePlatformEndpoints replaces the mutable endpoint URLs of a
	// registered platform. Identity fields cannot be changed.
	RotatePlatformEndpoints(ctx context.Context, id, jwksURL, authURL, tokenURL string) (Platform, error)

	RegisterTool(ctx context.Context, reg ToolRegistration) (Tool, error)
	LookupTool(ctx context.Context, clientID string) (Tool, error)
	ToolByID(ctx context.Context, id string) (Tool, error)
	SetToolStatus(ctx context.Context, id string, status ToolStatus) error
}

// Auditor receives registration and launch lifecycle events.
type Auditor interface {
	Emit(ctx context.Context, action, subject string, details map[string]any)
}

// platformKey is the identity key from the data model: (issuer, client id).
func platformKey(issuer, clientID string) string {
	return strings.TrimSuffix(issuer, "/") + "|" + clientID
}

func hashSecret(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("trust: hash secret: %w", err)
	}
	return string(h), nil
}

func buildPlatform(reg PlatformRegistration, now time.Time) (Platform, error) {
	if msg := reg.validate(); msg != "" {
		return Platform{}, fmt.Errorf("%w: %s", ErrInvalidInput, msg)
	}
	deps := make([]string, 0, len(reg.DeploymentIDs))
	for _, d := range reg.DeploymentIDs {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}
	return Platform{
		ID:            uuid.NewString(),
		Issuer:        strings.TrimSuffix(strings.TrimSpace(reg.Issuer), "/"),
		ClientID:      strings.TrimSpace(reg.ClientID),
		JWKSURL:       strings.TrimSpace(reg.JWKSURL),
		AuthEndpoint:  strings.TrimSpace(reg.AuthEndpoint),
		TokenEndpoint: strings.TrimSpace(reg.TokenEndpoint),
		DeploymentIDs: deps,
		OrgRef:        strings.TrimSpace(reg.OrgRef),
		CreatedAt:     now,
	}, nil
}

func buildTool(reg ToolRegistration, now time.Time) (Tool, error) {
	if msg := reg.validate(); msg != "" {
		return Tool{}, fmt.Errorf("%w: %s", ErrInvalidInput, msg)
	}
	hash, err := hashSecret(reg.ClientSecret)
	if err != nil {
		return Tool{}, err
	}
	placement := reg.Placement
	if placement == "" {
		placement = PlacementCourseNavigation
	}
	mode := reg.Mode
	if mode == "" {
		mode = ModeLTI13
	}
	uris := make([]string, 0, len(reg.RedirectURIs))
	for _, u := range reg.RedirectURIs {
		if u = strings.TrimSpace(u); u != "" {
			uris = append(uris, u)
		}
	}
	return Tool{
		ID:           uuid.NewString(),
		ClientID:     strings.TrimSpace(reg.ClientID),
		Name:         strings.TrimSpace(reg.Name),
		RedirectURIs: uris,
		Placement:    placement,
		Mode:         mode,
		SigningKID:   strings.TrimSpace(reg.SigningKID),
		SecretHash:   hash,
		OrgRef:       strings.TrimSpace(reg.OrgRef),
		Status:       ToolActive,
		CreatedAt:    now,
	}, nil
}

// MemRegistry is a process-local Registry. Registration is rare and
// lookup is read-mostly, so a plain RWMutex is enough.
type MemRegistry struct {
	mu          sync.RWMutex
	platforms   map[string]Platform // key: platformKey(issuer, clientID)
	platformIDs map[string]string   // id -> key
	tools       map[string]Tool     // key: clientID
	toolIDs     map[string]string   // id -> clientID

	auditor Auditor
	now     func() time.Time
}

func NewMemRegistry(auditor Auditor) *MemRegistry {
	return &MemRegistry{
		platforms:   make(map[string]Platform),
		platformIDs: make(map[string]string),
		tools:       make(map[string]Tool),
		toolIDs:     make(map[string]string),
		auditor:     auditor,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemRegistry) RegisterPlatform(ctx context.Context, reg PlatformRegistration) (Platform, error) {
	p, err := buildPlatform(reg, r.now())
	if err != nil {
		return Platform{}, err
	}
	key := platformKey(p.Issuer, p.ClientID)

	r.mu.Lock()
	if _, exists := r.platforms[key]; exists {
		r.mu.Unlock()
		return Platform{}, fmt.Errorf("%w: platform %s / %s", ErrDuplicateTrust, p.Issuer, p.ClientID)
	}
	r.platforms[key] = p
	r.platformIDs[p.ID] = key
	r.mu.Unlock()

	r.emit(ctx, "trust.platform.registered", key, map[string]any{"platform_id": p.ID, "jwks_url": p.JWKSURL})
	return p, nil
}

func (r *MemRegistry) LookupPlatform(_ context.Context, issuer, clientID string) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[platformKey(strings.TrimSuffix(issuer, "/"), clientID)]
	if !ok {
		return Platform{}, fmt.Errorf("%w: %s / %s", ErrUnknownPlatform, issuer, clientID)
	}
	return p, nil
}

func (r *MemRegistry) PlatformByID(_ context.Context, id string) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.platformIDs[id]
	if !ok {
		return Platform{}, fmt.Errorf("%w: id %s", ErrUnknownPlatform, id)
	}
	return r.platforms[key], nil
}

func (r *MemRegistry) RotatePlatformEndpoints(ctx context.Context, id, jwksURL, authURL, tokenURL string) (Platform, error) {
	for _, u := range []string{jwksURL, authURL, tokenURL} {
		if !isHTTPURL(u) {
			return Platform{}, fmt.Errorf("%w: endpoint must be an http(s) URL", ErrInvalidInput)
		}
	}
	r.mu.Lock()
	key, ok := r.platformIDs[id]
	if !ok {
		r.mu.Unlock()
		return Platform{}, fmt.Errorf("%w: id %s", ErrUnknownPlatform, id)
	}
	p := r.platforms[key]
	p.JWKSURL = jwksURL
	p.AuthEndpoint = authURL
	p.TokenEndpoint = tokenURL
	r.platforms[key] = p
	r.mu.Unlock()

	r.emit(ctx, "trust.platform.rotated", key, map[string]any{"platform_id": id, "jwks_url": jwksURL})
	return p, nil
}

func (r *MemRegistry) RegisterTool(ctx context.Context, reg ToolRegistration) (Tool, error) {
	t, err := buildTool(reg, r.now())
	if err != nil {
		return Tool{}, err
	}

	r.mu.Lock()
	if _, exists := r.tools[t.ClientID]; exists {
		r.mu.Unlock()
		return Tool{}, fmt.Errorf("%w: tool %s", ErrDuplicateTrust, t.ClientID)
	}
	r.tools[t.ClientID] = t
	r.toolIDs[t.ID] = t.ClientID
	r.mu.Unlock()

	r.emit(ctx, "trust.tool.registered", t.ClientID, map[string]any{"tool_id": t.ID, "placement": string(t.Placement)})
	return t, nil
}

func (r *MemRegistry) LookupTool(_ context.Context, clientID string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[clientID]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, clientID)
	}
	return t, nil
}

func (r *MemRegistry) ToolByID(_ context.Context, id string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clientID, ok := r.toolIDs[id]
	if !ok {
		return Tool{}, fmt.Errorf("%w: id %s", ErrUnknownTool, id)
	}
	return r.tools[clientID], nil
}

func (r *MemRegistry) SetToolStatus(ctx context.Context, id string, status ToolStatus) error {
	r.mu.Lock()
	clientID, ok := r.toolIDs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: id %s", ErrUnknownTool, id)
	}
	t := r.tools[clientID]
	t.Status = status
	r.tools[clientID] = t
	r.mu.Unlock()

	r.emit(ctx, "trust.tool.status", clientID, map[string]any{"tool_id": id, "status": string(status)})
	return nil
}

func (r *MemRegistry) emit(ctx context.Context, action, subject string, details map[string]any) {
	if r.auditor != nil {
		r.auditor.Emit(ctx, action, subject, details)
	}
}
