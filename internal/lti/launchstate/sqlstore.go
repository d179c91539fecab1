package launchstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/courseloop/internal/db"
)

// SQLStore is a Store backed by the launches / consumed_nonces tables.
// The compare-and-swap is a conditional UPDATE guarded on the expected
// status inside one transaction, so the CAS holds on postgres without
// row locks; on sqlite the single-writer connection serializes writers
// anyway. Unique indexes on state and nonce enforce global uniqueness.
type SQLStore struct {
	DB      *sql.DB
	NowFunc func() time.Time
}

func NewSQLStore(sqlDB *sql.DB) *SQLStore {
	return &SQLStore{DB: sqlDB}
}

func (s *SQLStore) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc()
	}
	return time.Now().UTC()
}

const launchCols = `id, state, nonce, platform_id, tool_id, status, user_id, failure_reason, created_at, expires_at`

func (s *SQLStore) Create(ctx context.Context, platformID, toolID string, ttl time.Duration) (Launch, error) {
	now := s.now().Truncate(time.Second)
	l := Launch{
		ID:         uuid.NewString(),
		PlatformID: platformID,
		ToolID:     toolID,
		Status:     StatusInitiated,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	// Regenerate on the (astronomically unlikely) unique-index hit.
	const maxAttempts = 4
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var err error
		if l.State, err = newSecret(); err != nil {
			return Launch{}, err
		}
		if l.Nonce, err = newSecret(); err != nil {
			return Launch{}, err
		}
		_, err = s.DB.ExecContext(ctx, `
			INSERT INTO launches (`+launchCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			l.ID, l.State, l.Nonce, l.PlatformID, l.ToolID, string(l.Status),
			"", "", l.CreatedAt.Unix(), l.ExpiresAt.Unix())
		if err == nil {
			return l, nil
		}
		if !isUniqueViolation(err) {
			return Launch{}, fmt.Errorf("launchstate: insert: %w", err)
		}
	}
	return Launch{}, fmt.Errorf("launchstate: could not generate unique state/nonce after %d attempts", maxAttempts)
}

func (s *SQLStore) Transition(ctx context.Context, id string, expected, next Status, mutate func(*Launch) error) (Launch, error) {
	if !canTransition(expected, next) {
		return Launch{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	now := s.now()

	var out Launch
	err := db.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		l, err := scanLaunch(tx.QueryRowContext(ctx, `SELECT `+launchCols+` FROM launches WHERE id=$1`, id))
		if err != nil {
			return err
		}
		if l.Status != expected {
			return fmt.Errorf("%w: status is %s, expected %s", ErrInvalidTransition, l.Status, expected)
		}
		if l.Expired(now) && next != StatusExpired {
			return fmt.Errorf("%w: launch expired at %s", ErrInvalidTransition, l.ExpiresAt.Format(time.RFC3339))
		}

		cp := l
		if mutate != nil {
			if err := mutate(&cp); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
			}
		}
		cp.Status = next

		// The status guard in the WHERE clause is the CAS: a concurrent
		// transition that won the race leaves zero rows to update here.
		res, err := tx.ExecContext(ctx, `
			UPDATE launches SET status=$1, user_id=$2, failure_reason=$3
			WHERE id=$4 AND status=$5`,
			string(next), cp.UserID, cp.FailureReason, l.ID, string(expected))
		if err != nil {
			return fmt.Errorf("launchstate: update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: lost race on %s", ErrInvalidTransition, l.ID)
		}

		if next == StatusCompleted {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO consumed_nonces (nonce, launch_id, consumed_at)
				VALUES ($1,$2,$3)`, l.Nonce, l.ID, now.Unix()); err != nil {
				if isUniqueViolation(err) {
					return ErrNonceConsumed
				}
				return fmt.Errorf("launchstate: consume nonce: %w", err)
			}
		}

		cp.ID, cp.State, cp.Nonce = l.ID, l.State, l.Nonce
		cp.PlatformID, cp.ToolID = l.PlatformID, l.ToolID
		cp.CreatedAt, cp.ExpiresAt = l.CreatedAt, l.ExpiresAt
		out = cp
		return nil
	})
	if err != nil {
		return Launch{}, err
	}
	return out, nil
}

func (s *SQLStore) FindByState(ctx context.Context, state string) (Launch, error) {
	return scanLaunch(s.DB.QueryRowContext(ctx, `SELECT `+launchCols+` FROM launches WHERE state=$1`, state))
}

func (s *SQLStore) FindByNonce(ctx context.Context, nonce string) (Launch, error) {
	return scanLaunch(s.DB.QueryRowContext(ctx, `SELECT `+launchCols+` FROM launches WHERE nonce=$1`, nonce))
}

func (s *SQLStore) NonceConsumed(ctx context.Context, nonce string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM consumed_nonces WHERE nonce=$1`, nonce).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("launchstate: nonce lookup: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE launches SET status=$1
		WHERE status IN ($2,$3) AND expires_at <= $4`,
		string(StatusExpired), string(StatusInitiated), string(StatusOIDCInitiated), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("launchstate: reap: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM launches
		WHERE status IN ($1,$2,$3) AND expires_at < $4`,
		string(StatusCompleted), string(StatusFailed), string(StatusExpired), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("launchstate: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanLaunch(row *sql.Row) (Launch, error) {
	var l Launch
	var status string
	var userID, reason sql.NullString
	var createdAt, expiresAt int64
	err := row.Scan(&l.ID, &l.State, &l.Nonce, &l.PlatformID, &l.ToolID, &status, &userID, &reason, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Launch{}, ErrNotFound
	}
	if err != nil {
		return Launch{}, fmt.Errorf("launchstate: scan: %w", err)
	}
	l.Status = Status(status)
	l.UserID = userID.String
	l.FailureReason = reason.String
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return l, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint")
}
