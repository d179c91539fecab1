package launchstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Status is the launch state machine position. Transitions only ever
// move forward: INITIATED -> OIDC_INITIATED -> {COMPLETED | FAILED},
// and any non-terminal state -> EXPIRED on timeout.
type Status string

const (
	StatusInitiated     Status = "INITIATED"
	StatusOIDCInitiated Status = "OIDC_INITIATED"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusExpired       Status = "EXPIRED"
)

// Terminal reports whether the status is write-once final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// canTransition encodes the forward-only state machine.
func canTransition(from, to Status) bool {
	switch from {
	case StatusInitiated:
		return to == StatusOIDCInitiated || to == StatusExpired || to == StatusFailed
	case StatusOIDCInitiated:
		return to == StatusCompleted || to == StatusFailed || to == StatusExpired
	default:
		return false
	}
}

// Launch is one in-flight (or retained terminal) launch attempt. State
// and nonce are single-use and globally unique among live records.
type Launch struct {
	ID            string
	State         string
	Nonce         string
	PlatformID    string
	ToolID        string
	Status        Status
	UserID        string // set on COMPLETED only
	FailureReason string // set on FAILED only
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the launch is past its deadline at now.
func (l Launch) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

var (
	ErrNotFound          = errors.New("launchstate: launch not found")
	ErrInvalidTransition = errors.New("launchstate: invalid transition")
	ErrNonceConsumed     = errors.New("launchstate: nonce already consumed")
)

// Store is durable keyed storage for launch attempts. Transition is the
// single concurrency-control primitive: a compare-and-swap on
// (id, expected status) that the whole engine relies on. No component
// mutates Launch fields except through Create/Transition.
type Store interface {
	// Create inserts a new Launch in StatusInitiated with fresh
	// cryptographically random state and nonce and
	// expiresAt = now + ttl. Regenerates on a uniqueness collision.
	Create(ctx context.Context, platformID, toolID string, ttl time.Duration) (Launch, error)

	// Transition applies mutate and moves the launch to next only if
	// the current status equals expected, next is a legal successor,
	// and the launch has not expired (target StatusExpired is exempt
	// from the expiry guard so late launches can still be marked).
	// On any failure no partial mutation is visible and
	// ErrInvalidTransition is returned. A transition into
	// StatusCompleted permanently consumes the launch nonce in the
	// same atomic step; a consumed nonce yields ErrNonceConsumed.
	Transition(ctx context.Context, id string, expected, next Status, mutate func(*Launch) error) (Launch, error)

	FindByState(ctx context.Context, state string) (Launch, error)
	FindByNonce(ctx context.Context, nonce string) (Launch, error)

	// NonceConsumed reports whether the nonce was ever consumed.
	// Consumption is permanent, surviving launch record purges.
	NonceConsumed(ctx context.Context, nonce string) (bool, error)

	// ReapExpired moves every launch still in INITIATED or
	// OIDC_INITIATED past its deadline to EXPIRED, returning the count.
	// Safe to call concurrently with in-flight Transitions: a launch
	// ends in exactly one terminal state.
	ReapExpired(ctx context.Context, now time.Time) (int, error)

	// PurgeTerminal deletes terminal records whose deadline passed
	// before the cutoff (audit retention). Consumed nonces are kept.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// newSecret returns 32 bytes (256 bits) of CSPRNG output, base64url
// encoded. Used for both state and nonce.
func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("launchstate: rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
