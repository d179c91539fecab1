package launchstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is a process-local Store for single-node deployments and
// tests. One mutex serializes every mutation, which makes Transition a
// textbook compare-and-swap.
type MemStore struct {
	mu       sync.Mutex
	launches map[string]*Launch  // by id
	byState  map[string]string   // state -> id
	byNonce  map[string]string   // nonce -> id
	consumed map[string]struct{} // nonces, kept forever

	NowFunc func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		launches: make(map[string]*Launch),
		byState:  make(map[string]string),
		byNonce:  make(map[string]string),
		consumed: make(map[string]struct{}),
	}
}

func (s *MemStore) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc()
	}
	return time.Now().UTC()
}

func (s *MemStore) Create(_ context.Context, platformID, toolID string, ttl time.Duration) (Launch, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var state, nonce string
	// Collisions on 256-bit values are astronomically unlikely; the loop
	// exists to honor the uniqueness contract, not because we expect it
	// to spin.
	for {
		var err error
		if state, err = newSecret(); err != nil {
			return Launch{}, err
		}
		if nonce, err = newSecret(); err != nil {
			return Launch{}, err
		}
		_, stateTaken := s.byState[state]
		_, nonceTaken := s.byNonce[nonce]
		_, nonceUsed := s.consumed[nonce]
		if !stateTaken && !nonceTaken && !nonceUsed {
			break
		}
	}

	l := &Launch{
		ID:         uuid.NewString(),
		State:      state,
		Nonce:      nonce,
		PlatformID: platformID,
		ToolID:     toolID,
		Status:     StatusInitiated,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	s.launches[l.ID] = l
	s.byState[state] = l.ID
	s.byNonce[nonce] = l.ID
	return *l, nil
}

func (s *MemStore) Transition(_ context.Context, id string, expected, next Status, mutate func(*Launch) error) (Launch, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.launches[id]
	if !ok {
		return Launch{}, ErrNotFound
	}
	if l.Status != expected {
		return Launch{}, fmt.Errorf("%w: status is %s, expected %s", ErrInvalidTransition, l.Status, expected)
	}
	if !canTransition(expected, next) {
		return Launch{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	if l.Expired(now) && next != StatusExpired {
		return Launch{}, fmt.Errorf("%w: launch expired at %s", ErrInvalidTransition, l.ExpiresAt.Format(time.RFC3339))
	}
	if next == StatusCompleted {
		if _, used := s.consumed[l.Nonce]; used {
			return Launch{}, ErrNonceConsumed
		}
	}

	// Mutate a copy so a failing mutator leaves nothing behind.
	cp := *l
	if mutate != nil {
		if err := mutate(&cp); err != nil {
			return Launch{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
	}
	// Identity and scheduling fields are immutable regardless of what
	// the mutator did.
	cp.ID, cp.State, cp.Nonce = l.ID, l.State, l.Nonce
	cp.PlatformID, cp.ToolID = l.PlatformID, l.ToolID
	cp.CreatedAt, cp.ExpiresAt = l.CreatedAt, l.ExpiresAt
	cp.Status = next

	if next == StatusCompleted {
		s.consumed[l.Nonce] = struct{}{}
	}
	*l = cp
	return cp, nil
}

func (s *MemStore) FindByState(_ context.Context, state string) (Launch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byState[state]
	if !ok {
		return Launch{}, ErrNotFound
	}
	return *s.launches[id], nil
}

func (s *MemStore) FindByNonce(_ context.Context, nonce string) (Launch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNonce[nonce]
	if !ok {
		return Launch{}, ErrNotFound
	}
	return *s.launches[id], nil
}

func (s *MemStore) NonceConsumed(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, used := s.consumed[nonce]
	return used, nil
}

func (s *MemStore) ReapExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.launches {
		if (l.Status == StatusInitiated || l.Status == StatusOIDCInitiated) && l.Expired(now) {
			l.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

func (s *MemStore) PurgeTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, l := range s.launches {
		if l.Status.Terminal() && l.ExpiresAt.Before(cutoff) {
			delete(s.byState, l.State)
			delete(s.byNonce, l.Nonce)
			delete(s.launches, id)
			n++
		}
	}
	return n, nil
}
