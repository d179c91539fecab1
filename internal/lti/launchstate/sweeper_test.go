package launchstate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/courseloop/courseloop/internal/lti/launchstate"
)

func TestSweepExpiresThenPurges(t *testing.T) {
	s := launchstate.NewMemStore()
	now := time.Now()
	s.NowFunc = func() time.Time { return now }
	ctx := context.Background()

	stale, _ := s.Create(ctx, "p", "t", time.Minute)
	fresh, _ := s.Create(ctx, "p", "t", 48*time.Hour)

	sw := &launchstate.Sweeper{
		Store:     s,
		Retention: 24 * time.Hour,
		NowFunc:   func() time.Time { return now },
	}

	// First sweep marks the overdue launch EXPIRED.
	now = now.Add(2 * time.Minute)
	sw.Sweep(ctx)
	got, _ := s.FindByState(ctx, stale.State)
	if got.Status != launchstate.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}

	// A sweep past the retention window deletes the terminal record.
	now = now.Add(25 * time.Hour)
	sw.Sweep(ctx)
	if _, err := s.FindByState(ctx, stale.State); !errors.Is(err, launchstate.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.FindByState(ctx, fresh.State); err != nil {
		t.Fatalf("fresh launch must survive: %v", err)
	}
}
