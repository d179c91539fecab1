package launchstate

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper periodically reaps stale launches and purges terminal records
// past the audit retention window. Each cycle is idempotent: a missed
// run leaves nothing permanently inconsistent because the next cycle
// (and the inline expiry check during completion) catches the same
// records.
type Sweeper struct {
	Store     Store
	Interval  time.Duration // default 60s
	Retention time.Duration // default 24h; how long terminal records are kept
	Log       *logrus.Logger
	NowFunc   func() time.Time
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Minute
}

func (s *Sweeper) retention() time.Duration {
	if s.Retention > 0 {
		return s.Retention
	}
	return 24 * time.Hour
}

func (s *Sweeper) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc()
	}
	return time.Now().UTC()
}

func (s *Sweeper) log() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// Run blocks until ctx is done, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reap + purge cycle. Errors are logged, never
// fatal: the store stays consistent and the next cycle retries.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	reaped, err := s.Store.ReapExpired(ctx, now)
	if err != nil {
		s.log().WithError(err).Error("launch sweep: reap failed")
	} else if reaped > 0 {
		s.log().WithField("count", reaped).Info("launch sweep: expired stale launches")
	}

	purged, err := s.Store.PurgeTerminal(ctx, now.Add(-s.retention()))
	if err != nil {
		s.log().WithError(err).Error("launch sweep: purge failed")
	} else if purged > 0 {
		s.log().WithField("count", purged).Info("launch sweep: purged terminal records")
	}
}
