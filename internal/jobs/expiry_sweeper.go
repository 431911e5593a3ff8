// expiry_sweeper.go implements the ExpirySweeper background job, which deletes
// installation state values and access tokens whose expiry has passed. Lookups
// already ignore expired rows, so the sweeper only keeps the tables small.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carbon-marketplace/icr-marketplace/internal/safego"
	"github.com/carbon-marketplace/icr-marketplace/internal/telemetry"
)

// ExpiredDeleter removes rows that expired at or before now
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ExpirySweeper periodically purges expired pending states and access tokens.
type ExpirySweeper struct {
	targets  map[string]ExpiredDeleter
	interval time.Duration
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExpirySweeper creates a sweeper over the pending state and access token stores.
// interval defaults to 15 minutes.
func NewExpirySweeper(states, accessTokens ExpiredDeleter, interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &ExpirySweeper{
		targets: map[string]ExpiredDeleter{
			"pending_state": states,
			"access_token":  accessTokens,
		},
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval until Stop is called
// or ctx is cancelled.
func (s *ExpirySweeper) Start(ctx context.Context) {
	slog.Info("expiry sweeper started", "interval", s.interval)

	s.wg.Add(1)
	safego.Go("expiry_sweeper", func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Sweep(ctx)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-s.stopCh:
				slog.Info("expiry sweeper stopped")
				return
			case <-ctx.Done():
				slog.Info("expiry sweeper context cancelled")
				return
			}
		}
	})
}

// Stop signals the loop to exit and waits for the current sweep to finish.
// It is safe to call more than once.
func (s *ExpirySweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sweep deletes expired rows from every store and returns how many were removed per kind.
// A failing store is logged and does not stop the others.
func (s *ExpirySweeper) Sweep(ctx context.Context) map[string]int64 {
	now := s.now()
	removed := make(map[string]int64, len(s.targets))
	for kind, target := range s.targets {
		if target == nil {
			continue
		}
		n, err := target.DeleteExpired(ctx, now)
		if err != nil {
			slog.Warn("expiry sweep failed", "kind", kind, "error", err)
			continue
		}
		removed[kind] = n
		if n > 0 {
			telemetry.ExpiredRecordsSweptTotal.WithLabelValues(kind).Add(float64(n))
			slog.Debug("expired records removed", "kind", kind, "count", n)
		}
	}
	return removed
}
