package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/openpromo/kestrel/internal/blacklist"
	"github.com/openpromo/kestrel/internal/coupon"
)

// Sweeper periodically deactivates expired blacklist entries and expires
// lapsed coupons. Both sweeps are idempotent, so overlapping runs across
// instances are harmless.
type Sweeper struct {
	store    *blacklist.Store
	coupons  *coupon.Service
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper with the given interval.
func NewSweeper(store *blacklist.Store, coupons *coupon.Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{
		store:    store,
		coupons:  coupons,
		interval: interval,
	}
}

// Start runs one sweep immediately and then on every tick.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.RunOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	slog.Info("sweeper started", "interval", s.interval)
}

// RunOnce executes both sweeps. Failures are logged, never fatal.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if s.store != nil {
		if _, err := s.store.Sweep(ctx); err != nil {
			slog.Error("blacklist sweep failed", "error", err)
		}
	}
	if s.coupons != nil {
		if _, err := s.coupons.ExpireSweep(ctx); err != nil {
			slog.Error("coupon sweep failed", "error", err)
		}
	}
}

// Stop halts the sweep loop and waits for the current run to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
