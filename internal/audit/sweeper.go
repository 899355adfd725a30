package audit

import (
	"context"
	"time"

	"pressline.org/internal/obs"
)

// Sweeper periodically purges entries older than the retention window.
// It shares no locks with request handling.
type Sweeper struct {
	log           *Log
	retentionDays int
	interval      time.Duration
}

// NewSweeper returns a sweeper; retentionDays <= 0 disables it.
func NewSweeper(log *Log, retentionDays int, interval time.Duration) *Sweeper {
	return &Sweeper{log: log, retentionDays: retentionDays, interval: interval}
}

// Enabled reports whether Run does any work.
func (s *Sweeper) Enabled() bool {
	return s != nil && s.log != nil && s.retentionDays > 0 && s.interval > 0
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single purge and logs the outcome.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.log.Purge(ctx, s.retentionDays)
	if err != nil {
		obs.Error("audit retention sweep failed", err, map[string]any{"retention_days": s.retentionDays})
		return 0
	}
	if n > 0 {
		obs.Info("audit retention sweep", map[string]any{"purged": n, "retention_days": s.retentionDays})
	}
	return n
}
