package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stbsettings/internal/adapter/metrics"
)

const (
	DefaultRetention      = 24 * time.Hour
	DefaultReaperInterval = 1 * time.Minute
)

// Reaper periodically erases sessions that outlived the retention window.
// It is the backstop for sessions that are never acknowledged.
type Reaper struct {
	store     *Store
	clock     clockwork.Clock
	retention time.Duration
	interval  time.Duration
	metrics   *metrics.SessionMetrics
}

func NewReaper(store *Store, clock clockwork.Clock, retention, interval time.Duration, m *metrics.SessionMetrics) *Reaper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	return &Reaper{
		store:     store,
		clock:     clock,
		retention: retention,
		interval:  interval,
		metrics:   m,
	}
}

// Sweep runs one expiry pass and returns the number of erased sessions.
func (r *Reaper) Sweep() int {
	start := r.clock.Now()
	expired := r.store.ExpireIdle(r.retention)

	r.metrics.SweepDuration.Observe(r.clock.Since(start).Seconds())
	r.metrics.Erased.WithLabelValues("expired").Add(float64(len(expired)))
	r.metrics.Live.Set(float64(r.store.Len()))

	for _, id := range expired {
		slog.Debug("Expired idle session", "session_id", id.String())
	}
	if len(expired) > 0 {
		slog.Info("Reaper sweep finished", "expired", len(expired), "remaining", r.store.Len())
	}
	return len(expired)
}

// Start runs Sweep on every tick in a background goroutine.
// Returns a stop function that should be called to clean up the goroutine.
func (r *Reaper) Start() func() {
	ticker := r.clock.NewTicker(r.interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				r.safeSweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	slog.Info("Reaper started", "interval", r.interval, "retention", r.retention)
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// safeSweep keeps a failing sweep from taking the loop down; the next tick retries.
func (r *Reaper) safeSweep() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Reaper sweep panicked", "panic", rec)
		}
	}()
	r.Sweep()
}
