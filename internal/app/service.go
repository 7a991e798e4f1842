package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pscheid92/stbsettings/internal/adapter/metrics"
	"github.com/pscheid92/stbsettings/internal/domain"
)

// Sweeper runs periodic expiry in the background. Start returns its stop function.
type Sweeper interface {
	Start() func()
}

// Service is the application layer. It drives the session lifecycle
// Fresh -> Dirty -> Erased on top of the session store and keeps the
// session metrics in step with it.
type Service struct {
	store   domain.SessionStore
	sweeper Sweeper
	metrics *metrics.SessionMetrics

	stopSweeper func()
	stopOnce    sync.Once
}

// NewService creates the application layer service. sweeper may be nil when
// expiry is driven externally.
func NewService(store domain.SessionStore, sweeper Sweeper, m *metrics.SessionMetrics) *Service {
	return &Service{
		store:   store,
		sweeper: sweeper,
		metrics: m,
	}
}

// Start launches background expiry.
func (s *Service) Start() {
	if s.sweeper == nil || s.stopSweeper != nil {
		return
	}
	s.stopSweeper = s.sweeper.Start()
}

// Stop halts background expiry. Safe to call multiple times.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.stopSweeper != nil {
			s.stopSweeper()
		}
	})
}

// Ready reports whether new sessions can currently be accepted.
func (s *Service) Ready() bool {
	limit := s.store.MaxSessions()
	return limit == 0 || s.store.Len() < limit
}

// NewSession validates the device's parameter schema and opens a session for it.
// A malformed schema is rejected before any record exists.
func (s *Service) NewSession(ctx context.Context, params []domain.Parameter) (domain.Identity, error) {
	normalized, err := domain.ValidateSchema(params)
	if err != nil {
		s.metrics.Rejected.WithLabelValues("malformed").Inc()
		slog.InfoContext(ctx, "Rejected malformed schema", "error", err)
		return domain.Identity{}, err
	}

	id, sessionID, err := s.store.Create(normalized)
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) {
			s.metrics.Rejected.WithLabelValues("capacity").Inc()
			slog.WarnContext(ctx, "Session capacity exhausted", "max_sessions", s.store.MaxSessions())
		}
		return domain.Identity{}, err
	}

	s.metrics.Created.Inc()
	s.metrics.Live.Set(float64(s.store.Len()))
	slog.InfoContext(ctx, "Session created", "session_id", sessionID.String(), "parameters", len(normalized))
	return id, nil
}

// Poll answers a device asking whether its settings changed since revision.
func (s *Service) Poll(ctx context.Context, secret string, revision uint64) (domain.PollResult, error) {
	res, err := s.store.Poll(secret, revision)
	if err != nil {
		s.metrics.Polls.WithLabelValues(resultLabel(err)).Inc()
		return res, err
	}

	if res.Changed {
		s.metrics.Polls.WithLabelValues("changed").Inc()
		slog.DebugContext(ctx, "Device fetched changes", "session_id", res.SessionID.String(), "from", revision, "to", res.Revision)
	} else {
		s.metrics.Polls.WithLabelValues("unchanged").Inc()
	}
	return res, nil
}

// Settings returns the current parameter set for the human editing surface.
func (s *Service) Settings(_ context.Context, key string) (domain.Snapshot, error) {
	return s.store.GetByKey(key)
}

// SubmitUpdate applies a batch of human edits. expected is the revision the
// editor last saw, or nil when unknown.
func (s *Service) SubmitUpdate(ctx context.Context, key string, expected *uint64, values map[string]any) (domain.UpdateResult, error) {
	res, err := s.store.UpdateValues(key, expected, values)
	if err != nil {
		s.metrics.Updates.WithLabelValues(resultLabel(err)).Inc()
		return res, err
	}

	label := "applied"
	if res.Conflict {
		label = "conflict"
		slog.InfoContext(ctx, "Update applied over newer revision", "session_id", res.SessionID.String(), "revision", res.Revision)
	}
	s.metrics.Updates.WithLabelValues(label).Inc()
	slog.DebugContext(ctx, "Values updated", "session_id", res.SessionID.String(), "revision", res.Revision, "fields", len(values))
	return res, nil
}

// Acknowledge records that the device applied revision. Confirming the current
// revision erases the session; a stale confirmation keeps it for another poll.
func (s *Service) Acknowledge(ctx context.Context, secret string, revision uint64) (domain.AckResult, error) {
	res, err := s.store.Acknowledge(secret, revision)
	if err != nil {
		return res, err
	}

	if res.Erased {
		s.metrics.Erased.WithLabelValues("acknowledged").Inc()
		s.metrics.Live.Set(float64(s.store.Len()))
		slog.InfoContext(ctx, "Session acknowledged and erased", "session_id", res.SessionID.String(), "revision", res.Revision)
	} else {
		slog.DebugContext(ctx, "Stale acknowledgment ignored", "session_id", res.SessionID.String(), "acked", revision, "revision", res.Revision)
	}
	return res, nil
}

// KeepAlive refreshes a session's idle timer without reading or changing it.
func (s *Service) KeepAlive(_ context.Context, token string) error {
	return s.store.Touch(token)
}

// EndSession erases a session on the device's request, whatever its state.
func (s *Service) EndSession(ctx context.Context, secret string) error {
	sessionID, err := s.store.Erase(secret)
	if err != nil {
		return err
	}

	s.metrics.Erased.WithLabelValues("ended").Inc()
	s.metrics.Live.Set(float64(s.store.Len()))
	slog.InfoContext(ctx, "Session ended by device", "session_id", sessionID.String())
	return nil
}

func resultLabel(err error) string {
	var invalid *domain.InvalidValueError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.As(err, &invalid):
		return "invalid"
	default:
		return "error"
	}
}
