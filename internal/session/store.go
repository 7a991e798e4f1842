package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stbsettings/internal/domain"
	"github.com/pscheid92/stbsettings/internal/identity"
)

const (
	shardCount       = 32
	maxIssueAttempts = 10
)

var errTokenCollision = errors.New("token collision")

type record struct {
	mu sync.Mutex

	id            uuid.UUID
	identity      domain.Identity
	params        []domain.Parameter
	revision      uint64
	dirty         bool
	erased        bool
	createdAt     time.Time
	lastTouchedAt time.Time
}

func (r *record) snapshot() domain.Snapshot {
	return domain.Snapshot{
		ID:            r.id,
		Revision:      r.revision,
		Dirty:         r.dirty,
		Parameters:    domain.CloneParameters(r.params),
		CreatedAt:     r.createdAt,
		LastTouchedAt: r.lastTouchedAt,
	}
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// index maps one kind of token to records. Tokens are spread over shards so
// structural changes only contend with sessions hashing to the same shard.
type index struct {
	shards [shardCount]shard
}

func newIndex() *index {
	ix := &index{}
	for i := range ix.shards {
		ix.shards[i].records = make(map[string]*record)
	}
	return ix
}

func (ix *index) shardFor(token string) *shard {
	return &ix.shards[xxhash.Sum64String(token)%shardCount]
}

func (ix *index) get(token string) *record {
	sh := ix.shardFor(token)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.records[token]
}

func (ix *index) insert(token string, r *record) bool {
	sh := ix.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.records[token]; exists {
		return false
	}
	sh.records[token] = r
	return true
}

func (ix *index) remove(token string, r *record) {
	sh := ix.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.records[token] == r {
		delete(sh.records, token)
	}
}

func (ix *index) all() []*record {
	var out []*record
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.RLock()
		for _, r := range sh.records {
			out = append(out, r)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Store is the process-scoped session registry. It exclusively owns every
// record; callers only ever receive copies.
//
// Each record is reachable through two independent indices (key and secret).
// All record state changes happen under the record's own mutex, and an erased
// record is flagged before it is unlinked, so both tokens resolve to the same
// live record or to nothing.
type Store struct {
	issuer      identity.Issuer
	clock       clockwork.Clock
	maxSessions int

	live     atomic.Int64
	byKey    *index
	bySecret *index
}

type Option func(*Store)

// WithIssuer replaces the default crypto/rand identity issuer.
func WithIssuer(issuer identity.Issuer) Option {
	return func(s *Store) { s.issuer = issuer }
}

// WithMaxSessions bounds the number of live sessions. Zero means unbounded.
func WithMaxSessions(n int) Option {
	return func(s *Store) { s.maxSessions = n }
}

func NewStore(clock clockwork.Clock, opts ...Option) *Store {
	s := &Store{
		issuer:   identity.NewRandomIssuer(nil),
		clock:    clock,
		byKey:    newIndex(),
		bySecret: newIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return int(s.live.Load())
}

// MaxSessions returns the configured capacity, zero when unbounded.
func (s *Store) MaxSessions() int {
	return s.maxSessions
}

// Create registers a new session holding params, which must already have passed
// domain.ValidateSchema. The record starts at revision 0 and not dirty.
func (s *Store) Create(params []domain.Parameter) (domain.Identity, uuid.UUID, error) {
	if n := s.live.Add(1); s.maxSessions > 0 && n > int64(s.maxSessions) {
		s.live.Add(-1)
		return domain.Identity{}, uuid.Nil, domain.ErrCapacityExceeded
	}

	now := s.clock.Now()
	r := &record{
		id:            uuid.New(),
		params:        domain.CloneParameters(params),
		createdAt:     now,
		lastTouchedAt: now,
	}

	for range maxIssueAttempts {
		id, err := s.issuer.Issue()
		if err != nil {
			s.live.Add(-1)
			return domain.Identity{}, uuid.Nil, fmt.Errorf("failed to issue identity: %w", err)
		}

		r.identity = id
		if err := s.register(r); errors.Is(err, errTokenCollision) {
			continue
		}
		return id, r.id, nil
	}

	s.live.Add(-1)
	return domain.Identity{}, uuid.Nil, fmt.Errorf("failed to issue unique identity after %d attempts", maxIssueAttempts)
}

// register links r under both tokens, or under neither.
func (s *Store) register(r *record) error {
	if !s.bySecret.insert(r.identity.Secret, r) {
		return errTokenCollision
	}
	if !s.byKey.insert(r.identity.Key, r) {
		s.bySecret.remove(r.identity.Secret, r)
		return errTokenCollision
	}
	return nil
}

// withRecord runs fn under the record's lock. Unknown and erased records
// both yield domain.ErrNotFound.
func (s *Store) withRecord(ix *index, token string, fn func(r *record) error) error {
	r := ix.get(token)
	if r == nil {
		return domain.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.erased {
		return domain.ErrNotFound
	}
	return fn(r)
}

// eraseLocked must be called with r.mu held. Erasing twice is a no-op.
func (s *Store) eraseLocked(r *record) bool {
	if r.erased {
		return false
	}
	r.erased = true
	r.params = nil
	s.byKey.remove(r.identity.Key, r)
	s.bySecret.remove(r.identity.Secret, r)
	s.live.Add(-1)
	return true
}

// GetByKey returns a snapshot for the human-facing token and touches the record.
func (s *Store) GetByKey(key string) (domain.Snapshot, error) {
	return s.get(s.byKey, key)
}

// GetBySecret returns a snapshot for the device-facing token and touches the record.
func (s *Store) GetBySecret(secret string) (domain.Snapshot, error) {
	return s.get(s.bySecret, secret)
}

func (s *Store) get(ix *index, token string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.withRecord(ix, token, func(r *record) error {
		r.lastTouchedAt = s.clock.Now()
		snap = r.snapshot()
		return nil
	})
	return snap, err
}

// Touch refreshes lastTouchedAt for either a key or a secret.
func (s *Store) Touch(token string) error {
	touch := func(r *record) error {
		r.lastTouchedAt = s.clock.Now()
		return nil
	}
	err := s.withRecord(s.byKey, token, touch)
	if errors.Is(err, domain.ErrNotFound) {
		err = s.withRecord(s.bySecret, token, touch)
	}
	return err
}

// UpdateValues applies a batch of human edits. Every value is validated before
// any is applied; one invalid value rejects the whole batch and leaves the record
// untouched apart from lastTouchedAt. expected is advisory: a stale value sets
// Conflict on the result but the update still applies.
func (s *Store) UpdateValues(key string, expected *uint64, values map[string]any) (domain.UpdateResult, error) {
	var res domain.UpdateResult
	err := s.withRecord(s.byKey, key, func(r *record) error {
		r.lastTouchedAt = s.clock.Now()

		positions := make(map[string]int, len(r.params))
		for i, p := range r.params {
			positions[p.Name] = i
		}

		staged := make(map[int]any, len(values))
		for _, name := range slices.Sorted(maps.Keys(values)) {
			i, ok := positions[name]
			if !ok {
				return &domain.InvalidValueError{Field: name, Reason: "unknown parameter"}
			}
			v, invalid := r.params[i].Coerce(values[name])
			if invalid != nil {
				return invalid
			}
			staged[i] = v
		}

		for i, v := range staged {
			r.params[i].Value = v
		}

		res.Conflict = expected != nil && *expected != r.revision
		r.revision++
		r.dirty = true

		res.SessionID = r.id
		res.Revision = r.revision
		res.Parameters = domain.CloneParameters(r.params)
		return nil
	})
	return res, err
}

// Poll compares the device's known revision with the record. Equal revisions
// mean the device is current; a smaller one returns the full parameter set.
func (s *Store) Poll(secret string, known uint64) (domain.PollResult, error) {
	var res domain.PollResult
	err := s.withRecord(s.bySecret, secret, func(r *record) error {
		if known > r.revision {
			return revisionAhead(known, r.revision)
		}

		r.lastTouchedAt = s.clock.Now()
		res.SessionID = r.id
		res.Revision = r.revision

		if known == r.revision {
			r.dirty = false
			return nil
		}

		res.Changed = true
		res.Parameters = domain.CloneParameters(r.params)
		return nil
	})
	return res, err
}

// Acknowledge erases the record when the device confirms the current revision.
// A stale acknowledgment keeps the record, which stays dirty.
func (s *Store) Acknowledge(secret string, at uint64) (domain.AckResult, error) {
	var res domain.AckResult
	err := s.withRecord(s.bySecret, secret, func(r *record) error {
		if at > r.revision {
			return revisionAhead(at, r.revision)
		}

		res.SessionID = r.id
		res.Revision = r.revision

		if at < r.revision {
			r.dirty = true
			r.lastTouchedAt = s.clock.Now()
			return nil
		}

		res.Erased = s.eraseLocked(r)
		return nil
	})
	return res, err
}

// Erase ends a session unconditionally on the device's request.
func (s *Store) Erase(secret string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.withRecord(s.bySecret, secret, func(r *record) error {
		id = r.id
		s.eraseLocked(r)
		return nil
	})
	return id, err
}

// ExpireIdle erases every record untouched for strictly longer than retention
// and returns their IDs. Each record is checked under its own lock, so records
// in use by a concurrent operation are evaluated after that operation finishes.
func (s *Store) ExpireIdle(retention time.Duration) []uuid.UUID {
	now := s.clock.Now()

	var expired []uuid.UUID
	for _, r := range s.bySecret.all() {
		r.mu.Lock()
		if !r.erased && now.Sub(r.lastTouchedAt) > retention {
			s.eraseLocked(r)
			expired = append(expired, r.id)
		}
		r.mu.Unlock()
	}
	return expired
}

func revisionAhead(got, current uint64) *domain.InvalidValueError {
	return &domain.InvalidValueError{
		Field:  "revision",
		Reason: fmt.Sprintf("revision %d is ahead of session revision %d", got, current),
	}
}
