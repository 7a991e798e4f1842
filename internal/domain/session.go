package domain

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the capability pair handed out at session creation. Key is shown to
// the human, Secret only to the device. The two are independent random tokens.
type Identity struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// SessionState is the externally visible lifecycle position of a live session.
// Erased sessions are simply not found.
type SessionState string

const (
	StateFresh SessionState = "fresh"
	StateDirty SessionState = "dirty"
)

// Snapshot is a read-only copy of a session record.
type Snapshot struct {
	// ID identifies the session in logs and metrics. It is never accepted as a lookup key.
	ID            uuid.UUID
	Revision      uint64
	Dirty         bool
	Parameters    []Parameter
	CreatedAt     time.Time
	LastTouchedAt time.Time
}

func (s Snapshot) State() SessionState {
	if s.Dirty {
		return StateDirty
	}
	return StateFresh
}

// PollResult answers a device poll. Parameters is only set when Changed is true
// and then always carries the full definition set, never a diff.
type PollResult struct {
	SessionID  uuid.UUID
	Changed    bool
	Revision   uint64
	Parameters []Parameter
}

// UpdateResult is the authoritative post-update state of a session.
// Conflict is set when the caller's expected revision was stale.
type UpdateResult struct {
	SessionID  uuid.UUID
	Revision   uint64
	Parameters []Parameter
	Conflict   bool
}

type AckResult struct {
	SessionID uuid.UUID
	Erased    bool
	Revision  uint64
}

// SessionStore holds live sessions. Keys address the human-facing surface and
// secrets the device-facing one; a token of the wrong kind is never found.
type SessionStore interface {
	Create(params []Parameter) (Identity, uuid.UUID, error)
	GetByKey(key string) (Snapshot, error)
	UpdateValues(key string, expected *uint64, values map[string]any) (UpdateResult, error)
	Poll(secret string, known uint64) (PollResult, error)
	Acknowledge(secret string, at uint64) (AckResult, error)
	Erase(secret string) (uuid.UUID, error)
	Touch(token string) error
	Len() int
	MaxSessions() int
}
