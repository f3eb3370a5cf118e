package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/internal/domain/errors"
)

// Event represents an immutable audit log entry. Events are append-only:
// once persisted they are never mutated or deleted except by bulk retention
// jobs outside this core.
//
// Details and UserAgent hold ciphertext at rest; the audit service encrypts
// them before persistence and decrypts them on read.
type Event struct {
	ID        uuid.UUID `json:"id"`
	ActorID   string    `json:"actor_id,omitempty"` // empty for system-originated events
	Action    Action    `json:"action"`
	Resource  string    `json:"resource"`
	Details   string    `json:"details,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Success   bool      `json:"success"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates a new audit event with validation. Actor may be empty for
// system-originated events; action and resource are required.
func NewEvent(actorID string, action Action, resource string, success bool) (*Event, error) {
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if resource == "" {
		return nil, errors.NewValidationError("MISSING_RESOURCE", "resource is required")
	}

	return &Event{
		ID:        uuid.New(),
		ActorID:   actorID,
		Action:    action,
		Resource:  resource,
		Success:   success,
		Timestamp: time.Now().UTC(),
	}, nil
}

// IsSystemEvent reports whether the event has no human actor.
func (e *Event) IsSystemEvent() bool {
	return e.ActorID == ""
}

// Filter narrows audit trail queries. Zero values mean "no constraint".
type Filter struct {
	ActorID string
	Action  Action
	From    time.Time
	To      time.Time
	Limit   int
}

// Matches reports whether the event satisfies every set constraint.
func (f Filter) Matches(e *Event) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
