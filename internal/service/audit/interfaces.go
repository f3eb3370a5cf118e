package audit

import (
	"context"
	"time"

	"github.com/meridianhq/trustcore/internal/domain/audit"
)

// EventStore persists and queries append-only audit events.
type EventStore interface {
	// CreateEvent appends a single event. Events are immutable once written.
	CreateEvent(ctx context.Context, event *audit.Event) error

	// ListEvents returns events matching the filter, newest first.
	ListEvents(ctx context.Context, filter audit.Filter) ([]*audit.Event, error)

	// ListRecentEvents returns events since the given instant for an actor,
	// or, when actorID is empty, for an IP address. Newest first.
	ListRecentEvents(ctx context.Context, actorID, ipAddress string, since time.Time) ([]*audit.Event, error)
}

// AlertStore persists security alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *audit.SecurityAlert) error

	// CountUnresolved counts unresolved alerts of a type for an actor created
	// since the given instant. Used by the optional suppression window.
	CountUnresolved(ctx context.Context, alertType audit.AlertType, actorID string, since time.Time) (int, error)
}

// ActivityWindow counts an actor's actions inside a short sliding window.
// Record registers one action at the given instant and returns the number of
// actions inside the window, the new one included.
type ActivityWindow interface {
	Record(ctx context.Context, actorID string, at time.Time) (int, error)
}

// EscalationFunc is invoked for critical alerts. The default implementation
// only logs; production deployments plug in paging or account freezing here.
type EscalationFunc func(ctx context.Context, alert *audit.SecurityAlert)
