package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/trustcore/internal/domain/audit"
	domainerrors "github.com/meridianhq/trustcore/internal/domain/errors"
	auditsvc "github.com/meridianhq/trustcore/internal/service/audit"
)

// defaultListLimit bounds unfiltered trail queries.
const defaultListLimit = 1000

// auditRepository implements auditsvc.EventStore against PostgreSQL. Rows
// are append-only: there is no update or delete path here.
type auditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a PostgreSQL-backed audit event store.
func NewAuditRepository(pool *pgxpool.Pool) auditsvc.EventStore {
	return &auditRepository{pool: pool}
}

func (r *auditRepository) CreateEvent(ctx context.Context, event *audit.Event) error {
	query := `
		INSERT INTO audit_logs (
			id, actor_id, action, resource, details,
			ip_address, user_agent, success, session_id, created_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''),
		          NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), $10)
	`

	_, err := r.pool.Exec(ctx, query,
		event.ID, event.ActorID, string(event.Action), event.Resource, event.Details,
		event.IPAddress, event.UserAgent, event.Success, event.SessionID, event.Timestamp)
	if err != nil {
		return domainerrors.NewInternalError("failed to insert audit event").WithCause(err)
	}
	return nil
}

func (r *auditRepository) ListEvents(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	var conditions []string
	var args []interface{}

	addCondition := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.ActorID != "" {
		addCondition("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		addCondition("action = $%d", string(filter.Action))
	}
	if !filter.From.IsZero() {
		addCondition("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		addCondition("created_at <= $%d", filter.To)
	}

	query := "SELECT id, actor_id, action, resource, details, ip_address, user_agent, success, session_id, created_at FROM audit_logs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to query audit events").WithCause(err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (r *auditRepository) ListRecentEvents(ctx context.Context, actorID, ipAddress string, since time.Time) ([]*audit.Event, error) {
	query := `
		SELECT id, actor_id, action, resource, details, ip_address, user_agent, success, session_id, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND
	`
	var arg string
	if actorID != "" {
		query += " actor_id = $2"
		arg = actorID
	} else {
		query += " ip_address = $2"
		arg = ipAddress
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, since, arg)
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to query recent audit events").WithCause(err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*audit.Event, error) {
	var events []*audit.Event
	for rows.Next() {
		var e audit.Event
		var actorID, details, ipAddress, userAgent, sessionID *string
		var action string

		if err := rows.Scan(&e.ID, &actorID, &action, &e.Resource, &details,
			&ipAddress, &userAgent, &e.Success, &sessionID, &e.Timestamp); err != nil {
			return nil, domainerrors.NewInternalError("failed to scan audit event").WithCause(err)
		}

		e.Action = audit.Action(action)
		e.ActorID = deref(actorID)
		e.Details = deref(details)
		e.IPAddress = deref(ipAddress)
		e.UserAgent = deref(userAgent)
		e.SessionID = deref(sessionID)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, domainerrors.NewInternalError("failed to read audit events").WithCause(err)
	}
	return events, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
