package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/trustcore/internal/domain/audit"
	domainerrors "github.com/meridianhq/trustcore/internal/domain/errors"
	auditsvc "github.com/meridianhq/trustcore/internal/service/audit"
)

// alertRepository implements auditsvc.AlertStore against PostgreSQL.
type alertRepository struct {
	pool *pgxpool.Pool
}

// NewAlertRepository creates a PostgreSQL-backed security alert store.
func NewAlertRepository(pool *pgxpool.Pool) auditsvc.AlertStore {
	return &alertRepository{pool: pool}
}

func (r *alertRepository) CreateAlert(ctx context.Context, alert *audit.SecurityAlert) error {
	query := `
		INSERT INTO security_alerts (
			id, type, severity, message, actor_id, metadata, resolved, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		alert.ID, alert.Type.String(), alert.Severity.String(), alert.Message,
		alert.ActorID, alert.Metadata, alert.Resolved, alert.CreatedAt)
	if err != nil {
		return domainerrors.NewInternalError("failed to insert security alert").WithCause(err)
	}
	return nil
}

func (r *alertRepository) CountUnresolved(ctx context.Context, alertType audit.AlertType, actorID string, since time.Time) (int, error) {
	query := `
		SELECT count(*)
		FROM security_alerts
		WHERE resolved = false
		  AND type = $1
		  AND actor_id IS NOT DISTINCT FROM NULLIF($2, '')
		  AND created_at >= $3
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, alertType.String(), actorID, since).Scan(&count); err != nil {
		return 0, domainerrors.NewInternalError("failed to count unresolved alerts").WithCause(err)
	}
	return count, nil
}
