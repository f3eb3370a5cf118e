package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/trustcore/internal/domain/account"
	domainerrors "github.com/meridianhq/trustcore/internal/domain/errors"
	"github.com/meridianhq/trustcore/internal/service/mfa"
)

// userRepository implements mfa.UserStore against PostgreSQL. The MFA
// credential is embedded in the users row; the failure counter is
// incremented in a single UPDATE ... RETURNING so concurrent failed logins
// cannot under-count toward lockout.
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a PostgreSQL-backed user store.
func NewUserRepository(pool *pgxpool.Pool) mfa.UserStore {
	return &userRepository{pool: pool}
}

func (r *userRepository) GetUser(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	query := `
		SELECT id, email, password_hash,
		       mfa_secret, mfa_backup_codes, mfa_enabled,
		       mfa_failed_attempts, mfa_last_failed_at,
		       created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var a account.Account
	var secret *string
	var backupCodes []string
	var lastFailedAt *time.Time

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Email, &a.PasswordHash,
		&secret, &backupCodes, &a.MFA.Enabled,
		&a.MFA.FailedAttempts, &lastFailedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, domainerrors.NewInternalError("failed to load user").WithCause(err)
	}

	if secret != nil {
		a.MFA.SecretEnc = *secret
	}
	a.MFA.BackupCodesEnc = backupCodes
	a.MFA.LastFailedAt = lastFailedAt

	return &a, nil
}

func (r *userRepository) UpdateMFASettings(ctx context.Context, id uuid.UUID, settings account.MFASettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	// The backup codes column is NOT NULL; a cleared credential stores an
	// empty array.
	codes := settings.BackupCodesEnc
	if codes == nil {
		codes = []string{}
	}

	query := `
		UPDATE users
		SET mfa_secret = NULLIF($2, ''),
		    mfa_backup_codes = $3,
		    mfa_enabled = $4,
		    mfa_failed_attempts = $5,
		    mfa_last_failed_at = $6,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id,
		settings.SecretEnc, codes, settings.Enabled,
		settings.FailedAttempts, settings.LastFailedAt)
	if err != nil {
		return domainerrors.NewInternalError("failed to update MFA settings").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrUserNotFound
	}
	return nil
}

func (r *userRepository) RecordFailedAttempt(ctx context.Context, id uuid.UUID, at time.Time) (int, error) {
	query := `
		UPDATE users
		SET mfa_failed_attempts = mfa_failed_attempts + 1,
		    mfa_last_failed_at = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING mfa_failed_attempts
	`

	var attempts int
	if err := r.pool.QueryRow(ctx, query, id, at).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainerrors.ErrUserNotFound
		}
		return 0, domainerrors.NewInternalError("failed to record MFA failure").WithCause(err)
	}
	return attempts, nil
}

func (r *userRepository) ResetFailedAttempts(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET mfa_failed_attempts = 0,
		    mfa_last_failed_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return domainerrors.NewInternalError("failed to reset MFA failures").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return domainerrors.ErrUserNotFound
	}
	return nil
}
