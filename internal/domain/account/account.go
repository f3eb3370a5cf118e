package account

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/internal/domain/errors"
)

// Lockout policy constants. Lockout is derived state, computed from
// FailedAttempts and LastFailedAt rather than stored.
const (
	MaxFailedAttempts = 5
	LockoutDuration   = 15 * time.Minute
)

// Account is the slice of the user record this core reads and writes: the
// password hash used to authorize MFA disable, and the embedded MFA
// credential fields.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`

	MFA MFASettings `json:"mfa"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MFASettings holds the per-user MFA credential. SecretEnc and
// BackupCodesEnc hold ciphertext; the MFA service encrypts before writing
// and decrypts after reading.
type MFASettings struct {
	SecretEnc      string     `json:"secret,omitempty"`
	BackupCodesEnc []string   `json:"backup_codes,omitempty"`
	Enabled        bool       `json:"enabled"`
	FailedAttempts int        `json:"failed_attempts"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty"`
}

// Validate enforces the credential invariant: enabled requires a secret.
func (m MFASettings) Validate() error {
	if m.Enabled && m.SecretEnc == "" {
		return errors.NewValidationError("MFA_SECRET_MISSING",
			"MFA cannot be enabled without a secret")
	}
	if m.FailedAttempts < 0 {
		return errors.NewValidationError("NEGATIVE_FAILED_ATTEMPTS",
			"failed attempt counter cannot be negative")
	}
	return nil
}

// Configured reports whether a secret has been provisioned, enabled or not.
func (m MFASettings) Configured() bool {
	return m.SecretEnc != ""
}

// LockedUntil derives the lockout state at the given instant. The account is
// locked when the failure counter has reached the threshold and the lockout
// window since the last failure has not yet elapsed.
func (m MFASettings) LockedUntil(now time.Time) (time.Time, bool) {
	if m.FailedAttempts < MaxFailedAttempts || m.LastFailedAt == nil {
		return time.Time{}, false
	}
	until := m.LastFailedAt.Add(LockoutDuration)
	if now.Before(until) {
		return until, true
	}
	return time.Time{}, false
}

// RemainingAttempts reports how many verification attempts remain before
// lockout. Never negative.
func (m MFASettings) RemainingAttempts() int {
	remaining := MaxFailedAttempts - m.FailedAttempts
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cleared returns settings with the credential fully removed, the state an
// account returns to when MFA is disabled.
func Cleared() MFASettings {
	return MFASettings{}
}
