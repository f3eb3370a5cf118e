package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"image/png"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/meridianhq/trustcore/internal/domain/account"
	"github.com/meridianhq/trustcore/internal/domain/audit"
	"github.com/meridianhq/trustcore/internal/domain/errors"
	"github.com/meridianhq/trustcore/internal/metrics"
	auditsvc "github.com/meridianhq/trustcore/internal/service/audit"
	"github.com/meridianhq/trustcore/internal/service/encryption"
)

const (
	// BackupCodeCount codes are issued per setup, each drawn from
	// backupCodeBytes of randomness (16 uppercase hex characters).
	BackupCodeCount = 8
	backupCodeBytes = 8

	// TOTP parameters: 30-second steps, six digits, SHA1 for authenticator
	// app compatibility, and a +-2 step window to absorb clock drift.
	totpPeriod     = 30
	totpSkew       = 2
	totpSecretSize = 20

	qrImageSize = 200

	defaultIssuer = "Meridian"
)

// UserStore is the storage surface the MFA service needs. RecordFailedAttempt
// must increment atomically and return the post-increment counter so
// concurrent failed logins cannot under-count toward lockout.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*account.Account, error)
	UpdateMFASettings(ctx context.Context, id uuid.UUID, settings account.MFASettings) error
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, at time.Time) (int, error)
	ResetFailedAttempts(ctx context.Context, id uuid.UUID) error
}

// SecurityLog is the slice of the audit service MFA reports into.
type SecurityLog interface {
	LogAuthEvent(ctx context.Context, event string, entry auditsvc.Entry)
	CreateSecurityAlert(ctx context.Context, alert auditsvc.Alert)
}

// Setup is returned from GenerateSetup. Secret and BackupCodes are the only
// time the plaintext credentials leave the service; they are stored encrypted.
type Setup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCode          string   `json:"qr_code"` // data:image/png;base64,...
	BackupCodes     []string `json:"backup_codes"`
}

// LoginResult is the outcome of a login verification. Lockout is not an
// error: callers render RemainingAttempts and LockoutUntil to the user.
type LoginResult struct {
	Valid             bool       `json:"valid"`
	RemainingAttempts *int       `json:"remaining_attempts,omitempty"`
	LockoutUntil      *time.Time `json:"lockout_until,omitempty"`
}

// Deps carries the service's collaborators. Users and Crypto are required.
type Deps struct {
	Users    UserStore
	Crypto   *encryption.Service
	Security SecurityLog
	Logger   *zap.Logger
	Metrics  *metrics.Registry
	Clock    func() time.Time
}

// Config tunes the MFA service.
type Config struct {
	// Issuer is shown in authenticator apps next to the account name.
	Issuer string
}

// Service implements the MFA setup/verify/login/disable state machine with
// lockout. Per-user state lives in the UserStore; the service itself is
// stateless and safe for concurrent use.
type Service struct {
	users    UserStore
	crypto   *encryption.Service
	security SecurityLog
	logger   *zap.Logger
	metrics  *metrics.Registry
	clock    func() time.Time
	issuer   string
}

// New creates the MFA service.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Users == nil {
		return nil, errors.NewValidationError("MISSING_USER_STORE", "user store is required")
	}
	if deps.Crypto == nil {
		return nil, errors.NewValidationError("MISSING_CRYPTO", "encryption service is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNopRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}

	return &Service{
		users:    deps.Users,
		crypto:   deps.Crypto,
		security: deps.Security,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		issuer:   cfg.Issuer,
	}, nil
}

// GenerateSetup provisions a fresh TOTP credential: a new random seed, its
// otpauth:// URI rendered as a scannable QR image, and a set of single-use
// backup codes. Everything is persisted encrypted with enabled=false; the
// user must prove possession once via VerifyAndEnable.
func (s *Service) GenerateSetup(ctx context.Context, userID uuid.UUID, userEmail string) (*Setup, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.ErrUserNotFound
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: userEmail,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to generate TOTP key").WithCause(err)
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return nil, errors.NewInternalError("failed to render QR code").WithCause(err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.NewInternalError("failed to encode QR code").WithCause(err)
	}
	qrCode := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	codes, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}

	secretEnc, err := s.crypto.EncryptField(key.Secret())
	if err != nil {
		return nil, err
	}
	codesEnc := make([]string, 0, len(codes))
	for _, code := range codes {
		enc, err := s.crypto.EncryptField(code)
		if err != nil {
			return nil, err
		}
		codesEnc = append(codesEnc, enc)
	}

	settings := account.MFASettings{
		SecretEnc:      secretEnc,
		BackupCodesEnc: codesEnc,
		Enabled:        false,
	}
	if err := s.users.UpdateMFASettings(ctx, userID, settings); err != nil {
		return nil, err
	}

	s.logAuth(ctx, "mfa_setup_started", userID, true, nil)

	return &Setup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          qrCode,
		BackupCodes:     codes,
	}, nil
}

// VerifyAndEnable proves possession of the provisioned seed and flips the
// credential to enabled. Setup verification failures are not counted toward
// lockout; only login failures are.
func (s *Service) VerifyAndEnable(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, errors.ErrUserNotFound
	}
	if !user.MFA.Configured() {
		return false, errors.ErrMFANotConfigured
	}

	secret, err := s.crypto.DecryptField(user.MFA.SecretEnc)
	if err != nil {
		return false, err
	}

	if !s.validTOTP(code, secret) {
		s.metrics.MFAVerifications.WithLabelValues("totp", "failure").Inc()
		return false, nil
	}

	settings := user.MFA
	settings.Enabled = true
	settings.FailedAttempts = 0
	settings.LastFailedAt = nil
	if err := s.users.UpdateMFASettings(ctx, userID, settings); err != nil {
		return false, err
	}

	s.metrics.MFAVerifications.WithLabelValues("totp", "success").Inc()
	s.logAuth(ctx, "mfa_enabled", userID, true, nil)
	return true, nil
}

// VerifyLogin is the production login verification path: lockout check,
// then TOTP or single-use backup code verification, with failure counting.
func (s *Service) VerifyLogin(ctx context.Context, userID uuid.UUID, code string, isBackupCode bool) (*LoginResult, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.ErrUserNotFound
	}

	// MFA disabled: invalid, no side effects.
	if !user.MFA.Enabled {
		return &LoginResult{Valid: false}, nil
	}

	now := s.clock().UTC()
	if until, locked := user.MFA.LockedUntil(now); locked {
		// Locked out: do not attempt verification, do not consume attempts.
		return &LoginResult{Valid: false, LockoutUntil: &until}, nil
	}

	method := "totp"
	if isBackupCode {
		method = "backup_code"
	}

	var valid bool
	settings := user.MFA
	if isBackupCode {
		valid, settings.BackupCodesEnc = s.consumeBackupCode(code, user.MFA.BackupCodesEnc)
	} else {
		secret, err := s.crypto.DecryptField(user.MFA.SecretEnc)
		if err != nil {
			return nil, err
		}
		valid = s.validTOTP(code, secret)
	}

	if valid {
		if isBackupCode {
			// Persist the consumed code and the counter reset together.
			settings.FailedAttempts = 0
			settings.LastFailedAt = nil
			if err := s.users.UpdateMFASettings(ctx, userID, settings); err != nil {
				return nil, err
			}
		} else if err := s.users.ResetFailedAttempts(ctx, userID); err != nil {
			return nil, err
		}
		s.metrics.MFAVerifications.WithLabelValues(method, "success").Inc()
		s.logAuth(ctx, "login", userID, true, map[string]interface{}{"method": method})
		return &LoginResult{Valid: true}, nil
	}

	attempts, err := s.users.RecordFailedAttempt(ctx, userID, now)
	if err != nil {
		// The verification verdict stands; count locally so the caller still
		// gets an attempt estimate.
		s.logger.Error("failed to record MFA failure",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		attempts = user.MFA.FailedAttempts + 1
	}

	remaining := account.MFASettings{FailedAttempts: attempts}.RemainingAttempts()
	s.metrics.MFAVerifications.WithLabelValues(method, "failure").Inc()
	s.logAuth(ctx, "login_failed", userID, false, map[string]interface{}{
		"method":            method,
		"remainingAttempts": remaining,
	})

	result := &LoginResult{Valid: false, RemainingAttempts: &remaining}
	if attempts >= account.MaxFailedAttempts {
		until := now.Add(account.LockoutDuration)
		result.LockoutUntil = &until
		s.metrics.MFALockouts.Inc()
		s.alert(ctx, auditsvc.Alert{
			Type:     audit.AlertTypeAuthentication,
			Severity: audit.SeverityHigh,
			Message:  "MFA lockout threshold reached",
			ActorID:  userID.String(),
			Metadata: map[string]interface{}{
				"failedAttempts": attempts,
				"lockoutUntil":   until,
			},
		})
	}
	return result, nil
}

// Disable removes the MFA credential after re-proving the account password.
// A wrong password fails closed: state is unchanged and the attempt is
// recorded as a risk-relevant audit event.
func (s *Service) Disable(ctx context.Context, userID uuid.UUID, password string) (bool, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, errors.ErrUserNotFound
	}
	if !user.MFA.Enabled {
		return false, errors.ErrMFANotEnabled
	}

	if !s.crypto.VerifyPassword(password, user.PasswordHash) {
		s.logger.Warn("MFA disable rejected, password re-proof failed",
			zap.String("user_id", userID.String()))
		s.logAuth(ctx, "mfa_disable_failed", userID, false, nil)
		return false, nil
	}

	if err := s.users.UpdateMFASettings(ctx, userID, account.Cleared()); err != nil {
		return false, err
	}

	// Disabling MFA raises account risk even when authorized.
	s.logger.Warn("MFA disabled", zap.String("user_id", userID.String()))
	s.logAuth(ctx, "mfa_disabled", userID, true, nil)
	s.alert(ctx, auditsvc.Alert{
		Type:     audit.AlertTypeAuthentication,
		Severity: audit.SeverityMedium,
		Message:  "MFA was disabled for an account",
		ActorID:  userID.String(),
	})
	return true, nil
}

// RegenerateBackupCodes replaces the stored backup code set atomically and
// returns the fresh plaintext codes, the only time they are visible.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.ErrUserNotFound
	}
	if !user.MFA.Configured() {
		return nil, errors.ErrMFANotConfigured
	}

	codes, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, err
	}
	codesEnc := make([]string, 0, len(codes))
	for _, code := range codes {
		enc, err := s.crypto.EncryptField(code)
		if err != nil {
			return nil, err
		}
		codesEnc = append(codesEnc, enc)
	}

	settings := user.MFA
	settings.BackupCodesEnc = codesEnc
	if err := s.users.UpdateMFASettings(ctx, userID, settings); err != nil {
		return nil, err
	}

	s.logAuth(ctx, "mfa_backup_codes_regenerated", userID, true, nil)
	return codes, nil
}

// consumeBackupCode checks the candidate against the encrypted-stored set by
// decrypting each stored code and comparing plaintext (ciphertexts are
// randomized, so ciphertext equality cannot work). On a match the code is
// removed from the returned set: backup codes are single use.
func (s *Service) consumeBackupCode(candidate string, stored []string) (bool, []string) {
	normalized := strings.ToUpper(strings.TrimSpace(candidate))
	if normalized == "" {
		return false, stored
	}

	for i, enc := range stored {
		plain, err := s.crypto.DecryptField(enc)
		if err != nil {
			s.logger.Warn("stored backup code undecryptable, skipping", zap.Error(err))
			continue
		}
		if plain == normalized {
			remaining := make([]string, 0, len(stored)-1)
			remaining = append(remaining, stored[:i]...)
			remaining = append(remaining, stored[i+1:]...)
			return true, remaining
		}
	}
	return false, stored
}

func (s *Service) validTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.clock().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *Service) logAuth(ctx context.Context, event string, userID uuid.UUID, success bool, details map[string]interface{}) {
	if s.security == nil {
		return
	}
	s.security.LogAuthEvent(ctx, event, auditsvc.Entry{
		ActorID:  userID.String(),
		Resource: "mfa",
		Details:  details,
		Success:  success,
	})
}

func (s *Service) alert(ctx context.Context, alert auditsvc.Alert) {
	if s.security == nil {
		return
	}
	s.security.CreateSecurityAlert(ctx, alert)
}

func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, errors.NewInternalError("failed to generate backup code").WithCause(err)
		}
		codes = append(codes, strings.ToUpper(hex.EncodeToString(buf)))
	}
	return codes, nil
}
