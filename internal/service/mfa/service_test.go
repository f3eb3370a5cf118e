package mfa

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianhq/trustcore/internal/domain/account"
	"github.com/meridianhq/trustcore/internal/domain/errors"
	auditsvc "github.com/meridianhq/trustcore/internal/service/audit"
	"github.com/meridianhq/trustcore/internal/service/encryption"
)

// memUserStore is an in-memory UserStore with the same atomicity the pgx
// implementation provides for the failure counter.
type memUserStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*account.Account
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[uuid.UUID]*account.Account)}
}

func (m *memUserStore) add(user *account.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
}

func (m *memUserStore) GetUser(_ context.Context, id uuid.UUID) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	copied := *user
	copied.MFA.BackupCodesEnc = append([]string(nil), user.MFA.BackupCodesEnc...)
	if user.MFA.LastFailedAt != nil {
		at := *user.MFA.LastFailedAt
		copied.MFA.LastFailedAt = &at
	}
	return &copied, nil
}

func (m *memUserStore) UpdateMFASettings(_ context.Context, id uuid.UUID, settings account.MFASettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user not found")
	}
	settings.BackupCodesEnc = append([]string(nil), settings.BackupCodesEnc...)
	user.MFA = settings
	return nil
}

func (m *memUserStore) RecordFailedAttempt(_ context.Context, id uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return 0, fmt.Errorf("user not found")
	}
	user.MFA.FailedAttempts++
	stamp := at
	user.MFA.LastFailedAt = &stamp
	return user.MFA.FailedAttempts, nil
}

func (m *memUserStore) ResetFailedAttempts(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user not found")
	}
	user.MFA.FailedAttempts = 0
	user.MFA.LastFailedAt = nil
	return nil
}

// recordingSecurityLog captures the audit traffic the service emits.
type recordingSecurityLog struct {
	mu     sync.Mutex
	events []recordedEvent
	alerts []auditsvc.Alert
}

type recordedEvent struct {
	event string
	entry auditsvc.Entry
}

func (r *recordingSecurityLog) LogAuthEvent(_ context.Context, event string, entry auditsvc.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{event: event, entry: entry})
}

func (r *recordingSecurityLog) CreateSecurityAlert(_ context.Context, alert auditsvc.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingSecurityLog) lastEvent() (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return recordedEvent{}, false
	}
	return r.events[len(r.events)-1], true
}

type testHarness struct {
	svc      *Service
	store    *memUserStore
	crypto   *encryption.Service
	security *recordingSecurityLog
	userID   uuid.UUID
	now      time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	crypto, err := encryption.New("mfa-test-key", zap.NewNop())
	require.NoError(t, err)

	passwordHash, err := crypto.HashPassword("account-password")
	require.NoError(t, err)

	h := &testHarness{
		store:    newMemUserStore(),
		crypto:   crypto,
		security: &recordingSecurityLog{},
		userID:   uuid.New(),
		// On a 30-second step boundary so skew arithmetic is exact
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.store.add(&account.Account{
		ID:           h.userID,
		Email:        "a@b.com",
		PasswordHash: passwordHash,
	})

	svc, err := New(Deps{
		Users:    h.store,
		Crypto:   crypto,
		Security: h.security,
		Logger:   zap.NewNop(),
		Clock:    func() time.Time { return h.now },
	}, Config{Issuer: "Meridian"})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *testHarness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// codeAt computes the TOTP code valid for the given instant.
func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// wrongCode returns a six-digit code guaranteed not to validate at the
// harness clock, avoiding the astronomically-unlikely-but-possible collision
// a hardcoded "000000" would carry.
func (h *testHarness) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	valid := make(map[string]struct{})
	for step := -2; step <= 2; step++ {
		at := h.now.Add(time.Duration(step) * 30 * time.Second)
		valid[codeAt(t, secret, at)] = struct{}{}
	}
	for i := 0; i < 1_000_000; i++ {
		candidate := fmt.Sprintf("%06d", i)
		if _, ok := valid[candidate]; !ok {
			return candidate
		}
	}
	t.Fatal("no invalid code found")
	return ""
}

func (h *testHarness) setupAndEnable(t *testing.T) *Setup {
	t.Helper()
	setup, err := h.svc.GenerateSetup(context.Background(), h.userID, "a@b.com")
	require.NoError(t, err)

	ok, err := h.svc.VerifyAndEnable(context.Background(), h.userID, codeAt(t, setup.Secret, h.now))
	require.NoError(t, err)
	require.True(t, ok)
	return setup
}

func TestGenerateSetup(t *testing.T) {
	h := newHarness(t)

	setup, err := h.svc.GenerateSetup(context.Background(), h.userID, "a@b.com")
	require.NoError(t, err)

	assert.NotEmpty(t, setup.Secret)
	assert.True(t, strings.HasPrefix(setup.ProvisioningURI, "otpauth://totp/"))
	assert.Contains(t, setup.ProvisioningURI, "secret=")
	assert.Contains(t, setup.ProvisioningURI, "issuer=Meridian")
	assert.True(t, strings.HasPrefix(setup.QRCode, "data:image/png;base64,"))

	require.Len(t, setup.BackupCodes, 8)
	seen := make(map[string]struct{})
	for _, code := range setup.BackupCodes {
		assert.Regexp(t, "^[0-9A-F]{16}$", code)
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, 8, "backup codes are distinct")

	// Persisted encrypted and pending verification
	user, err := h.store.GetUser(context.Background(), h.userID)
	require.NoError(t, err)
	assert.False(t, user.MFA.Enabled)
	assert.True(t, strings.HasPrefix(user.MFA.SecretEnc, "enc:v1:"))
	require.Len(t, user.MFA.BackupCodesEnc, 8)
	for _, enc := range user.MFA.BackupCodesEnc {
		assert.True(t, strings.HasPrefix(enc, "enc:v1:"))
	}
}

func TestGenerateSetupUnknownUser(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.GenerateSetup(context.Background(), uuid.New(), "x@y.com")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestVerifyAndEnable(t *testing.T) {
	t.Run("correct code enables", func(t *testing.T) {
		h := newHarness(t)
		setup, err := h.svc.GenerateSetup(context.Background(), h.userID, "a@b.com")
		require.NoError(t, err)

		ok, err := h.svc.VerifyAndEnable(context.Background(), h.userID, codeAt(t, setup.Secret, h.now))
		require.NoError(t, err)
		assert.True(t, ok)

		user, err := h.store.GetUser(context.Background(), h.userID)
		require.NoError(t, err)
		assert.True(t, user.MFA.Enabled)
		assert.Equal(t, 0, user.MFA.FailedAttempts)
	})

	t.Run("wrong code does not count toward lockout", func(t *testing.T) {
		h := newHarness(t)
		setup, err := h.svc.GenerateSetup(context.Background(), h.userID, "a@b.com")
		require.NoError(t, err)

		ok, err := h.svc.VerifyAndEnable(context.Background(), h.userID, h.wrongCode(t, setup.Secret))
		require.NoError(t, err)
		assert.False(t, ok)

		user, err := h.store.GetUser(context.Background(), h.userID)
		require.NoError(t, err)
		assert.False(t, user.MFA.Enabled)
		assert.Equal(t, 0, user.MFA.FailedAttempts, "setup failures are not counted")
	})

	t.Run("without setup", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.VerifyAndEnable(context.Background(), h.userID, "123456")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, "MFA_NOT_CONFIGURED"))
	})
}

func TestVerifyLoginTOTPWindow(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		valid  bool
	}{
		{"current step", 0, true},
		{"one step behind", -30 * time.Second, true},
		{"two steps behind", -60 * time.Second, true},
		{"two steps ahead", 60 * time.Second, true},
		{"three steps behind", -90 * time.Second, false},
		{"three steps ahead", 90 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			setup := h.setupAndEnable(t)

			code := codeAt(t, setup.Secret, h.now.Add(tt.offset))
			result, err := h.svc.VerifyLogin(context.Background(), h.userID, code, false)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, result.Valid)
		})
	}
}

func TestVerifyLoginNotEnabled(t *testing.T) {
	h := newHarness(t)

	result, err := h.svc.VerifyLogin(context.Background(), h.userID, "123456", false)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Nil(t, result.RemainingAttempts)
	assert.Nil(t, result.LockoutUntil)

	user, err := h.store.GetUser(context.Background(), h.userID)
	require.NoError(t, err)
	assert.Equal(t, 0, user.MFA.FailedAttempts, "short-circuit has no side effects")
}

func TestVerifyLoginLockoutBoundary(t *testing.T) {
	h := newHarness(t)
	setup := h.setupAndEnable(t)
	ctx := context.Background()

	fail := func() *LoginResult {
		result, err := h.svc.VerifyLogin(ctx, h.userID, h.wrongCode(t, setup.Secret), false)
		require.NoError(t, err)
		require.False(t, result.Valid)
		return result
	}

	for i := 1; i <= 4; i++ {
		result := fail()
		require.NotNil(t, result.RemainingAttempts)
		assert.Equal(t, 5-i, *result.RemainingAttempts)
		assert.Nil(t, result.LockoutUntil, "no lockout before the threshold")
	}

	// The 5th failure sets lockout
	result := fail()
	require.NotNil(t, result.RemainingAttempts)
	assert.Equal(t, 0, *result.RemainingAttempts)
	require.NotNil(t, result.LockoutUntil)
	assert.Equal(t, h.now.Add(15*time.Minute), *result.LockoutUntil)

	lockedAt := h.now

	// Lockout alert raised
	require.NotEmpty(t, h.security.alerts)
	assert.Equal(t, "MFA lockout threshold reached", h.security.alerts[len(h.security.alerts)-1].Message)

	// During lockout even a correct code is rejected without consuming attempts
	h.advance(time.Minute)
	locked, err := h.svc.VerifyLogin(ctx, h.userID, codeAt(t, setup.Secret, h.now), false)
	require.NoError(t, err)
	assert.False(t, locked.Valid)
	require.NotNil(t, locked.LockoutUntil)
	assert.Equal(t, lockedAt.Add(15*time.Minute), *locked.LockoutUntil)

	user, err := h.store.GetUser(ctx, h.userID)
	require.NoError(t, err)
	assert.Equal(t, 5, user.MFA.FailedAttempts, "locked-out attempts are not counted")

	// After the lockout window a correct code succeeds and resets the counter
	h.advance(15 * time.Minute)
	after, err := h.svc.VerifyLogin(ctx, h.userID, codeAt(t, setup.Secret, h.now), false)
	require.NoError(t, err)
	assert.True(t, after.Valid)

	user, err = h.store.GetUser(ctx, h.userID)
	require.NoError(t, err)
	assert.Equal(t, 0, user.MFA.FailedAttempts)
	assert.Nil(t, user.MFA.LastFailedAt)
}

func TestVerifyLoginBackupCode(t *testing.T) {
	h := newHarness(t)
	setup := h.setupAndEnable(t)
	ctx := context.Background()

	// Case-normalized: lowercase input matches the uppercase stored code
	code := strings.ToLower(setup.BackupCodes[0])
	result, err := h.svc.VerifyLogin(ctx, h.userID, code, true)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	user, err := h.store.GetUser(ctx, h.userID)
	require.NoError(t, err)
	assert.Len(t, user.MFA.BackupCodesEnc, 7, "consumed code is removed")

	// Single use: the second presentation fails
	second, err := h.svc.VerifyLogin(ctx, h.userID, code, true)
	require.NoError(t, err)
	assert.False(t, second.Valid)
	require.NotNil(t, second.RemainingAttempts)
	assert.Equal(t, 4, *second.RemainingAttempts)

	// A different code from the set still works
	third, err := h.svc.VerifyLogin(ctx, h.userID, setup.BackupCodes[3], true)
	require.NoError(t, err)
	assert.True(t, third.Valid)
}

func TestVerifyLoginAuditTrail(t *testing.T) {
	h := newHarness(t)
	setup := h.setupAndEnable(t)
	ctx := context.Background()

	_, err := h.svc.VerifyLogin(ctx, h.userID, h.wrongCode(t, setup.Secret), false)
	require.NoError(t, err)

	event, ok := h.security.lastEvent()
	require.True(t, ok)
	assert.Equal(t, "login_failed", event.event)
	assert.False(t, event.entry.Success)
	assert.Equal(t, h.userID.String(), event.entry.ActorID)
	assert.Equal(t, 4, event.entry.Details["remainingAttempts"])

	_, err = h.svc.VerifyLogin(ctx, h.userID, codeAt(t, setup.Secret, h.now), false)
	require.NoError(t, err)

	event, ok = h.security.lastEvent()
	require.True(t, ok)
	assert.Equal(t, "login", event.event)
	assert.True(t, event.entry.Success)
}

func TestDisable(t *testing.T) {
	t.Run("wrong password fails closed", func(t *testing.T) {
		h := newHarness(t)
		h.setupAndEnable(t)

		ok, err := h.svc.Disable(context.Background(), h.userID, "wrong-password")
		require.NoError(t, err)
		assert.False(t, ok)

		user, err := h.store.GetUser(context.Background(), h.userID)
		require.NoError(t, err)
		assert.True(t, user.MFA.Enabled, "state unchanged")
	})

	t.Run("correct password clears the credential", func(t *testing.T) {
		h := newHarness(t)
		h.setupAndEnable(t)

		ok, err := h.svc.Disable(context.Background(), h.userID, "account-password")
		require.NoError(t, err)
		assert.True(t, ok)

		user, err := h.store.GetUser(context.Background(), h.userID)
		require.NoError(t, err)
		assert.False(t, user.MFA.Enabled)
		assert.Empty(t, user.MFA.SecretEnc)
		assert.Empty(t, user.MFA.BackupCodesEnc)
		assert.Equal(t, 0, user.MFA.FailedAttempts)

		// Disabling raised a risk alert
		found := false
		for _, alert := range h.security.alerts {
			if alert.Message == "MFA was disabled for an account" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("not enabled", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Disable(context.Background(), h.userID, "account-password")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, "MFA_NOT_ENABLED"))
	})
}

func TestRegenerateBackupCodes(t *testing.T) {
	h := newHarness(t)
	setup := h.setupAndEnable(t)
	ctx := context.Background()

	fresh, err := h.svc.RegenerateBackupCodes(ctx, h.userID)
	require.NoError(t, err)
	require.Len(t, fresh, 8)
	for _, code := range fresh {
		assert.Regexp(t, "^[0-9A-F]{16}$", code)
	}

	// Old codes are gone
	old, err := h.svc.VerifyLogin(ctx, h.userID, setup.BackupCodes[0], true)
	require.NoError(t, err)
	assert.False(t, old.Valid)

	// Fresh codes work
	result, err := h.svc.VerifyLogin(ctx, h.userID, fresh[0], true)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestRegenerateBackupCodesRequiresSetup(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.RegenerateBackupCodes(context.Background(), h.userID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, "MFA_NOT_CONFIGURED"))
}
