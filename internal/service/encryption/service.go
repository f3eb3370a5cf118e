package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianhq/trustcore/internal/domain/errors"
)

const (
	// cipherPrefix tags ciphertext produced by this service so the lenient
	// decrypt path can tell encrypted values from historical plaintext, and
	// so a future key rotation can bump the version.
	cipherPrefix = "enc:v1:"

	// DefaultTokenBytes is the secure-token size when the caller does not
	// specify one; 32 bytes hex-encodes to a 64-character string.
	DefaultTokenBytes = 32

	// SessionTokenBytes sizes session tokens.
	SessionTokenBytes = 48

	// SessionTokenTTL is how long a freshly issued session token is valid.
	SessionTokenTTL = 24 * time.Hour

	// passwordHashCost is the bcrypt work factor.
	passwordHashCost = 12

	apiKeyPrefix = "mk"
)

var (
	scriptTagPattern    = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	javascriptPattern   = regexp.MustCompile(`(?i)javascript:`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\son\w+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
)

// SessionToken is an opaque session credential with its expiry.
type SessionToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service provides symmetric field encryption, credential hashing, and
// secure token generation. Stateless aside from the process-wide key.
type Service struct {
	aead   cipher.AEAD
	macKey []byte
	logger *zap.Logger
}

// New creates an encryption service from the configured key material. An
// empty key generates a random per-process key; data encrypted under an
// ephemeral key is unreadable by any other process instance, so this mode is
// unsuitable for multi-instance deployments and is logged loudly.
func New(keyMaterial string, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var key []byte
	if keyMaterial == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.NewInternalError("failed to generate ephemeral encryption key").WithCause(err)
		}
		logger.Warn("ENCRYPTION_KEY not configured, generated ephemeral process key; " +
			"encrypted data will not survive a restart and cannot be shared across instances")
	} else {
		// Fold arbitrary key material to the 32 bytes AES-256 needs. A
		// 64-character hex string is used as raw key bytes.
		if decoded, err := hex.DecodeString(keyMaterial); err == nil && len(decoded) == 32 {
			key = decoded
		} else {
			sum := sha256.Sum256([]byte(keyMaterial))
			key = sum[:]
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewInternalError("failed to initialize cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewInternalError("failed to initialize AEAD").WithCause(err)
	}

	return &Service{
		aead:   aead,
		macKey: key,
		logger: logger,
	}, nil
}

// EncryptField encrypts a single field value. The nonce is random, so two
// encryptions of the same plaintext produce different ciphertexts. Empty
// input passes through unchanged so optional fields stay optional.
func (s *Service) EncryptField(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.NewInternalError("failed to generate nonce").WithCause(err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField is the inverse of EncryptField. Input that does not carry the
// ciphertext prefix is returned unchanged: historical rows predate field
// encryption and must keep round-tripping. Input that carries the prefix but
// fails to decrypt is a real cryptographic failure and returns a
// DECRYPTION_FAILED error.
func (s *Service) DecryptField(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, cipherPrefix) {
		// Tolerated as already-plaintext; see the package doc.
		return ciphertext, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, cipherPrefix))
	if err != nil {
		return "", errors.NewCryptoError("DECRYPTION_FAILED", "malformed ciphertext").WithCause(err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.NewCryptoError("DECRYPTION_FAILED", "ciphertext shorter than nonce")
	}

	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.NewCryptoError("DECRYPTION_FAILED", "ciphertext authentication failed").WithCause(err)
	}
	return string(plaintext), nil
}

// HashPassword hashes a password with bcrypt at cost 12.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", errors.NewInternalError("failed to hash password").WithCause(err)
	}
	return string(hash), nil
}

// VerifyPassword checks a candidate password against a stored hash in
// constant time with respect to the candidate.
func (s *Service) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateSecureToken returns n cryptographically random bytes hex-encoded.
// Non-positive n falls back to DefaultTokenBytes.
func (s *Service) GenerateSecureToken(n int) (string, error) {
	if n <= 0 {
		n = DefaultTokenBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewInternalError("failed to generate random token").WithCause(err)
	}
	return hex.EncodeToString(buf), nil
}

// HashForIndexing produces a deterministic one-way digest of a value,
// allowing equality lookups on otherwise-encrypted fields. HMAC keys the
// digest so it cannot be precomputed without the process key.
func (s *Service) HashForIndexing(value string) string {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSessionToken issues an opaque 48-byte session token valid for 24h.
func (s *Service) GenerateSessionToken() (SessionToken, error) {
	token, err := s.GenerateSecureToken(SessionTokenBytes)
	if err != nil {
		return SessionToken{}, err
	}
	return SessionToken{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(SessionTokenTTL),
	}, nil
}

// SanitizeInput strips script-tag blocks, javascript: URIs, and inline event
// handler attributes, then trims whitespace. Empty input passes through.
func (s *Service) SanitizeInput(text string) string {
	if text == "" {
		return ""
	}
	text = scriptTagPattern.ReplaceAllString(text, "")
	text = javascriptPattern.ReplaceAllString(text, "")
	text = eventHandlerPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// GenerateAPIKey produces an integration credential of the form
// <prefix>_<unix-timestamp>_<16-byte-hex>, human-distinguishable by
// issuance time.
func (s *Service) GenerateAPIKey() (string, error) {
	suffix, err := s.GenerateSecureToken(16)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", apiKeyPrefix, time.Now().Unix(), suffix), nil
}
