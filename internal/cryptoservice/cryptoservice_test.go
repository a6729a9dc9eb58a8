package cryptoservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/config"
)

func testService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	cfg := &config.Config{EncryptionKey: "test-encryption-key-value", JWTSecret: "test-jwt-secret-value"}
	s, err := newWithClock(cfg, now)
	require.NoError(t, err)
	return s
}

func TestNew_RequiresEncryptionKey(t *testing.T) {
	cfg := &config.Config{JWTSecret: "secret"}
	_, err := New(cfg)
	require.Error(t, err)
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ENCRYPTION_KEY", cfgErr.Field)
}

func TestNew_RequiresJWTSecret(t *testing.T) {
	cfg := &config.Config{EncryptionKey: "key"}
	_, err := New(cfg)
	require.Error(t, err)
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "JWT_SECRET", cfgErr.Field)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	s := testService(t, time.Now)
	plaintext := []byte("differential diagnosis payload")
	aad := []byte("session-hash-abc")

	payload, err := s.Encrypt(plaintext, aad)
	require.NoError(t, err)
	assert.Equal(t, payloadAlg, payload.Alg)

	out, err := s.Decrypt(payload, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecrypt_RejectsWrongAdditionalData(t *testing.T) {
	s := testService(t, time.Now)
	payload, err := s.Encrypt([]byte("secret"), []byte("session-a"))
	require.NoError(t, err)

	_, err = s.Decrypt(payload, []byte("session-b"))
	assert.ErrorIs(t, err, ErrPayloadInvalid)
}

func TestDecrypt_RejectsTamperedCiphertext(t *testing.T) {
	s := testService(t, time.Now)
	payload, err := s.Encrypt([]byte("secret"), nil)
	require.NoError(t, err)

	payload.Ciphertext = payload.Ciphertext[:len(payload.Ciphertext)-4] + "AAAA"
	_, err = s.Decrypt(payload, nil)
	assert.ErrorIs(t, err, ErrPayloadInvalid)
}

func TestDecrypt_RejectsWrongAlg(t *testing.T) {
	s := testService(t, time.Now)
	payload, err := s.Encrypt([]byte("secret"), nil)
	require.NoError(t, err)

	payload.Alg = "some-other-alg"
	_, err = s.Decrypt(payload, nil)
	assert.ErrorIs(t, err, ErrPayloadInvalid)
}

func TestSessionToken_RoundTrip(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testService(t, func() time.Time { return fixedNow })

	expiresAt := fixedNow.Add(30 * time.Minute)
	token, err := s.IssueSessionToken("session-123", expiresAt)
	require.NoError(t, err)

	claims, err := s.ValidateSessionToken(token)
	require.NoError(t, err)
	assert.Equal(t, "session-123", claims.SessionID)
	assert.WithinDuration(t, expiresAt, claims.ExpiresAt, time.Second)
}

func TestSessionToken_RejectsExpired(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testService(t, func() time.Time { return fixedNow })

	token, err := s.IssueSessionToken("session-123", fixedNow.Add(-time.Second))
	require.NoError(t, err)

	_, err = s.ValidateSessionToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSessionToken_RejectsBadSignature(t *testing.T) {
	s1 := testService(t, time.Now)
	cfg2 := &config.Config{EncryptionKey: "other-key", JWTSecret: "different-jwt-secret"}
	s2, err := newWithClock(cfg2, time.Now)
	require.NoError(t, err)

	token, err := s1.IssueSessionToken("session-123", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = s2.ValidateSessionToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestSessionToken_RejectsGarbage(t *testing.T) {
	s := testService(t, time.Now)
	_, err := s.ValidateSessionToken("not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
