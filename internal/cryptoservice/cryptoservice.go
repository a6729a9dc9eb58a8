// Package cryptoservice implements the Crypto & Token Service (C3): payload
// authenticated encryption and session-token issuance/validation. Both
// capabilities refuse to construct if their secrets are absent, so the
// process cannot come up able to serve a medical endpoint without them.
package cryptoservice

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/config"
)

// payloadAlg is the only algorithm this version issues; it is recorded on
// every ciphertext so a future key/alg rotation can recognize old blobs.
const payloadAlg = "chacha20poly1305-v1"

// EncryptedPayload is the wire shape produced by Encrypt and consumed by
// Decrypt. Ts is the encryption time, in the Service's clock; Decrypt
// rejects a payload whose Ts lies more than a minute ahead of that clock.
// Ts is not covered by the MAC.
type EncryptedPayload struct {
	Ciphertext string    `json:"ciphertext"`
	Alg        string    `json:"alg"`
	Ts         time.Time `json:"ts"`
}

// Service bundles payload encryption and session-token issuance behind one
// pair of secrets, matching the spec's "both capabilities fail together at
// startup" requirement.
type Service struct {
	aead      cipherAEAD
	jwtSecret []byte
	now       func() time.Time
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// New builds a Service from the resolved configuration. It returns
// *config.ConfigurationError if either secret is missing or the
// encryption key is not a valid chacha20poly1305 key after derivation.
func New(cfg *config.Config) (*Service, error) {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg *config.Config, now func() time.Time) (*Service, error) {
	if cfg.EncryptionKey == "" {
		return nil, &config.ConfigurationError{Field: "ENCRYPTION_KEY"}
	}
	if cfg.JWTSecret == "" {
		return nil, &config.ConfigurationError{Field: "JWT_SECRET"}
	}

	key := deriveKey(cfg.EncryptionKey)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoservice: build aead: %w", err)
	}

	return &Service{
		aead:      aead,
		jwtSecret: []byte(cfg.JWTSecret),
		now:       now,
	}, nil
}

// deriveKey folds an arbitrary-length operator-supplied secret down to the
// 32 bytes chacha20poly1305 requires, via repeated XOR folding rather than
// truncation so every input byte influences the key.
func deriveKey(secret string) []byte {
	const keyLen = chacha20poly1305.KeySize
	key := make([]byte, keyLen)
	for i := 0; i < len(secret); i++ {
		key[i%keyLen] ^= secret[i]
	}
	return key
}

// Encrypt seals plaintext and returns the versioned payload. The nonce is
// random per call; additionalData binds the ciphertext to a caller-chosen
// context (e.g. the owning session hash) so a blob can't be replayed under
// a different binding.
func (s *Service) Encrypt(plaintext []byte, additionalData []byte) (*EncryptedPayload, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoservice: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, additionalData)
	blob := append(nonce, sealed...)

	return &EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
		Alg:        payloadAlg,
		Ts:         s.now().UTC(),
	}, nil
}

// ErrPayloadInvalid covers every way a payload can fail to decrypt: bad
// MAC, wrong alg, or an inconsistent timestamp. The caller learns nothing
// more specific than "reject", matching the spec's contract.
var ErrPayloadInvalid = errors.New("cryptoservice: payload rejected")

// Decrypt opens payload, verifying alg and MAC, binding additionalData the
// same way Encrypt did.
func (s *Service) Decrypt(payload *EncryptedPayload, additionalData []byte) ([]byte, error) {
	if payload.Alg != payloadAlg {
		return nil, ErrPayloadInvalid
	}
	if payload.Ts.After(s.now().UTC().Add(time.Minute)) {
		// A timestamp from the future (beyond reasonable clock skew)
		// cannot have been produced by this Service.
		return nil, ErrPayloadInvalid
	}

	raw, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, ErrPayloadInvalid
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrPayloadInvalid
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := s.aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, ErrPayloadInvalid
	}
	return plaintext, nil
}

// sessionClaims is the token's entire content: a session id and its
// absolute expiry, per spec §4.3.
type sessionClaims struct {
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// IssueSessionToken signs a token binding sessionID to expiresAt.
func (s *Service) IssueSessionToken(sessionID string, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(s.now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// TokenClaims is what ValidateSessionToken hands back on success: the
// spec requires checking both signature and exp > now, and the Session
// Store layers unknown-session/inactive checks on top using SessionID.
type TokenClaims struct {
	SessionID string
	ExpiresAt time.Time
}

// ErrTokenInvalid covers a missing, malformed, or badly-signed token.
var ErrTokenInvalid = errors.New("cryptoservice: invalid session token")

// ErrTokenExpired means the signature checked out but exp <= now.
var ErrTokenExpired = errors.New("cryptoservice: session token expired")

// ValidateSessionToken checks signature and expiry. It does not know
// whether the bound session is still active — that is the Session
// Store's responsibility, layered on top of this result.
func (s *Service) ValidateSessionToken(raw string) (*TokenClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.SessionID == "" || claims.ExpiresAt == nil {
		return nil, ErrTokenInvalid
	}
	expiresAt := claims.ExpiresAt.Time
	if !expiresAt.After(s.now()) {
		return nil, ErrTokenExpired
	}
	return &TokenClaims{SessionID: claims.SessionID, ExpiresAt: expiresAt}, nil
}
