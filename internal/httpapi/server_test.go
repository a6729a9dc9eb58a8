package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/audit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/config"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/cryptoservice"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/intent"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/phi"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/ratelimit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/session"
)

func newTestDeps(t *testing.T) (Dependencies, *cryptoservice.Service, *session.Store) {
	t.Helper()
	crypto, err := cryptoservice.New(&config.Config{EncryptionKey: "test-encryption-key", JWTSecret: "test-jwt-secret"})
	require.NoError(t, err)

	scrubber := phi.New(phi.DefaultToken)
	sessions := session.New(session.Config{Crypto: crypto, TTL: time.Hour})
	classifier, err := intent.New(intent.Config{})
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.Config{
		Caps: map[ratelimit.Class]int{ratelimit.ClassAPI: 100, ratelimit.ClassMedical: 100},
	})

	deps := Dependencies{
		Sessions:       sessions,
		Crypto:         crypto,
		RateLimiter:    limiter,
		Scrubber:       scrubber,
		Classifier:     classifier,
		RequestTimeout: 5 * time.Second,
	}
	return deps, crypto, sessions
}

func TestHandleIdentity_ReturnsNameAndVersion(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	engine := NewServer(deps)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), Version)
}

func TestHandleHealth_IsUnauthenticated(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	engine := NewServer(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleCreateSession_ReturnsTokenAndExpiry(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	engine := NewServer(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "token")
	assert.Contains(t, rr.Body.String(), "expiresAt")
}

func TestProtectedRoute_RejectsMissingBearerToken(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	engine := NewServer(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/medical/tools", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "NO_SESSION_TOKEN")
}

func TestProtectedRoute_RejectsGarbageBearerToken(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	engine := NewServer(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/medical/tools", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestProtectedRoute_AcceptsValidSessionToken(t *testing.T) {
	deps, _, sessions := newTestDeps(t)
	engine := NewServer(deps)

	_, token, err := sessions.Create(session.ClientFingerprint{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/medical/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimited_SetsRemainingAndResetHeaders(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	engine := NewServer(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimited_RejectsOnceLimitExhausted(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	deps.RateLimiter = ratelimit.New(ratelimit.Config{
		Caps: map[ratelimit.Class]int{ratelimit.ClassAPI: 1, ratelimit.ClassMedical: 1},
	})
	engine := NewServer(deps)

	req1 := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	rr1 := httptest.NewRecorder()
	engine.ServeHTTP(rr1, req1)
	assert.Equal(t, http.StatusOK, rr1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	rr2 := httptest.NewRecorder()
	engine.ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rr2.Code)
}

func TestLegacyChatRedirect_PointsToMedicalChat(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	engine := NewServer(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusPermanentRedirect, rr.Code)
	assert.Equal(t, "/api/medical-chat", rr.Header().Get("Location"))
}

func TestHandleComplianceReport_CountsRecentRecords(t *testing.T) {
	deps, _, sessions := newTestDeps(t)
	sink, err := audit.New(audit.Config{RecentCapacity: 16, LogDir: t.TempDir()})
	require.NoError(t, err)
	defer sink.Close()
	deps.AuditSink = sink
	engine := NewServer(deps)

	_, token, err := sessions.Create(session.ClientFingerprint{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/medical/compliance-report", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "recordCount")
}
