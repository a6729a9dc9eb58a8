package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", "a-test-encryption-key")
	t.Setenv("JWT_SECRET", "a-test-jwt-secret")
}

func TestLoad_FailsClosedWithoutEncryptionKey(t *testing.T) {
	t.Setenv("JWT_SECRET", "a-test-jwt-secret")
	_, err := Load()
	require.Error(t, err)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ENCRYPTION_KEY", cfgErr.Field)
}

func TestLoad_FailsClosedWithoutJWTSecret(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "a-test-encryption-key")
	_, err := Load()
	require.Error(t, err)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "JWT_SECRET", cfgErr.Field)
}

func TestLoad_AppliesDocumentedDefaults(t *testing.T) {
	setRequiredSecrets(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8443", cfg.Port)
	assert.True(t, cfg.HIPAAAuditEnabled)
	assert.Equal(t, "primary", cfg.AIModelPreference)
	assert.Equal(t, 0.6, cfg.AIConfidenceThreshold)
	assert.Equal(t, []string{"jpeg", "png", "tiff", "dicom"}, cfg.SupportedImageFormats)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, "9090", cfg.MetricsPort)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	setRequiredSecrets(t)
	t.Setenv("PORT", "9999")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("METRICS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_ToolPathOverridesAreKeyedByProviderName(t *testing.T) {
	setRequiredSecrets(t)
	t.Setenv("CLINICAL_TRIALS_TOOL_PATH", "/usr/local/bin/clinical-trials-tool")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/clinical-trials-tool", cfg.ToolPaths["clinical-trials"])
	_, hasImaging := cfg.ToolPaths["imaging"]
	assert.False(t, hasImaging)
}

func TestSplitCSV_TrimsAndDropsEmptyEntries(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV("a, b ,c"))
	assert.Nil(t, splitCSV("   "))
	assert.Nil(t, splitCSV(""))
}
