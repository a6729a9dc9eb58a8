// Package config loads the gateway's environment-variable configuration
// surface (spec §6) through viper, so every field has one declared
// binding instead of scattered os.Getenv calls.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, typed configuration for one process.
type Config struct {
	Host string
	Port string

	CORSOrigins []string

	EncryptionKey string
	JWTSecret     string
	SessionSecret string

	HIPAAAuditEnabled bool
	AuditLogLevel     string
	AuditLogDir       string
	AuditMaxFileBytes int64
	AuditMaxFiles     int

	AIModelPreference     string // "primary" | "fallback"
	AIConfidenceThreshold float64
	RequireMedicalDisclaimer bool

	MaxImageSizeMB         int
	SupportedImageFormats  []string
	ImageArtifactTTL       time.Duration
	ImageScratchDir        string

	APIRateLimitWindowMS     int
	APIRateLimitMaxRequests  int
	MedicalAPIRateLimitMax   int

	SessionTTL      time.Duration
	SweepInterval   time.Duration

	ToolManifestPath string
	ToolPaths        map[string]string // TOOL_PATH overrides by provider name, fallback to manifest

	LLMPrimaryAPIKey   string
	LLMPrimaryBaseURL  string
	LLMPrimaryModel    string
	LLMFallbackAPIKey  string
	LLMFallbackBaseURL string
	LLMFallbackModel   string
	LLMCallTimeout     time.Duration

	MetricsEnabled    bool
	MetricsPort       string
	TracingEnabled    bool
}

// ConfigurationError signals that required secrets are absent at startup;
// the process must refuse to serve any medical endpoint in this state.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: required field %s is not set", e.Field)
}

// Load resolves configuration from environment variables (layered over
// compiled-in defaults) and validates the secrets required to serve any
// medical endpoint.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	cfg := &Config{
		Host:                     v.GetString("HOST"),
		Port:                     v.GetString("PORT"),
		CORSOrigins:              splitCSV(v.GetString("CORS_ORIGINS")),
		EncryptionKey:            v.GetString("ENCRYPTION_KEY"),
		JWTSecret:                v.GetString("JWT_SECRET"),
		SessionSecret:            v.GetString("SESSION_SECRET"),
		HIPAAAuditEnabled:        v.GetBool("HIPAA_AUDIT_ENABLED"),
		AuditLogLevel:            v.GetString("AUDIT_LOG_LEVEL"),
		AuditLogDir:              v.GetString("AUDIT_LOG_DIR"),
		AuditMaxFileBytes:        v.GetInt64("AUDIT_MAX_FILE_BYTES"),
		AuditMaxFiles:            v.GetInt("AUDIT_MAX_FILES"),
		AIModelPreference:        v.GetString("AI_MODEL_PREFERENCE"),
		AIConfidenceThreshold:    v.GetFloat64("AI_CONFIDENCE_THRESHOLD"),
		RequireMedicalDisclaimer: v.GetBool("REQUIRE_MEDICAL_DISCLAIMER"),
		MaxImageSizeMB:           v.GetInt("MAX_IMAGE_SIZE_MB"),
		SupportedImageFormats:    splitCSV(v.GetString("SUPPORTED_IMAGE_FORMATS")),
		ImageArtifactTTL:         v.GetDuration("IMAGE_ARTIFACT_TTL"),
		ImageScratchDir:          v.GetString("IMAGE_SCRATCH_DIR"),
		APIRateLimitWindowMS:     v.GetInt("API_RATE_LIMIT_WINDOW_MS"),
		APIRateLimitMaxRequests:  v.GetInt("API_RATE_LIMIT_MAX_REQUESTS"),
		MedicalAPIRateLimitMax:   v.GetInt("MEDICAL_API_RATE_LIMIT_MAX"),
		SessionTTL:               v.GetDuration("SESSION_TTL"),
		SweepInterval:            v.GetDuration("SWEEP_INTERVAL"),
		ToolManifestPath:         v.GetString("TOOL_MANIFEST_PATH"),
		ToolPaths:                toolPathsFromEnv(v),
		LLMPrimaryAPIKey:         v.GetString("LLM_PRIMARY_API_KEY"),
		LLMPrimaryBaseURL:        v.GetString("LLM_PRIMARY_BASE_URL"),
		LLMPrimaryModel:          v.GetString("LLM_PRIMARY_MODEL"),
		LLMFallbackAPIKey:        v.GetString("LLM_FALLBACK_API_KEY"),
		LLMFallbackBaseURL:       v.GetString("LLM_FALLBACK_BASE_URL"),
		LLMFallbackModel:         v.GetString("LLM_FALLBACK_MODEL"),
		LLMCallTimeout:           v.GetDuration("LLM_CALL_TIMEOUT"),
		MetricsEnabled:           v.GetBool("METRICS_ENABLED"),
		MetricsPort:              v.GetString("METRICS_PORT"),
		TracingEnabled:           v.GetBool("TRACING_ENABLED"),
	}

	if cfg.EncryptionKey == "" {
		return nil, &ConfigurationError{Field: "ENCRYPTION_KEY"}
	}
	if cfg.JWTSecret == "" {
		return nil, &ConfigurationError{Field: "JWT_SECRET"}
	}

	return cfg, nil
}

var toolProviderNames = []string{"literature-index", "citations", "clinical-trials", "knowledge-base", "imaging"}

func toolPathsFromEnv(v *viper.Viper) map[string]string {
	paths := make(map[string]string, len(toolProviderNames))
	for _, name := range toolProviderNames {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_TOOL_PATH"
		if p := v.GetString(key); p != "" {
			paths[name] = p
		}
	}
	return paths
}

var envKeys = []string{
	"PORT", "HOST", "CORS_ORIGINS",
	"ENCRYPTION_KEY", "JWT_SECRET", "SESSION_SECRET",
	"HIPAA_AUDIT_ENABLED", "AUDIT_LOG_LEVEL", "AUDIT_LOG_DIR", "AUDIT_MAX_FILE_BYTES", "AUDIT_MAX_FILES",
	"AI_MODEL_PREFERENCE", "AI_CONFIDENCE_THRESHOLD", "REQUIRE_MEDICAL_DISCLAIMER",
	"MAX_IMAGE_SIZE_MB", "SUPPORTED_IMAGE_FORMATS", "IMAGE_ARTIFACT_TTL", "IMAGE_SCRATCH_DIR",
	"API_RATE_LIMIT_WINDOW_MS", "API_RATE_LIMIT_MAX_REQUESTS", "MEDICAL_API_RATE_LIMIT_MAX",
	"SESSION_TTL", "SWEEP_INTERVAL", "TOOL_MANIFEST_PATH",
	"LLM_PRIMARY_API_KEY", "LLM_PRIMARY_BASE_URL", "LLM_PRIMARY_MODEL",
	"LLM_FALLBACK_API_KEY", "LLM_FALLBACK_BASE_URL", "LLM_FALLBACK_MODEL", "LLM_CALL_TIMEOUT",
	"METRICS_ENABLED", "METRICS_PORT", "TRACING_ENABLED",
	"LITERATURE_INDEX_TOOL_PATH", "CITATIONS_TOOL_PATH", "CLINICAL_TRIALS_TOOL_PATH",
	"KNOWLEDGE_BASE_TOOL_PATH", "IMAGING_TOOL_PATH",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", "8443")
	v.SetDefault("CORS_ORIGINS", "")
	v.SetDefault("HIPAA_AUDIT_ENABLED", true)
	v.SetDefault("AUDIT_LOG_LEVEL", "info")
	v.SetDefault("AUDIT_LOG_DIR", "./audit-logs")
	v.SetDefault("AUDIT_MAX_FILE_BYTES", 10*1024*1024)
	v.SetDefault("AUDIT_MAX_FILES", 20)
	v.SetDefault("AI_MODEL_PREFERENCE", "primary")
	v.SetDefault("AI_CONFIDENCE_THRESHOLD", 0.6)
	v.SetDefault("REQUIRE_MEDICAL_DISCLAIMER", true)
	v.SetDefault("MAX_IMAGE_SIZE_MB", 50)
	v.SetDefault("SUPPORTED_IMAGE_FORMATS", "jpeg,png,tiff,dicom")
	v.SetDefault("IMAGE_ARTIFACT_TTL", 15*time.Minute)
	v.SetDefault("IMAGE_SCRATCH_DIR", "./scratch/images")
	v.SetDefault("API_RATE_LIMIT_WINDOW_MS", 60000)
	v.SetDefault("API_RATE_LIMIT_MAX_REQUESTS", 120)
	v.SetDefault("MEDICAL_API_RATE_LIMIT_MAX", 30)
	v.SetDefault("SESSION_TTL", 30*time.Minute)
	v.SetDefault("SWEEP_INTERVAL", 5*time.Minute)
	v.SetDefault("TOOL_MANIFEST_PATH", "./config/tool-providers.yaml")
	v.SetDefault("LLM_CALL_TIMEOUT", 30*time.Second)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("TRACING_ENABLED", false)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
