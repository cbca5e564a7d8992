// Package config loads the hub's runtime settings from environment
// variables at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the translation broadcast hub.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration

	CognitoRegion     string
	CognitoUserPoolID string
	CognitoClientID   string

	PublicBaseURL string

	AdminIdentitiesDir    string
	SessionPersistenceDir string

	EnableTTS    bool
	TTSRegion    string
	TTSVoiceMode string

	WebsocketRateLimitPerSecond int
	MaxClientsPerSession        int
	SessionTimeoutMinutes       int

	AdminAuthRateLimitPerMinute int
	AdminLockoutDuration        time.Duration
	AdminLockoutThreshold       int

	AdminIdentityRetention time.Duration
	AdminCleanupInterval   time.Duration

	SessionCleanupEnabled  bool
	SessionCleanupInterval time.Duration

	AudioCacheDir        string
	AudioCacheMaxBytes   int64
	AudioCacheMaxEntries int
	AudioCacheIdleTTL    time.Duration

	MetricsNamespace string
}

// requiredVar names a mandatory environment variable and the value read for it.
type requiredVar struct {
	key   string
	value string
}

// Load reads environment variables and applies documented defaults. It
// fails fast, naming every missing required variable in a single error, if
// any of COGNITO_REGION, COGNITO_USER_POOL_ID, or COGNITO_CLIENT_ID is
// unset.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:        envOrDefault("PORT", "3001"),
		ShutdownTimeout: 10 * time.Second,

		CognitoRegion:     strings.TrimSpace(os.Getenv("COGNITO_REGION")),
		CognitoUserPoolID: strings.TrimSpace(os.Getenv("COGNITO_USER_POOL_ID")),
		CognitoClientID:   strings.TrimSpace(os.Getenv("COGNITO_CLIENT_ID")),

		AdminIdentitiesDir:    envOrDefault("ADMIN_IDENTITIES_DIR", "./admin-identities"),
		SessionPersistenceDir: envOrDefault("SESSION_PERSISTENCE_DIR", "./sessions"),

		WebsocketRateLimitPerSecond: 10,
		MaxClientsPerSession:        50,
		SessionTimeoutMinutes:       480,

		AdminAuthRateLimitPerMinute: 5,
		AdminLockoutDuration:        15 * time.Minute,
		AdminLockoutThreshold:       10,

		AdminIdentityRetention: 90 * 24 * time.Hour,
		AdminCleanupInterval:   24 * time.Hour,

		SessionCleanupEnabled:  true,
		SessionCleanupInterval: time.Hour,

		AudioCacheDir:        envOrDefault("AUDIO_CACHE_DIR", "./audio-cache"),
		AudioCacheMaxBytes:   1 << 30, // 1 GiB
		AudioCacheMaxEntries: 20000,
		AudioCacheIdleTTL:    6 * time.Hour,

		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "translationhub"),
	}

	var err error
	if cfg.BindAddr, err = portOrDefault("PORT", cfg.BindAddr); err != nil {
		return Config{}, err
	}
	cfg.PublicBaseURL = envOrDefault("PUBLIC_BASE_URL", "http://localhost:"+cfg.BindAddr)

	cfg.EnableTTS, err = boolFromEnv("ENABLE_TTS", false)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSRegion = envOrDefault("TTS_PROVIDER_REGION", cfg.CognitoRegion)
	cfg.TTSVoiceMode = envOrDefault("TTS_DEFAULT_MODE", "neural")

	if cfg.WebsocketRateLimitPerSecond, err = intFromEnv("WEBSOCKET_RATE_LIMIT_PER_SECOND", cfg.WebsocketRateLimitPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxClientsPerSession, err = intFromEnv("MAX_CLIENTS_PER_SESSION", cfg.MaxClientsPerSession); err != nil {
		return Config{}, err
	}
	if cfg.SessionTimeoutMinutes, err = intFromEnv("SESSION_TIMEOUT_MINUTES", cfg.SessionTimeoutMinutes); err != nil {
		return Config{}, err
	}
	if cfg.AdminAuthRateLimitPerMinute, err = intFromEnv("ADMIN_AUTH_RATE_LIMIT_PER_MINUTE", cfg.AdminAuthRateLimitPerMinute); err != nil {
		return Config{}, err
	}
	if cfg.AdminLockoutDuration, err = durationMsFromEnv("ADMIN_LOCKOUT_DURATION_MS", cfg.AdminLockoutDuration); err != nil {
		return Config{}, err
	}
	if cfg.AdminLockoutThreshold, err = intFromEnv("ADMIN_LOCKOUT_THRESHOLD", cfg.AdminLockoutThreshold); err != nil {
		return Config{}, err
	}
	if cfg.AdminIdentityRetention, err = durationDaysFromEnv("ADMIN_IDENTITY_RETENTION_DAYS", cfg.AdminIdentityRetention); err != nil {
		return Config{}, err
	}
	if cfg.AdminCleanupInterval, err = durationMsFromEnv("ADMIN_IDENTITY_CLEANUP_INTERVAL_MS", cfg.AdminCleanupInterval); err != nil {
		return Config{}, err
	}
	if cfg.SessionCleanupEnabled, err = boolFromEnv("SESSION_CLEANUP_ENABLED", cfg.SessionCleanupEnabled); err != nil {
		return Config{}, err
	}
	if cfg.SessionCleanupInterval, err = durationMsFromEnv("SESSION_CLEANUP_INTERVAL_MS", cfg.SessionCleanupInterval); err != nil {
		return Config{}, err
	}

	var missing []string
	for _, rv := range []requiredVar{
		{"COGNITO_REGION", cfg.CognitoRegion},
		{"COGNITO_USER_POOL_ID", cfg.CognitoUserPoolID},
		{"COGNITO_CLIENT_ID", cfg.CognitoClientID},
	} {
		if rv.value == "" {
			missing = append(missing, rv.key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if cfg.SessionTimeoutMinutes <= 0 {
		return Config{}, fmt.Errorf("SESSION_TIMEOUT_MINUTES must be positive")
	}
	if cfg.MaxClientsPerSession <= 0 {
		return Config{}, fmt.Errorf("MAX_CLIENTS_PER_SESSION must be positive")
	}
	if cfg.WebsocketRateLimitPerSecond <= 0 {
		return Config{}, fmt.Errorf("WEBSOCKET_RATE_LIMIT_PER_SECOND must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func portOrDefault(key, fallback string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = fallback
	}
	if _, err := strconv.Atoi(v); err != nil {
		return "", fmt.Errorf("%s parse error: expected numeric port, got %q", key, v)
	}
	return v, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool, got %q", key, v)
	}
}

func durationMsFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func durationDaysFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	days, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	if days < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}
