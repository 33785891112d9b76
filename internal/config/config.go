package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CoolingPeriods holds the per-kind cooling durations applied by the
// credential pool on report_failure.
type CoolingPeriods struct {
	Auth      time.Duration
	Quota     time.Duration
	Transient time.Duration
}

// Config is the gateway's full runtime configuration, loaded once at
// startup from the environment.
type Config struct {
	Addr     string
	LogLevel string
	RedisURL string

	// Upstream.
	UpstreamBaseURL  string
	OutboundProxyURL string
	ModelMapping     map[string]string
	DefaultUpstream  string

	// Credential pool.
	Credentials           []string
	MaxFailuresBeforeCool int
	CoolingPeriods        CoolingPeriods

	// Dispatcher.
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	OverallDeadline   time.Duration
	UseDistributedCB  bool

	// Auth.
	ClientKeys []string
	AdminKeys  []string

	// Rate limiting.
	ClientRateLimitRPM int

	// Cache.
	CacheEnabled bool
	CacheMaxSize int
	CacheTTL     time.Duration

	// Ambient.
	DatabaseURL      string
	OTLPEndpoint     string
	AWSRegion        string
	EncryptionKey    string
	SNSTopicARN      string
	SecretsManagerID string

	ShutdownTimeout time.Duration
}

// Load builds a Config from the process environment, applying the same
// defaults-with-override idiom throughout: unset env vars fall back to
// a sane development default.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		RedisURL: getEnv("REDIS_URL", ""),

		UpstreamBaseURL:  getEnv("UPSTREAM_BASE_URL", "https://generativelanguage.googleapis.com"),
		OutboundProxyURL: getEnv("OUTBOUND_PROXY_URL", ""),
		ModelMapping:     parseModelMapping(getEnv("MODEL_MAPPING", "")),
		DefaultUpstream:  getEnv("DEFAULT_UPSTREAM_MODEL", "gemini-1.5-flash"),

		Credentials:           splitCommaList(getEnv("CREDENTIALS", "")),
		MaxFailuresBeforeCool: getIntEnv("MAX_FAILURES_BEFORE_COOL", 3),
		CoolingPeriods: CoolingPeriods{
			Auth:      getDurationEnv("COOLING_PERIOD_AUTH_S", time.Hour),
			Quota:     getDurationEnv("COOLING_PERIOD_QUOTA_S", 5*time.Minute),
			Transient: getDurationEnv("COOLING_PERIOD_TRANSIENT_S", 30*time.Second),
		},

		MaxAttempts:       getIntEnv("MAX_ATTEMPTS", 3),
		PerAttemptTimeout: getDurationEnv("PER_ATTEMPT_TIMEOUT_S", 30*time.Second),
		OverallDeadline:   getDurationEnv("OVERALL_DEADLINE_S", 60*time.Second),
		UseDistributedCB:  getEnv("USE_DISTRIBUTED_CB", "false") == "true",

		ClientKeys: splitCommaList(getEnv("CLIENT_KEYS", "")),
		AdminKeys:  splitCommaList(getEnv("ADMIN_KEYS", "")),

		ClientRateLimitRPM: getIntEnv("CLIENT_RATE_LIMIT_RPM", 60),

		CacheEnabled: getEnv("CACHE_ENABLED", "true") == "true",
		CacheMaxSize: getIntEnv("CACHE_MAX_SIZE", 1000),
		CacheTTL:     getDurationEnv("CACHE_TTL_S", 5*time.Minute),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		SNSTopicARN:      getEnv("SNS_TOPIC_ARN", ""),
		SecretsManagerID: getEnv("SECRETS_MANAGER_SECRET_ID", ""),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func splitCommaList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseModelMapping parses a comma-separated list of openai_name=upstream_name
// pairs, e.g. "gpt-3.5-turbo=gemini-1.5-flash,gpt-4=gemini-1.5-pro".
func parseModelMapping(value string) map[string]string {
	mapping := make(map[string]string)
	for _, pair := range splitCommaList(value) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		mapping[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	if len(mapping) == 0 {
		mapping = map[string]string{
			"gpt-3.5-turbo": "gemini-1.5-flash",
			"gpt-4":         "gemini-1.5-pro",
			"gpt-4o":        "gemini-1.5-pro",
			"gpt-4o-mini":   "gemini-1.5-flash",
		}
	}
	return mapping
}
