// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the local gRPC server listens on (e.g. :8081).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN of the profile store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// SessionPublicKey is the PEM-encoded public key (or path to file) used to verify session tokens.
	SessionPublicKey string `mapstructure:"SESSION_PUBLIC_KEY"`
	// SessionIssuer is the expected iss claim of session tokens.
	SessionIssuer string `mapstructure:"SESSION_ISSUER"`
	// SessionAudience is the expected aud claim of session tokens.
	SessionAudience string `mapstructure:"SESSION_AUDIENCE"`
	// AuthBaseURL is the auth API base URL used for refresh and global sign-out.
	AuthBaseURL string `mapstructure:"AUTH_BASE_URL"`
	// AuthAPIKey is sent as the apikey header to the auth API.
	AuthAPIKey string `mapstructure:"AUTH_API_KEY"`

	// ResolveThrottle is the minimum spacing between non-forced resolutions (e.g. "2s").
	ResolveThrottle string `mapstructure:"RESOLVE_THROTTLE"`
	// ResolveCooldown blocks every resolution after a timeout (e.g. "20s").
	ResolveCooldown string `mapstructure:"RESOLVE_COOLDOWN"`
	// FetchTimeout bounds each store call (e.g. "25s").
	FetchTimeout string `mapstructure:"FETCH_TIMEOUT"`
	// LockTimeout force-releases a stalled resolution lock.
	LockTimeout string `mapstructure:"LOCK_TIMEOUT"`
	// JoinTimeout bounds how long a caller waits on an in-flight resolution.
	JoinTimeout string `mapstructure:"JOIN_TIMEOUT"`
	// ProfileListLimit caps the number of profiles fetched per identity.
	ProfileListLimit int `mapstructure:"PROFILE_LIST_LIMIT"`
	// SelectionFile is where the active profile selection is persisted.
	SelectionFile string `mapstructure:"SELECTION_FILE"`

	// RealtimeSource selects the change feed: "postgres", "kafka" or "none".
	RealtimeSource string `mapstructure:"REALTIME_SOURCE"`
	// RealtimeChannel is the Postgres NOTIFY channel for profile changes.
	RealtimeChannel string `mapstructure:"REALTIME_CHANNEL"`
	// RealtimeDebounce collapses bursts of changes into one re-resolution (e.g. "500ms").
	RealtimeDebounce string `mapstructure:"REALTIME_DEBOUNCE"`
	// RealtimeAdvisoryInterval is the minimum spacing between "realtime unavailable" advisories.
	RealtimeAdvisoryInterval string `mapstructure:"REALTIME_ADVISORY_INTERVAL"`
	// SuppressWindow is how long a local write is remembered to ignore its own notification.
	SuppressWindow string `mapstructure:"SUPPRESS_WINDOW"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// ProfileChangesTopic is the CDC topic consumed when RealtimeSource is "kafka".
	ProfileChangesTopic string `mapstructure:"PROFILE_CHANGES_TOPIC"`
	// KafkaGroupID is the consumer group of the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// RealtimeKafkaGroupID is the consumer group for the change feed; empty gives each process its own.
	RealtimeKafkaGroupID string `mapstructure:"REALTIME_KAFKA_GROUP_ID"`
	// TelemetryKafkaTopic receives resolution events when brokers are set.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8081")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SESSION_PUBLIC_KEY", "")
	v.SetDefault("SESSION_ISSUER", "marketplace-auth")
	v.SetDefault("SESSION_AUDIENCE", "authenticated")
	v.SetDefault("AUTH_BASE_URL", "")
	v.SetDefault("AUTH_API_KEY", "")
	v.SetDefault("RESOLVE_THROTTLE", "2s")
	v.SetDefault("RESOLVE_COOLDOWN", "20s")
	v.SetDefault("FETCH_TIMEOUT", "25s")
	v.SetDefault("LOCK_TIMEOUT", "60s")
	v.SetDefault("JOIN_TIMEOUT", "30s")
	v.SetDefault("PROFILE_LIST_LIMIT", 20)
	v.SetDefault("SELECTION_FILE", ".active_profile.json")
	v.SetDefault("REALTIME_SOURCE", "postgres")
	v.SetDefault("REALTIME_CHANNEL", "profile_changes")
	v.SetDefault("REALTIME_DEBOUNCE", "500ms")
	v.SetDefault("REALTIME_ADVISORY_INTERVAL", "15m")
	v.SetDefault("SUPPRESS_WINDOW", "5s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("PROFILE_CHANGES_TOPIC", "marketplace.public.profiles")
	v.SetDefault("KAFKA_GROUP_ID", "")
	v.SetDefault("REALTIME_KAFKA_GROUP_ID", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}

	if cfg.ProfileListLimit == 0 {
		cfg.ProfileListLimit = 20
	}
	if cfg.ProfileListLimit < 1 || cfg.ProfileListLimit > 100 {
		return nil, errors.New("config: PROFILE_LIST_LIMIT must be between 1 and 100")
	}

	cfg.RealtimeSource = strings.ToLower(strings.TrimSpace(cfg.RealtimeSource))
	switch cfg.RealtimeSource {
	case "", "none", "postgres":
	case "kafka":
		if len(cfg.KafkaBrokersList()) == 0 {
			return nil, errors.New("config: KAFKA_BROKERS must be set when REALTIME_SOURCE=kafka")
		}
	default:
		return nil, errors.New("config: REALTIME_SOURCE must be postgres, kafka or none")
	}

	if cfg.JoinTimeoutDuration() > cfg.LockTimeoutDuration() {
		return nil, errors.New("config: JOIN_TIMEOUT must not exceed LOCK_TIMEOUT")
	}

	return &cfg, nil
}

// Throttle parses ResolveThrottle. Returns 2s if unset or invalid.
func (c *Config) Throttle() time.Duration {
	return parseDuration(c.ResolveThrottle, 2*time.Second)
}

// Cooldown parses ResolveCooldown. Returns 20s if unset or invalid.
func (c *Config) Cooldown() time.Duration {
	return parseDuration(c.ResolveCooldown, 20*time.Second)
}

// FetchTimeoutDuration parses FetchTimeout. Returns 25s if unset or invalid.
func (c *Config) FetchTimeoutDuration() time.Duration {
	return parseDuration(c.FetchTimeout, 25*time.Second)
}

// LockTimeoutDuration parses LockTimeout. Returns 60s if unset or invalid.
func (c *Config) LockTimeoutDuration() time.Duration {
	return parseDuration(c.LockTimeout, 60*time.Second)
}

// JoinTimeoutDuration parses JoinTimeout. Returns 30s if unset or invalid.
func (c *Config) JoinTimeoutDuration() time.Duration {
	return parseDuration(c.JoinTimeout, 30*time.Second)
}

// Debounce parses RealtimeDebounce. Returns 500ms if unset or invalid.
func (c *Config) Debounce() time.Duration {
	return parseDuration(c.RealtimeDebounce, 500*time.Millisecond)
}

// AdvisoryInterval parses RealtimeAdvisoryInterval. Returns 15m if unset or invalid.
func (c *Config) AdvisoryInterval() time.Duration {
	return parseDuration(c.RealtimeAdvisoryInterval, 15*time.Minute)
}

// SuppressWindowDuration parses SuppressWindow. Returns 5s if unset or invalid.
func (c *Config) SuppressWindowDuration() time.Duration {
	return parseDuration(c.SuppressWindow, 5*time.Second)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
