package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call bridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	AllowedOrigins []string

	// PublicHost is the externally reachable host used when rendering the
	// stream URL in TwiML responses. Empty means "use the request host".
	PublicHost string

	OpenAIAPIKey       string
	OpenAIRealtimeURL  string
	OpenAIModel        string
	OpenAIVoice        string
	DefaultInstruction string

	ModelReconnectMaxAttempts int
	ModelReconnectBaseBackoff time.Duration
	ModelReconnectMaxBackoff  time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "switchboard"),
		AllowAnyOrigin:    false,
		PublicHost:        stringsTrimSpace("APP_PUBLIC_HOST"),
		OpenAIAPIKey:      stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL: envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIModel:       envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		OpenAIVoice:       envOrDefault("OPENAI_REALTIME_VOICE", "alloy"),
		DefaultInstruction: envOrDefault("APP_DEFAULT_INSTRUCTIONS",
			"You are a helpful phone assistant. Keep answers short and conversational."),
		ModelReconnectMaxAttempts: 5,
		ModelReconnectBaseBackoff: 250 * time.Millisecond,
		ModelReconnectMaxBackoff:  5 * time.Second,
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
	}

	if raw := stringsTrimSpace("APP_ALLOWED_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelReconnectMaxAttempts, err = intFromEnv("MODEL_RECONNECT_MAX_ATTEMPTS", cfg.ModelReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelReconnectBaseBackoff, err = durationFromEnv("MODEL_RECONNECT_BASE_BACKOFF", cfg.ModelReconnectBaseBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelReconnectMaxBackoff, err = durationFromEnv("MODEL_RECONNECT_MAX_BACKOFF", cfg.ModelReconnectMaxBackoff)
	if err != nil {
		return Config{}, err
	}

	if cfg.ModelReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("MODEL_RECONNECT_MAX_ATTEMPTS must be positive")
	}
	if cfg.ModelReconnectBaseBackoff <= 0 {
		return Config{}, fmt.Errorf("MODEL_RECONNECT_BASE_BACKOFF must be positive")
	}
	if cfg.ModelReconnectMaxBackoff < cfg.ModelReconnectBaseBackoff {
		return Config{}, fmt.Errorf("MODEL_RECONNECT_MAX_BACKOFF must be >= MODEL_RECONNECT_BASE_BACKOFF")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
