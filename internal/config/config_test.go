package config

import (
	"testing"
	"time"
)

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_ALLOWED_ORIGINS",
		"APP_PUBLIC_HOST",
		"APP_DEFAULT_INSTRUCTIONS",
		"OPENAI_API_KEY",
		"OPENAI_REALTIME_URL",
		"OPENAI_REALTIME_MODEL",
		"OPENAI_REALTIME_VOICE",
		"MODEL_RECONNECT_MAX_ATTEMPTS",
		"MODEL_RECONNECT_BASE_BACKOFF",
		"MODEL_RECONNECT_MAX_BACKOFF",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "switchboard" {
		t.Fatalf("MetricsNamespace = %q", cfg.MetricsNamespace)
	}
	if cfg.ModelReconnectMaxAttempts != 5 {
		t.Fatalf("ModelReconnectMaxAttempts = %d", cfg.ModelReconnectMaxAttempts)
	}
	if cfg.ModelReconnectBaseBackoff != 250*time.Millisecond {
		t.Fatalf("ModelReconnectBaseBackoff = %v", cfg.ModelReconnectBaseBackoff)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin should default to false")
	}
}

func TestLoadParsesAllowedOrigins(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOWED_ORIGINS", "https://ops.example.com, https://dash.example.com ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"https://ops.example.com", "https://dash.example.com"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestLoadReconnectOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MODEL_RECONNECT_MAX_ATTEMPTS", "2")
	t.Setenv("MODEL_RECONNECT_BASE_BACKOFF", "100ms")
	t.Setenv("MODEL_RECONNECT_MAX_BACKOFF", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ModelReconnectMaxAttempts != 2 {
		t.Fatalf("ModelReconnectMaxAttempts = %d", cfg.ModelReconnectMaxAttempts)
	}
	if cfg.ModelReconnectBaseBackoff != 100*time.Millisecond {
		t.Fatalf("ModelReconnectBaseBackoff = %v", cfg.ModelReconnectBaseBackoff)
	}
	if cfg.ModelReconnectMaxBackoff != time.Second {
		t.Fatalf("ModelReconnectMaxBackoff = %v", cfg.ModelReconnectMaxBackoff)
	}
}

func TestLoadRejectsInvalidReconnectWindow(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MODEL_RECONNECT_BASE_BACKOFF", "2s")
	t.Setenv("MODEL_RECONNECT_MAX_BACKOFF", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted max backoff below base backoff")
	}
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MODEL_RECONNECT_MAX_ATTEMPTS", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted zero reconnect attempts")
	}
}
