package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/configstore"
	"github.com/antoniostano/switchboard/internal/httpapi"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/relay"
	"github.com/antoniostano/switchboard/internal/upstream"
)

// modelDialer adapts the concrete upstream dialer to the relay interface.
type modelDialer struct {
	inner *upstream.Dialer
}

func (d modelDialer) Dial(ctx context.Context) (relay.ModelConn, <-chan any, error) {
	conn, events, err := d.inner.Dial(ctx)
	if err != nil {
		// An explicit nil keeps a typed nil pointer out of the interface.
		return nil, nil, err
	}
	return conn, events, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.OpenAIAPIKey == "" {
		log.Fatalf("OPENAI_API_KEY is not set")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	persister, err := configstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("config store init failed: %v", err)
	}
	defer persister.Close()

	dialer := upstream.NewDialer(upstream.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIRealtimeURL,
		Model:   cfg.OpenAIModel,
	})

	defaultSession, err := json.Marshal(map[string]any{
		"modalities":          []string{"text", "audio"},
		"voice":               cfg.OpenAIVoice,
		"instructions":        cfg.DefaultInstruction,
		"input_audio_format":  "g711_ulaw",
		"output_audio_format": "g711_ulaw",
		"turn_detection":      map[string]any{"type": "server_vad"},
	})
	if err != nil {
		log.Fatalf("default session config: %v", err)
	}

	fanout := relay.NewFanout(metrics)
	store := relay.NewStore(modelDialer{inner: dialer}, relay.BridgeConfig{
		DefaultSessionConfig: defaultSession,
		ReconnectMaxAttempts: cfg.ModelReconnectMaxAttempts,
		ReconnectBaseBackoff: cfg.ModelReconnectBaseBackoff,
		ReconnectMaxBackoff:  cfg.ModelReconnectMaxBackoff,
	}, persister, fanout, metrics)
	store.LoadSavedConfig(ctx)

	api := httpapi.New(cfg, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
