package configstore

import (
	"context"
	"encoding/json"
	"testing"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	got, err := s.LoadSessionConfig(ctx)
	if err != nil {
		t.Fatalf("LoadSessionConfig() error = %v", err)
	}
	if got != nil {
		t.Fatalf("empty store returned %s", got)
	}

	cfg := json.RawMessage(`{"voice":"verse","modalities":["audio"]}`)
	if err := s.SaveSessionConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveSessionConfig() error = %v", err)
	}

	got, err = s.LoadSessionConfig(ctx)
	if err != nil {
		t.Fatalf("LoadSessionConfig() error = %v", err)
	}
	if string(got) != string(cfg) {
		t.Fatalf("loaded %s, want %s", got, cfg)
	}

	// Later saves replace, never append.
	next := json.RawMessage(`{"voice":"alloy"}`)
	if err := s.SaveSessionConfig(ctx, next); err != nil {
		t.Fatalf("SaveSessionConfig() error = %v", err)
	}
	got, _ = s.LoadSessionConfig(ctx)
	if string(got) != string(next) {
		t.Fatalf("loaded %s, want %s", got, next)
	}
}

func TestFactoryDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("store type = %T, want *InMemoryStore", s)
	}
}
