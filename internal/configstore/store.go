// Package configstore persists the saved model session configuration so
// a monitor-pushed setup survives process restarts.
package configstore

import (
	"context"
	"encoding/json"
)

// Store persists and retrieves the saved session configuration blob. The
// blob is opaque; it is stored and returned byte-for-byte.
type Store interface {
	SaveSessionConfig(ctx context.Context, cfg json.RawMessage) error
	LoadSessionConfig(ctx context.Context) (json.RawMessage, error)
	Close() error
}
