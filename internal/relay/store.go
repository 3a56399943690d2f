package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/protocol"
)

// ConfigPersister stores the saved model session configuration across
// process restarts.
type ConfigPersister interface {
	SaveSessionConfig(ctx context.Context, cfg json.RawMessage) error
	LoadSessionConfig(ctx context.Context) (json.RawMessage, error)
}

// Store is the process-wide session registry. It tracks the at-most-one
// active call bridge, the monitor fanout, and the saved model configuration.
// The monitor and the saved configuration outlive individual calls; call
// state is reset the instant the telephony socket closes.
type Store struct {
	mu          sync.Mutex
	active      *Bridge
	savedConfig json.RawMessage

	fanout    *Fanout
	persister ConfigPersister
	dialer    ModelDialer
	bridgeCfg BridgeConfig
	metrics   *observability.Metrics
}

func NewStore(dialer ModelDialer, bridgeCfg BridgeConfig, persister ConfigPersister, fanout *Fanout, metrics *observability.Metrics) *Store {
	return &Store{
		dialer:    dialer,
		bridgeCfg: bridgeCfg,
		persister: persister,
		fanout:    fanout,
		metrics:   metrics,
	}
}

// LoadSavedConfig seeds savedConfig from the persister at startup.
func (s *Store) LoadSavedConfig(ctx context.Context) {
	if s.persister == nil {
		return
	}
	cfg, err := s.persister.LoadSessionConfig(ctx)
	if err != nil {
		log.Printf("store: load saved config failed: %v", err)
		return
	}
	if len(cfg) == 0 {
		return
	}
	s.mu.Lock()
	s.savedConfig = cfg
	s.mu.Unlock()
}

// StartCall accepts a new telephony connection. An already-active call is
// treated as having ended: its socket is closed and the new call takes over.
func (s *Store) StartCall(peer TelephonyPeer, inbound <-chan any) *Bridge {
	b := newBridge(s, peer, inbound, s.dialer, s.bridgeCfg, s.fanout, s.metrics)

	s.mu.Lock()
	prev := s.active
	s.active = b
	s.mu.Unlock()

	if prev != nil {
		log.Printf("store: replacing active call %s with %s", prev.id, b.id)
		prev.telephony.Close(CloseCodeReplaced, "replaced by new call")
	}

	s.metrics.ActiveCalls.Set(1)
	s.metrics.CallEvents.WithLabelValues("call_started").Inc()
	return b
}

// endCall clears the registry slot if the bridge is still the active one.
// A bridge that was replaced must not clobber its successor.
func (s *Store) endCall(b *Bridge) {
	s.mu.Lock()
	current := s.active == b
	if current {
		s.active = nil
	}
	s.mu.Unlock()

	if current {
		s.metrics.ActiveCalls.Set(0)
		s.metrics.CallEvents.WithLabelValues("call_ended").Inc()
	}
}

// Active returns the current call bridge, or nil when idle.
func (s *Store) Active() *Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) Fanout() *Fanout { return s.fanout }

// SavedConfig returns the last configuration pushed by the monitor, verbatim.
func (s *Store) SavedConfig() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedConfig
}

// SetSavedConfig replaces the saved configuration, persists it, and forwards
// it to the active call's model socket if one is open.
func (s *Store) SetSavedConfig(ctx context.Context, cfg json.RawMessage) {
	s.mu.Lock()
	s.savedConfig = cfg
	active := s.active
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveSessionConfig(ctx, cfg); err != nil {
			log.Printf("store: persist saved config failed: %v", err)
		}
	}
	if active != nil {
		active.pushConfig(cfg)
	}
	s.metrics.CallEvents.WithLabelValues("config_updated").Inc()
}

// Snapshot describes the current call for a freshly attached monitor.
func (s *Store) Snapshot() protocol.CallState {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil {
		return protocol.CallState{Type: protocol.MonitorTypeCallState}
	}
	return active.Snapshot()
}
