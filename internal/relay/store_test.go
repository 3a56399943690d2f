package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/antoniostano/switchboard/internal/protocol"
)

type fakePersister struct {
	mu     sync.Mutex
	saved  json.RawMessage
	loaded json.RawMessage
	fail   error
}

func (p *fakePersister) SaveSessionConfig(_ context.Context, cfg json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.saved = append(json.RawMessage(nil), cfg...)
	return nil
}

func (p *fakePersister) LoadSessionConfig(context.Context) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	return p.loaded, nil
}

func newTestStore(t *testing.T, persister ConfigPersister) *Store {
	t.Helper()
	metrics := testMetrics(t)
	return NewStore(&fakeDialer{}, defaultBridgeConfig(), persister, NewFanout(metrics), metrics)
}

func TestStoreStartCallReplacesActive(t *testing.T) {
	s := newTestStore(t, nil)

	first := &fakePeer{}
	b1 := s.StartCall(first, make(chan any))
	second := &fakePeer{}
	b2 := s.StartCall(second, make(chan any))

	if s.Active() != b2 {
		t.Fatalf("active bridge should be the newest call")
	}
	closed, code := first.isClosed()
	if !closed || code != CloseCodeReplaced {
		t.Fatalf("replaced peer closed=%v code=%d", closed, code)
	}

	// The replaced bridge's teardown must not clobber the new call.
	s.endCall(b1)
	if s.Active() != b2 {
		t.Fatalf("stale endCall reset the registry")
	}
	s.endCall(b2)
	if s.Active() != nil {
		t.Fatalf("registry not cleared after end of active call")
	}
}

func TestStoreSavedConfigPersistsAndSurvivesCalls(t *testing.T) {
	persister := &fakePersister{}
	s := newTestStore(t, persister)

	cfg := json.RawMessage(`{"voice":"verse"}`)
	s.SetSavedConfig(context.Background(), cfg)

	persister.mu.Lock()
	saved := string(persister.saved)
	persister.mu.Unlock()
	if saved != string(cfg) {
		t.Fatalf("persisted %s, want %s", saved, cfg)
	}

	b := s.StartCall(&fakePeer{}, make(chan any))
	s.endCall(b)
	if got := string(s.SavedConfig()); got != string(cfg) {
		t.Fatalf("saved config lost across call reset: %s", got)
	}
}

func TestStoreSetSavedConfigWithNoActiveCall(t *testing.T) {
	s := newTestStore(t, nil)
	s.SetSavedConfig(context.Background(), json.RawMessage(`{"voice":"alloy"}`))
	if got := string(s.SavedConfig()); got != `{"voice":"alloy"}` {
		t.Fatalf("saved config = %s", got)
	}
}

func TestStoreLoadSavedConfigSeedsFromPersister(t *testing.T) {
	persister := &fakePersister{loaded: json.RawMessage(`{"voice":"echo"}`)}
	s := newTestStore(t, persister)

	s.LoadSavedConfig(context.Background())
	if got := string(s.SavedConfig()); got != `{"voice":"echo"}` {
		t.Fatalf("loaded config = %s", got)
	}
}

func TestStoreSnapshotIdle(t *testing.T) {
	s := newTestStore(t, nil)
	snap := s.Snapshot()
	if snap.Type != protocol.MonitorTypeCallState || snap.CallActive {
		t.Fatalf("idle snapshot = %+v", snap)
	}
}

func TestStoreSnapshotActiveCall(t *testing.T) {
	s := newTestStore(t, nil)
	b := s.StartCall(&fakePeer{}, make(chan any))

	b.mu.Lock()
	b.state = StateActive
	b.sess.StreamSID = "MZ9"
	b.sess.LastAssistantItemID = "R2"
	b.mu.Unlock()

	snap := s.Snapshot()
	if !snap.CallActive || snap.StreamSID != "MZ9" || !snap.ResponseInFlight {
		t.Fatalf("snapshot = %+v", snap)
	}
}
