package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/protocol"
	"github.com/antoniostano/switchboard/internal/relay"
)

type stubModelConn struct {
	mu       sync.Mutex
	appended []string
	updates  []json.RawMessage
	closed   bool
}

func (c *stubModelConn) SendSessionUpdate(session json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, append(json.RawMessage(nil), session...))
	return nil
}

func (c *stubModelConn) AppendAudio(audioB64 string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appended = append(c.appended, audioB64)
	return nil
}

func (c *stubModelConn) Truncate(string, int64) error { return nil }

func (c *stubModelConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubModelConn) appendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.appended)
}

type stubDialer struct {
	mu     sync.Mutex
	conns  []*stubModelConn
	events []chan any
}

func (d *stubDialer) Dial(context.Context) (relay.ModelConn, <-chan any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &stubModelConn{}
	ev := make(chan any, 32)
	d.conns = append(d.conns, conn)
	d.events = append(d.events, ev)
	return conn, ev, nil
}

func (d *stubDialer) conn(i int) *stubModelConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *stubDialer) eventChan(i int) chan any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.events) {
		return nil
	}
	return d.events[i]
}

type testEnv struct {
	ts     *httptest.Server
	store  *relay.Store
	dialer *stubDialer
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	dialer := &stubDialer{}
	store := relay.NewStore(dialer, relay.BridgeConfig{
		DefaultSessionConfig: json.RawMessage(`{"voice":"alloy"}`),
		ReconnectMaxAttempts: 2,
		ReconnectBaseBackoff: time.Millisecond,
		ReconnectMaxBackoff:  4 * time.Millisecond,
	}, nil, relay.NewFanout(metrics), metrics)

	srv := New(cfg, store, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, dialer: dialer}
}

func (e *testEnv) dialWS(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}

	readyRes, err := http.Get(env.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer readyRes.Body.Close()
	var ready map[string]any
	if err := json.NewDecoder(readyRes.Body).Decode(&ready); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if ready["call_active"] != false {
		t.Fatalf("readyz call_active = %v, want false", ready["call_active"])
	}
}

func TestTwiMLRendersStreamURL(t *testing.T) {
	env := newTestEnv(t, config.Config{PublicHost: "bridge.example.com"})

	res, err := http.Post(env.ts.URL+"/twiml", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST /twiml error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("twiml status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("twiml content type = %q", ct)
	}

	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := res.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(body.String(), `wss://bridge.example.com/call/media-stream`) {
		t.Fatalf("twiml body missing stream url: %s", body.String())
	}
	if !strings.Contains(body.String(), "<Connect>") {
		t.Fatalf("twiml body missing Connect verb: %s", body.String())
	}
}

func TestMediaStreamRelaysCallAudio(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := env.dialWS(t, "/call/media-stream")

	writeJSON := func(v string) {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	writeJSON(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	writeJSON(`{"event":"start","streamSid":"MZ42","start":{"callSid":"CA42","streamSid":"MZ42"}}`)

	waitUntil(t, func() bool { return env.dialer.conn(0) != nil }, "model dialed")
	stub := env.dialer.conn(0)

	writeJSON(`{"event":"media","streamSid":"MZ42","media":{"timestamp":"120","payload":"Y2FsbGVy"}}`)
	waitUntil(t, func() bool { return stub.appendCount() == 1 }, "caller audio forwarded")

	env.dialer.eventChan(0) <- protocol.AudioDelta{Type: protocol.ModelEventAudioDelta, ItemID: "R1", Delta: "YXNzaXN0"}

	media := readJSON(t, conn)
	if media["event"] != "media" || media["streamSid"] != "MZ42" {
		t.Fatalf("outbound media = %v", media)
	}
	payload := media["media"].(map[string]any)["payload"]
	if payload != "YXNzaXN0" {
		t.Fatalf("outbound payload = %v", payload)
	}

	mark := readJSON(t, conn)
	if mark["event"] != "mark" {
		t.Fatalf("expected mark after media, got %v", mark)
	}

	writeJSON(`{"event":"stop","streamSid":"MZ42"}`)
	waitUntil(t, func() bool { return env.store.Active() == nil }, "call reset after stop")
	if !func() bool { stub.mu.Lock(); defer stub.mu.Unlock(); return stub.closed }() {
		t.Fatalf("model socket not closed after stop")
	}
}

func TestMediaStreamRejectsMalformedStart(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := env.dialWS(t, "/call/media-stream")

	// Start event without a stream identifier is a fatal handshake error.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected close after malformed start")
	}
	if !websocket.IsCloseError(err, websocket.CloseProtocolError) {
		t.Fatalf("close error = %v, want protocol error close", err)
	}
}

func TestMonitorSnapshotAndConfigPush(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := env.dialWS(t, "/monitor/ws")

	snapshot := readJSON(t, conn)
	if snapshot["type"] != protocol.MonitorTypeCallState {
		t.Fatalf("first monitor frame = %v, want call state snapshot", snapshot)
	}
	if snapshot["call_active"] != false {
		t.Fatalf("snapshot call_active = %v", snapshot["call_active"])
	}

	update := `{"type":"session.update","session":{"voice":"verse"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(update)); err != nil {
		t.Fatalf("write config update: %v", err)
	}
	waitUntil(t, func() bool { return string(env.store.SavedConfig()) == `{"voice":"verse"}` }, "config saved")
}

func TestMonitorRejectsUnknownMessage(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := env.dialWS(t, "/monitor/ws")

	readJSON(t, conn) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hangup"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readJSON(t, conn)
	if reply["type"] != "monitor.error" {
		t.Fatalf("reply = %v, want monitor.error", reply)
	}
}

func TestMonitorReplacedByNewMonitor(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	first := env.dialWS(t, "/monitor/ws")
	readJSON(t, first) // snapshot

	second := env.dialWS(t, "/monitor/ws")
	readJSON(t, second) // snapshot

	// The first socket is closed by the replacement.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("expected first monitor socket to be closed")
	}

	// Mirrored events flow to the live monitor only.
	env.store.Fanout().Mirror(relay.PeerModel, "model.connected", nil)
	evt := readJSON(t, second)
	if evt["type"] != "model.connected" {
		t.Fatalf("live monitor received %v", evt)
	}
}

func TestOriginGate(t *testing.T) {
	env := newTestEnv(t, config.Config{AllowedOrigins: []string{"https://ops.example.com"}})

	u := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/monitor/ws"

	// Allowlisted origin connects.
	h := http.Header{}
	h.Set("Origin", "https://ops.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(u, h)
	if err != nil {
		t.Fatalf("allowlisted origin rejected: %v", err)
	}
	conn.Close()

	// A foreign origin does not.
	h = http.Header{}
	h.Set("Origin", "https://evil.example.net")
	if _, _, err := websocket.DefaultDialer.Dial(u, h); err == nil {
		t.Fatalf("foreign origin accepted")
	}
}
