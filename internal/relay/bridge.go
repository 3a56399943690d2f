package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/protocol"
	"github.com/antoniostano/switchboard/internal/reliability"
)

// State is the lifecycle of one call bridge.
type State int

const (
	StateIdle State = iota
	StateAwaitingStream
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStream:
		return "awaiting_stream"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// TelephonyPeer is the write/close half of the provider socket, owned by the
// transport layer. Close must be idempotent.
type TelephonyPeer interface {
	Send(v any) error
	Close(code int, reason string)
}

// ModelConn is an open realtime model socket.
type ModelConn interface {
	SendSessionUpdate(session json.RawMessage) error
	AppendAudio(audioB64 string) error
	Truncate(itemID string, audioEndMS int64) error
	Close() error
}

// ModelDialer opens model sockets. The events channel closes when the
// socket does.
type ModelDialer interface {
	Dial(ctx context.Context) (ModelConn, <-chan any, error)
}

// BridgeConfig carries the operational tuning for one call.
type BridgeConfig struct {
	DefaultSessionConfig json.RawMessage
	ReconnectMaxAttempts int
	ReconnectBaseBackoff time.Duration
	ReconnectMaxBackoff  time.Duration
}

// callState is the call-scoped slice of the session record. StreamSID is
// write-once; LastAssistantItemID and ResponseStartTS are set and cleared
// together; LatestMediaTS never decreases within one stream.
type callState struct {
	StreamSID           string
	LastAssistantItemID string
	ResponseStartTS     int64
	LatestMediaTS       int64
}

// Bridge coordinates one call: telephony lifecycle, audio relay, barge-in
// truncation, and the bounded model reconnect sequence. All session fields
// are mutated only by the Run goroutine; the mutex exists for Snapshot.
type Bridge struct {
	id        string
	cfg       BridgeConfig
	store     *Store
	fanout    *Fanout
	metrics   *observability.Metrics
	dialer    ModelDialer
	telephony TelephonyPeer
	inbound   <-chan any
	configCh  chan json.RawMessage

	mu    sync.Mutex
	state State
	sess  callState

	model            ModelConn
	modelEvents      <-chan any
	marks            []string
	reconnectAttempt int
	dialing          bool
}

const assistantMarkLabel = "assistant-chunk"

func newBridge(store *Store, peer TelephonyPeer, inbound <-chan any, dialer ModelDialer, cfg BridgeConfig, fanout *Fanout, metrics *observability.Metrics) *Bridge {
	return &Bridge{
		id:        uuid.NewString(),
		cfg:       cfg,
		store:     store,
		fanout:    fanout,
		metrics:   metrics,
		dialer:    dialer,
		telephony: peer,
		inbound:   inbound,
		configCh:  make(chan json.RawMessage, 1),
		state:     StateAwaitingStream,
	}
}

func (b *Bridge) ID() string { return b.id }

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes the call for a monitor attaching mid-stream.
func (b *Bridge) Snapshot() protocol.CallState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return protocol.CallState{
		Type:             protocol.MonitorTypeCallState,
		CallActive:       b.state == StateAwaitingStream || b.state == StateActive,
		StreamSID:        b.sess.StreamSID,
		ResponseInFlight: b.sess.LastAssistantItemID != "",
	}
}

// pushConfig hands a monitor-originated config update to the Run loop.
// Last write wins; an unconsumed older update is discarded.
func (b *Bridge) pushConfig(cfg json.RawMessage) {
	select {
	case <-b.configCh:
	default:
	}
	select {
	case b.configCh <- cfg:
	default:
	}
}

type dialResult struct {
	conn   ModelConn
	events <-chan any
	err    error
}

// Run drives the call to completion. It returns nil on a normal hangup and
// the terminal error otherwise. Teardown always closes the model socket and
// resets the registry slot; the monitor socket is untouched.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer b.teardown()

	dialCh := make(chan dialResult, 1)
	var reconnectTimer *time.Timer
	var reconnectFire <-chan time.Time
	stopTimer := func() {
		if reconnectTimer != nil {
			reconnectTimer.Stop()
			reconnectTimer = nil
			reconnectFire = nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-b.inbound:
			if !ok {
				// Telephony socket closed. This is the only event that
				// resets the session store.
				return nil
			}
			stop, err := b.handleTelephony(ctx, msg, dialCh)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}

		case evt, ok := <-b.modelEvents:
			if !ok {
				b.modelEvents = nil
				b.model = nil
				log.Printf("bridge %s: model socket closed", b.id)
				b.fanout.Mirror(PeerModel, "model.disconnected", nil)
				if err := b.scheduleReconnect(&reconnectTimer, &reconnectFire); err != nil {
					b.telephony.Close(CloseCodeUpstreamUnavailable, "model unavailable")
					return err
				}
				continue
			}
			b.handleModel(evt)

		case res := <-dialCh:
			b.dialing = false
			if res.err != nil {
				log.Printf("bridge %s: model dial failed: %v", b.id, res.err)
				if err := b.scheduleReconnect(&reconnectTimer, &reconnectFire); err != nil {
					b.telephony.Close(CloseCodeUpstreamUnavailable, "model unavailable")
					return err
				}
				continue
			}
			b.adoptModel(res.conn, res.events)

		case <-reconnectFire:
			stopTimer()
			b.metrics.ModelReconnects.Inc()
			b.startDial(ctx, dialCh)

		case cfg := <-b.configCh:
			if b.model != nil {
				if err := b.model.SendSessionUpdate(cfg); err != nil {
					log.Printf("bridge %s: forward config failed: %v", b.id, err)
				}
			}
		}
	}
}

func (b *Bridge) handleTelephony(ctx context.Context, msg any, dialCh chan dialResult) (stop bool, err error) {
	switch m := msg.(type) {
	case *MessageError:
		if b.State() == StateAwaitingStream {
			// Malformed handshake is fatal to the call.
			log.Printf("bridge %s: handshake message error: %v", b.id, m)
			b.telephony.Close(CloseCodeProtocolError, "malformed stream start")
			return true, m
		}
		log.Printf("bridge %s: dropping malformed telephony frame: %v", b.id, m)
		b.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		b.fanout.Mirror(PeerTelephony, "relay.message_error", map[string]any{"detail": m.Detail})

	case protocol.StreamConnected:
		b.fanout.Mirror(PeerTelephony, "twilio.connected", nil)

	case protocol.StreamStart:
		b.mu.Lock()
		if b.state != StateAwaitingStream {
			b.mu.Unlock()
			// streamSid is write-once per call.
			log.Printf("bridge %s: ignoring duplicate start event", b.id)
			b.metrics.DroppedFrames.WithLabelValues("duplicate_start").Inc()
			return false, nil
		}
		b.sess.StreamSID = m.StreamSID
		b.state = StateActive
		b.mu.Unlock()

		log.Printf("bridge %s: stream %s started (call %s)", b.id, m.StreamSID, m.Start.CallSID)
		b.metrics.CallEvents.WithLabelValues("stream_started").Inc()
		b.fanout.Mirror(PeerTelephony, "twilio.start", map[string]any{
			"stream_sid": m.StreamSID,
			"call_sid":   m.Start.CallSID,
		})
		b.startDial(ctx, dialCh)

	case protocol.MediaFrame:
		b.handleMediaFrame(m)

	case protocol.MarkAck:
		b.popMark(m.Mark.Name)
		b.fanout.Mirror(PeerTelephony, "twilio.mark", map[string]any{"name": m.Mark.Name})

	case protocol.StreamStop:
		log.Printf("bridge %s: stream stopped", b.id)
		b.metrics.CallEvents.WithLabelValues("stream_stopped").Inc()
		b.fanout.Mirror(PeerTelephony, "twilio.stop", nil)
		return true, nil
	}
	return false, nil
}

// handleMediaFrame advances the media clock and forwards caller audio.
// Frames that arrive while the model socket is down are dropped, never
// buffered: stale audio queued across an outage would desynchronize the
// conversation.
func (b *Bridge) handleMediaFrame(m protocol.MediaFrame) {
	b.mu.Lock()
	if m.TimestampMS < b.sess.LatestMediaTS {
		latest := b.sess.LatestMediaTS
		b.mu.Unlock()
		log.Printf("bridge %s: out-of-order media frame ts=%d latest=%d", b.id, m.TimestampMS, latest)
		b.dropFrame("non_monotonic", m.TimestampMS)
		return
	}
	b.sess.LatestMediaTS = m.TimestampMS
	b.mu.Unlock()

	if b.model == nil {
		b.dropFrame("model_unavailable", m.TimestampMS)
		return
	}
	if err := b.model.AppendAudio(m.Payload); err != nil {
		log.Printf("bridge %s: append audio failed: %v", b.id, err)
		b.dropFrame("model_write_failed", m.TimestampMS)
		return
	}
	b.fanout.Mirror(PeerTelephony, "twilio.media", map[string]any{
		"timestamp_ms": m.TimestampMS,
		"track":        m.Track,
	})
}

// dropFrame records a discarded media frame in metrics and mirrors its
// metadata to the monitor.
func (b *Bridge) dropFrame(reason string, timestampMS int64) {
	b.metrics.DroppedFrames.WithLabelValues(reason).Inc()
	b.fanout.Mirror(PeerTelephony, "relay.frame_dropped", map[string]any{
		"reason":       reason,
		"timestamp_ms": timestampMS,
	})
}

func (b *Bridge) handleModel(evt any) {
	switch m := evt.(type) {
	case protocol.AudioDelta:
		b.mu.Lock()
		sid := b.sess.StreamSID
		if sid == "" {
			b.mu.Unlock()
			b.metrics.DroppedFrames.WithLabelValues("no_stream").Inc()
			return
		}
		if b.sess.LastAssistantItemID != m.ItemID {
			// First delta of a new response item: latch the item id and the
			// media-clock position where its playback begins.
			b.sess.LastAssistantItemID = m.ItemID
			b.sess.ResponseStartTS = b.sess.LatestMediaTS
		}
		b.mu.Unlock()

		if err := b.telephony.Send(protocol.NewOutboundMedia(sid, m.Delta)); err != nil {
			log.Printf("bridge %s: send media to telephony failed: %v", b.id, err)
			return
		}
		b.marks = append(b.marks, assistantMarkLabel)
		_ = b.telephony.Send(protocol.NewOutboundMark(sid, assistantMarkLabel))
		b.fanout.Mirror(PeerModel, "response.audio.delta", map[string]any{"item_id": m.ItemID})

	case protocol.ResponseDone:
		// Response played out in full; nothing left to truncate.
		b.mu.Lock()
		b.sess.LastAssistantItemID = ""
		b.sess.ResponseStartTS = 0
		b.mu.Unlock()
		b.fanout.Mirror(PeerModel, "response.done", nil)

	case protocol.SpeechStarted:
		b.fanout.Mirror(PeerModel, "speech.started", nil)
		b.handleSpeechStarted()

	case protocol.ModelError:
		retryable := reliability.IsRetryableRealtimeErrorCode(m.Error.Code)
		log.Printf("bridge %s: model error %s (retryable=%t): %s", b.id, m.Error.Code, retryable, m.Error.Message)
		b.metrics.UpstreamErrors.WithLabelValues(m.Error.Code).Inc()
		b.fanout.Mirror(PeerModel, "model.error", map[string]any{
			"code":      m.Error.Code,
			"message":   m.Error.Message,
			"retryable": retryable,
		})

	case protocol.UnhandledModelEvent:
		b.fanout.Mirror(PeerModel, string(m.Type), nil)
	}
}

// handleSpeechStarted is the barge-in path: compute how much of the
// in-flight response the caller actually heard, truncate the model's view
// of it, and flush audio the provider has queued but not yet played. Fires
// at most once per barge-in; with no response in flight it is a no-op.
func (b *Bridge) handleSpeechStarted() {
	b.mu.Lock()
	item := b.sess.LastAssistantItemID
	if item == "" {
		b.mu.Unlock()
		return
	}
	elapsed := b.sess.LatestMediaTS - b.sess.ResponseStartTS
	if elapsed < 0 {
		elapsed = 0
	}
	sid := b.sess.StreamSID
	b.sess.LastAssistantItemID = ""
	b.sess.ResponseStartTS = 0
	b.mu.Unlock()

	if b.model != nil {
		if err := b.model.Truncate(item, elapsed); err != nil {
			log.Printf("bridge %s: truncate %s failed: %v", b.id, item, err)
		}
	}
	if err := b.telephony.Send(protocol.NewOutboundClear(sid)); err != nil {
		log.Printf("bridge %s: send clear failed: %v", b.id, err)
	}
	b.marks = b.marks[:0]

	b.metrics.Interruptions.Inc()
	b.metrics.ObserveHeardAudio(time.Duration(elapsed) * time.Millisecond)
	b.fanout.Mirror(PeerModel, "response.truncated", map[string]any{
		"item_id":      item,
		"audio_end_ms": elapsed,
	})
	log.Printf("bridge %s: truncated %s at %dms", b.id, item, elapsed)
}

func (b *Bridge) popMark(name string) {
	for i, m := range b.marks {
		if m == name {
			b.marks = append(b.marks[:i], b.marks[i+1:]...)
			return
		}
	}
}

func (b *Bridge) startDial(ctx context.Context, dialCh chan dialResult) {
	if b.dialing {
		return
	}
	b.dialing = true
	go func() {
		conn, events, err := b.dialer.Dial(ctx)
		select {
		case dialCh <- dialResult{conn: conn, events: events, err: err}:
		case <-ctx.Done():
			if err == nil && conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

// adoptModel installs a freshly dialed model socket and flushes the saved
// configuration (or the default) to it.
func (b *Bridge) adoptModel(conn ModelConn, events <-chan any) {
	b.model = conn
	b.modelEvents = events
	b.reconnectAttempt = 0

	cfg := b.store.SavedConfig()
	if len(cfg) == 0 {
		cfg = b.cfg.DefaultSessionConfig
	}
	if len(cfg) > 0 {
		if err := conn.SendSessionUpdate(cfg); err != nil {
			log.Printf("bridge %s: initial session.update failed: %v", b.id, err)
		}
	}
	b.metrics.CallEvents.WithLabelValues("model_connected").Inc()
	b.fanout.Mirror(PeerModel, "model.connected", nil)
}

// scheduleReconnect arms the next backoff timer, or returns the terminal
// UpstreamUnavailableError once attempts are exhausted.
func (b *Bridge) scheduleReconnect(timer **time.Timer, fire *<-chan time.Time) error {
	if b.State() == StateClosing {
		return nil
	}
	b.reconnectAttempt++
	if b.reconnectAttempt > b.cfg.ReconnectMaxAttempts {
		return &UpstreamUnavailableError{Attempts: b.reconnectAttempt - 1}
	}
	delay := reliability.ExponentialBackoff(b.reconnectAttempt-1, b.cfg.ReconnectBaseBackoff, b.cfg.ReconnectMaxBackoff)
	log.Printf("bridge %s: model reconnect attempt %d/%d in %v", b.id, b.reconnectAttempt, b.cfg.ReconnectMaxAttempts, delay)
	*timer = time.NewTimer(delay)
	*fire = (*timer).C
	return nil
}

// teardown runs exactly once when Run returns. Ordering per the lifecycle
// contract: close model, reset the registry slot, leave the monitor alone.
func (b *Bridge) teardown() {
	b.mu.Lock()
	b.state = StateClosing
	b.sess = callState{}
	b.mu.Unlock()

	if b.model != nil {
		_ = b.model.Close()
		b.model = nil
	}
	b.telephony.Close(CloseCodeNormal, "")
	b.store.endCall(b)
	b.fanout.Mirror("relay", "call.ended", map[string]any{"call_id": b.id})
}
