package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/protocol"
	"github.com/antoniostano/switchboard/internal/relay"
)

type Server struct {
	cfg      config.Config
	store    *relay.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store *relay.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony providers and CLI clients omit Origin. Allow them.
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if strings.EqualFold(origin, allowed) {
						return true
					}
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/twiml", s.handleTwiML)
	r.Get("/twiml", s.handleTwiML)
	r.Get("/call/media-stream", s.handleMediaStream)
	r.Get("/monitor/ws", s.handleMonitor)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"call_active": s.store.Active() != nil,
	})
}

// handleMediaStream accepts the telephony provider websocket and runs the
// call bridge over it. The handler owns the read side; the bridge owns the
// write side through the peer.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	peer := newTelephonyPeer(conn, s.metrics)
	inbound := make(chan any, 256)
	bridge := s.store.StartCall(peer, inbound)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := bridge.Run(r.Context()); err != nil {
			log.Printf("httpapi: call bridge ended with error: %v", err)
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("httpapi: %v", &relay.ConnectionError{Peer: relay.PeerTelephony, Err: err})
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseTwilioEvent(data)
		if err != nil {
			// The bridge decides whether a bad frame is fatal.
			parsed = &relay.MessageError{Peer: relay.PeerTelephony, Detail: "unparseable telephony frame", Err: err}
		} else if t, ok := twilioEventOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", t).Inc()
		}

		select {
		case inbound <- parsed:
		case <-runDone:
			break readLoop
		}
	}

	close(inbound)
	<-runDone
}

// handleMonitor attaches a passive observer socket. At most one monitor is
// live; a new one replaces the old. The monitor never touches call state
// directly, its only write path is the saved session configuration.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sink := newMonitorSink(conn)
	fanout := s.store.Fanout()
	fanout.Attach(sink)
	defer fanout.Detach(sink)
	defer sink.Close()

	// Bring the fresh monitor up to date before mirroring live events.
	sink.TrySend(s.store.Snapshot())

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseMonitorMessage(data)
		if err != nil {
			log.Printf("httpapi: invalid monitor message: %v", err)
			sink.TrySend(protocol.MonitorEnvelope{
				Type:   "monitor.error",
				Source: relay.PeerMonitor,
				Fields: map[string]any{"detail": err.Error()},
			})
			continue
		}

		switch m := parsed.(type) {
		case protocol.MonitorConfigUpdate:
			s.metrics.WSMessages.WithLabelValues("inbound", protocol.MonitorTypeConfigUpdate).Inc()
			s.store.SetSavedConfig(r.Context(), m.Session)
		}
	}
}

// telephonyPeer is the write/close half of the provider socket handed to
// the bridge. Writes are serialized; Close is idempotent and sends a close
// frame so the provider sees a clean shutdown.
type telephonyPeer struct {
	conn      *websocket.Conn
	metrics   *observability.Metrics
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newTelephonyPeer(conn *websocket.Conn, metrics *observability.Metrics) *telephonyPeer {
	return &telephonyPeer{conn: conn, metrics: metrics}
}

func (p *telephonyPeer) Send(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := p.conn.WriteJSON(v); err != nil {
		return err
	}
	if t, ok := twilioEventOf(v); ok {
		p.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
	}
	return nil
}

func (p *telephonyPeer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	})
}

func twilioEventOf(v any) (string, bool) {
	switch m := v.(type) {
	case protocol.StreamConnected:
		return string(m.Event), true
	case protocol.StreamStart:
		return string(m.Event), true
	case protocol.MediaFrame:
		return string(m.Event), true
	case protocol.MarkAck:
		return string(m.Event), true
	case protocol.StreamStop:
		return string(m.Event), true
	case protocol.OutboundMedia:
		return string(m.Event), true
	case protocol.OutboundClear:
		return string(m.Event), true
	case protocol.OutboundMark:
		return string(m.Event), true
	default:
		return "", false
	}
}

// monitorSink buffers mirrored envelopes toward the monitor socket. The
// buffer absorbs bursts; when it is full envelopes are dropped so the relay
// path never blocks on a slow observer.
type monitorSink struct {
	conn      *websocket.Conn
	out       chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newMonitorSink(conn *websocket.Conn) *monitorSink {
	s := &monitorSink{
		conn: conn,
		out:  make(chan any, 256),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *monitorSink) TrySend(v any) bool {
	select {
	case s.out <- v:
		return true
	default:
		return false
	}
}

func (s *monitorSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *monitorSink) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(v); err != nil {
				s.Close()
				return
			}
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
