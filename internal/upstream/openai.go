// Package upstream dials and speaks the realtime model websocket.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/switchboard/internal/protocol"
	"github.com/antoniostano/switchboard/internal/reliability"
)

// Config identifies the realtime endpoint and the credentials for it.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Dialer opens realtime model sockets. It satisfies relay.ModelDialer.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	return &Dialer{cfg: cfg}
}

// Dial opens the socket and starts its read loop. The returned channel
// carries typed protocol variants and closes when the socket does.
func (d *Dialer) Dial(ctx context.Context) (*Conn, <-chan any, error) {
	u := strings.TrimRight(d.cfg.BaseURL, "/") + "?model=" + d.cfg.Model

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	events := make(chan any, 256)
	c := &Conn{conn: conn, events: events}
	go c.readLoop()
	return c, events, nil
}

// Conn is one open realtime model socket. It satisfies relay.ModelConn.
type Conn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan any
}

func (c *Conn) SendSessionUpdate(session json.RawMessage) error {
	return c.writeJSON(protocol.NewSessionUpdate(session))
}

func (c *Conn) AppendAudio(audioB64 string) error {
	return c.writeJSON(protocol.NewAudioAppend(audioB64))
}

func (c *Conn) Truncate(itemID string, audioEndMS int64) error {
	return c.writeJSON(protocol.NewItemTruncate(itemID, audioEndMS))
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// readLoop is the only goroutine that sends on or closes the events
// channel. Close never touches it, so a parked send on a full buffer can
// always complete once the consumer drains.
func (c *Conn) readLoop() {
	defer func() {
		c.closeOnce.Do(func() { _ = c.conn.Close() })
		close(c.events)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && reliability.IsRetryableCloseCode(closeErr.Code) {
				log.Printf("upstream: model socket closed with retryable code %d", closeErr.Code)
			}
			return
		}
		evt, err := protocol.ParseModelEvent(data)
		if err != nil {
			log.Printf("upstream: dropping malformed model frame: %v", err)
			continue
		}
		c.events <- evt
	}
}

// Close shuts the socket down. The events channel stays open until the
// read loop observes the closed socket and exits.
func (c *Conn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		retErr = c.conn.Close()
	})
	return retErr
}
