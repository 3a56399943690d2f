package relay

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Peer names used across the error taxonomy and monitor envelopes.
const (
	PeerTelephony = "telephony"
	PeerModel     = "model"
	PeerMonitor   = "monitor"
)

// Close codes sent on the telephony socket so the call-control layer can
// tell a provider-side hangup from a bridge-side failure.
const (
	CloseCodeNormal              = websocket.CloseNormalClosure
	CloseCodeReplaced            = websocket.CloseNormalClosure
	CloseCodeProtocolError       = websocket.CloseProtocolError
	CloseCodeUpstreamUnavailable = websocket.CloseInternalServerErr
)

// ConnectionError is an abnormal or unexpected socket closure.
type ConnectionError struct {
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s connection closed", e.Peer)
	}
	return fmt.Sprintf("%s connection closed: %v", e.Peer, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MessageError is a received frame that fails to parse or violates the
// protocol. Non-fatal outside the stream-start handshake.
type MessageError struct {
	Peer   string
	Detail string
	Err    error
}

func (e *MessageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s message error: %s", e.Peer, e.Detail)
	}
	return fmt.Sprintf("%s message error: %s: %v", e.Peer, e.Detail, e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

// UpstreamUnavailableError means model reconnect attempts were exhausted.
// Terminal for the call.
type UpstreamUnavailableError struct {
	Attempts int
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("model socket unavailable after %d attempts", e.Attempts)
}
