package reliability

import (
	"time"

	"github.com/gorilla/websocket"
)

// IsRetryableCloseCode classifies websocket close codes worth a reconnect
// attempt on the model socket.
func IsRetryableCloseCode(code int) bool {
	switch code {
	case websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeErrorCode classifies retryable upstream realtime errors.
func IsRetryableRealtimeErrorCode(code string) bool {
	switch code {
	case "rate_limit_exceeded", "rate_limited", "server_error", "session_expired":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
