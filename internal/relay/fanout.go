package relay

import (
	"log"
	"sync"

	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/protocol"
)

// MonitorSink is the write half of a monitor socket. TrySend must never
// block; it reports false when the envelope was not delivered.
type MonitorSink interface {
	TrySend(v any) bool
	Close()
}

// Fanout mirrors relay activity to the attached monitor, if any. It is
// strictly one-way: delivery failures are swallowed and logged, never
// propagated to the relay path.
type Fanout struct {
	mu      sync.Mutex
	sink    MonitorSink
	metrics *observability.Metrics
}

func NewFanout(metrics *observability.Metrics) *Fanout {
	return &Fanout{metrics: metrics}
}

// Attach replaces the current monitor. The previous sink, if any, is closed.
func (f *Fanout) Attach(sink MonitorSink) {
	f.mu.Lock()
	prev := f.sink
	f.sink = sink
	f.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// Detach removes the sink if it is still the attached one. A stale detach
// (after a newer monitor replaced it) is a no-op.
func (f *Fanout) Detach(sink MonitorSink) {
	f.mu.Lock()
	if f.sink == sink {
		f.sink = nil
	}
	f.mu.Unlock()
}

// Mirror sends a metadata envelope for one observed event. Raw audio bytes
// must be stripped by the caller; only event metadata crosses this path.
func (f *Fanout) Mirror(source, eventType string, fields map[string]any) {
	f.Send(protocol.MonitorEnvelope{Type: eventType, Source: source, Fields: fields})
}

// Send delivers an already-shaped envelope to the monitor.
func (f *Fanout) Send(v any) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()

	if sink == nil {
		return
	}
	if !sink.TrySend(v) {
		f.metrics.MonitorDropped.Inc()
		log.Printf("monitor: envelope dropped (backpressure)")
	}
}
