// Package dispatch routes notification events to the live connection of their
// target entity. It is constructed once at startup and passed to whatever
// publishes or subscribes; there is no package-level listener state.
package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"farmfinder/go-proximity-server/internal/model"
)

// Sink is one live connection's outbound queue. Send must not block: a sink
// that cannot take the event reports false and the event is dropped, since
// nearby/departed are live-presence signals, not a durable inbox.
type Sink interface {
	Send(event model.NotificationEvent) bool
}

// Dispatcher owns the entity-to-connection routing table.
type Dispatcher struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks map[string]Sink

	delivered atomic.Int64
	dropped   atomic.Int64
}

// New constructs an empty dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger, sinks: make(map[string]Sink)}
}

// Register binds the entity's live connection. A reconnect replaces the
// previous sink; events queued on the old connection are lost with it.
func (d *Dispatcher) Register(entityID string, sink Sink) {
	d.mu.Lock()
	d.sinks[entityID] = sink
	d.mu.Unlock()
}

// Unregister removes the binding, but only if it still points at the given
// sink: a stale connection racing its own replacement must not unbind the new
// one. It reports whether the sink still owned the binding, so the caller can
// tell a real disconnect from a zombie session outliving its replacement.
func (d *Dispatcher) Unregister(entityID string, sink Sink) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.sinks[entityID]; ok && current == sink {
		delete(d.sinks, entityID)
		return true
	}
	return false
}

// Dispatch delivers the event to its target's live connection. Disconnected
// targets and full queues drop the event. No deduplication happens here; the
// at-most-once-per-episode guarantee is the state machine's.
func (d *Dispatcher) Dispatch(event model.NotificationEvent) {
	d.mu.RLock()
	sink, ok := d.sinks[event.ConsumerID]
	d.mu.RUnlock()

	if !ok {
		d.dropped.Add(1)
		d.logger.Debug("event dropped, target not connected",
			"kind", event.Kind, "consumer", event.ConsumerID)
		return
	}
	if !sink.Send(event) {
		d.dropped.Add(1)
		d.logger.Warn("event dropped, send queue full",
			"kind", event.Kind, "consumer", event.ConsumerID)
		return
	}
	d.delivered.Add(1)
}

// Stats reports delivery counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Connected int   `json:"connected"`
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	connected := len(d.sinks)
	d.mu.RUnlock()
	return Stats{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Connected: connected,
	}
}
