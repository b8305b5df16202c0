package dispatch

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmfinder/go-proximity-server/internal/model"
)

type chanSink struct {
	ch chan model.NotificationEvent
}

func newChanSink(capacity int) *chanSink {
	return &chanSink{ch: make(chan model.NotificationEvent, capacity)}
}

func (s *chanSink) Send(ev model.NotificationEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func event(consumerID string) model.NotificationEvent {
	return model.NotificationEvent{
		ID:         model.NewEventID(),
		Kind:       model.EventVendorNearby,
		ConsumerID: consumerID,
		VendorID:   "v1",
		EmittedAt:  time.Now().UTC(),
	}
}

func newTestDispatcher() *Dispatcher {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatchToRegisteredSink(t *testing.T) {
	d := newTestDispatcher()
	sink := newChanSink(4)
	d.Register("c1", sink)

	ev := event("c1")
	d.Dispatch(ev)

	require.Len(t, sink.ch, 1)
	got := <-sink.ch
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, int64(1), d.Stats().Delivered)
}

func TestDispatchDropsWhenDisconnected(t *testing.T) {
	d := newTestDispatcher()
	d.Dispatch(event("nobody"))
	assert.Equal(t, int64(1), d.Stats().Dropped)
	assert.Equal(t, int64(0), d.Stats().Delivered)
}

func TestDispatchDropsOnFullQueue(t *testing.T) {
	d := newTestDispatcher()
	sink := newChanSink(1)
	d.Register("c1", sink)

	d.Dispatch(event("c1"))
	d.Dispatch(event("c1")) // queue full, dropped

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestReconnectReplacesSink(t *testing.T) {
	d := newTestDispatcher()
	old := newChanSink(4)
	fresh := newChanSink(4)

	d.Register("c1", old)
	d.Register("c1", fresh)

	// The stale connection's teardown must not unbind the replacement, and
	// the return value tells it the binding was no longer its own.
	assert.False(t, d.Unregister("c1", old))
	d.Dispatch(event("c1"))

	assert.Empty(t, old.ch)
	require.Len(t, fresh.ch, 1)
	assert.Equal(t, 1, d.Stats().Connected)

	assert.True(t, d.Unregister("c1", fresh))
	assert.Equal(t, 0, d.Stats().Connected)
}
