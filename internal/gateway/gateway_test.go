package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmfinder/go-proximity-server/internal/dispatch"
	"farmfinder/go-proximity-server/internal/model"
)

// fakeCore records the calls the gateway makes into the engine.
type fakeCore struct {
	mu            sync.Mutex
	registered    []string
	disconnected  []string
	updates       []model.LocationUpdate
	rejectWith    model.RejectReason
	registerError error
}

func (c *fakeCore) Register(id string, role model.Role, displayName string, products []string) (model.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registerError != nil {
		return model.Entity{}, c.registerError
	}
	c.registered = append(c.registered, id)
	return model.Entity{ID: id, Role: role, DisplayName: displayName, ActiveProducts: products, Status: model.StatusConnected}, nil
}

func (c *fakeCore) ApplyUpdate(role model.Role, u model.LocationUpdate) model.UpdateResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	if c.rejectWith != "" {
		return model.UpdateResult{Reason: c.rejectWith}
	}
	return model.UpdateResult{Accepted: true, Entity: model.Entity{ID: u.EntityID, Role: role}}
}

func (c *fakeCore) MarkDisconnected(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = append(c.disconnected, id)
}

func (c *fakeCore) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

type testClient struct {
	conn *websocket.Conn
}

func newGatewayFixture(t *testing.T, core *fakeCore) (*Gateway, *dispatch.Dispatcher, func() *testClient) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(logger)
	gw := New(logger, core, d, Options{HeartbeatInterval: time.Second, SendQueueSize: 8})

	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Stop()
		srv.Close()
	})

	dial := func() *testClient {
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return &testClient{conn: conn}
	}
	return gw, d, dial
}

func (c *testClient) send(t *testing.T, frameType string, payload interface{}) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	require.NoError(t, c.conn.WriteJSON(frame{Type: frameType, Payload: raw}))
}

func (c *testClient) read(t *testing.T) frame {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, c.conn.ReadJSON(&f))
	return f
}

func (c *testClient) hello(t *testing.T, id, role string) {
	t.Helper()
	c.send(t, "hello", helloPayload{EntityID: id, Role: role, DisplayName: "Test"})
	f := c.read(t)
	require.Equal(t, "hello-ack", f.Type)
}

func TestHandshakeThenLocationUpdate(t *testing.T) {
	core := &fakeCore{}
	_, _, dial := newGatewayFixture(t, core)

	client := dial()
	client.hello(t, "c1", "consumer")

	client.send(t, "location-update", locationPayload{
		Latitude: 52.5, Longitude: 13.4, AccuracyM: 8, CapturedAt: time.Now().UTC(),
	})

	f := client.read(t)
	require.Equal(t, string(model.EventUpdateConfirmation), f.Type)
	var conf model.UpdateConfirmation
	require.NoError(t, json.Unmarshal(f.Payload, &conf))
	assert.True(t, conf.Accepted)

	require.Equal(t, 1, core.updateCount())
	assert.Equal(t, "c1", core.updates[0].EntityID)
	assert.False(t, core.updates[0].ReceivedAt.IsZero())
}

func TestUpdateBeforeHelloIsRejected(t *testing.T) {
	core := &fakeCore{}
	_, _, dial := newGatewayFixture(t, core)

	client := dial()
	client.send(t, "location-update", locationPayload{Latitude: 1, Longitude: 1})

	f := client.read(t)
	require.Equal(t, string(model.EventUpdateConfirmation), f.Type)
	var conf model.UpdateConfirmation
	require.NoError(t, json.Unmarshal(f.Payload, &conf))
	assert.False(t, conf.Accepted)
	assert.Equal(t, model.RejectUnauthenticated, conf.Reason)
	assert.Zero(t, core.updateCount())
}

func TestRejectionReasonPropagates(t *testing.T) {
	core := &fakeCore{rejectWith: model.RejectStale}
	_, _, dial := newGatewayFixture(t, core)

	client := dial()
	client.hello(t, "v1", "vendor")
	client.send(t, "location-update", locationPayload{Latitude: 1, Longitude: 1, CapturedAt: time.Now()})

	f := client.read(t)
	var conf model.UpdateConfirmation
	require.NoError(t, json.Unmarshal(f.Payload, &conf))
	assert.False(t, conf.Accepted)
	assert.Equal(t, model.RejectStale, conf.Reason)
}

func TestRateLimitedUpdateGetsNoReply(t *testing.T) {
	core := &fakeCore{rejectWith: model.RejectRateLimited}
	_, _, dial := newGatewayFixture(t, core)

	client := dial()
	client.hello(t, "v1", "vendor")
	client.send(t, "location-update", locationPayload{Latitude: 1, Longitude: 1, CapturedAt: time.Now()})

	// No confirmation frame: a ping must be the next thing echoed back.
	client.send(t, "ping", nil)
	f := client.read(t)
	assert.Equal(t, "pong", f.Type)
}

func TestNotificationDeliveredOverWebsocket(t *testing.T) {
	core := &fakeCore{}
	_, d, dial := newGatewayFixture(t, core)

	client := dial()
	client.hello(t, "c1", "consumer")

	d.Dispatch(model.NotificationEvent{
		ID:         model.NewEventID(),
		Kind:       model.EventVendorNearby,
		ConsumerID: "c1",
		VendorID:   "v1",
		Payload: model.VendorNearbyPayload{
			VendorID: "v1", VendorName: "Rose Farm", DistanceM: 420, Timestamp: time.Now().UTC(),
		},
		EmittedAt: time.Now().UTC(),
	})

	f := client.read(t)
	require.Equal(t, string(model.EventVendorNearby), f.Type)
	var payload model.VendorNearbyPayload
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, "Rose Farm", payload.VendorName)
	assert.InDelta(t, 420, payload.DistanceM, 0.1)
}

func TestDisconnectMarksEntity(t *testing.T) {
	core := &fakeCore{}
	_, _, dial := newGatewayFixture(t, core)

	client := dial()
	client.hello(t, "c1", "consumer")
	require.NoError(t, client.conn.Close())

	require.Eventually(t, func() bool {
		core.mu.Lock()
		defer core.mu.Unlock()
		return len(core.disconnected) == 1 && core.disconnected[0] == "c1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOverlappingReconnectKeepsEntityConnected(t *testing.T) {
	core := &fakeCore{}
	_, d, dial := newGatewayFixture(t, core)

	stale := dial()
	stale.hello(t, "c1", "consumer")

	// The replacement connects while the old socket is still open.
	fresh := dial()
	fresh.hello(t, "c1", "consumer")

	require.NoError(t, stale.conn.Close())

	// The zombie session's teardown must not flip the live entity to
	// disconnected: the fresh session owns the binding now.
	time.Sleep(100 * time.Millisecond)
	core.mu.Lock()
	assert.Empty(t, core.disconnected)
	core.mu.Unlock()

	// And delivery still reaches the replacement.
	d.Dispatch(model.NotificationEvent{
		ID: model.NewEventID(), Kind: model.EventVendorNearby, ConsumerID: "c1", VendorID: "v1",
		Payload: model.VendorNearbyPayload{VendorID: "v1", Timestamp: time.Now().UTC()},
	})
	f := fresh.read(t)
	assert.Equal(t, string(model.EventVendorNearby), f.Type)
}

func TestRepeatedHelloRefreshesProfileOnly(t *testing.T) {
	core := &fakeCore{}
	_, _, dial := newGatewayFixture(t, core)

	client := dial()
	client.hello(t, "v1", "vendor")

	client.send(t, "hello", helloPayload{EntityID: "v1", Role: "vendor", DisplayName: "Renamed Stand"})
	f := client.read(t)
	require.Equal(t, "hello-ack", f.Type)

	core.mu.Lock()
	assert.Equal(t, []string{"v1", "v1"}, core.registered)
	core.mu.Unlock()

	// Switching identity on a live connection is refused.
	client.send(t, "hello", helloPayload{EntityID: "v2", Role: "vendor"})
	f = client.read(t)
	require.Equal(t, string(model.EventUpdateConfirmation), f.Type)
	var conf model.UpdateConfirmation
	require.NoError(t, json.Unmarshal(f.Payload, &conf))
	assert.False(t, conf.Accepted)
	assert.Equal(t, model.RejectUnauthenticated, conf.Reason)
}

func TestReconnectResumesSameEntity(t *testing.T) {
	core := &fakeCore{}
	_, d, dial := newGatewayFixture(t, core)

	first := dial()
	first.hello(t, "c1", "consumer")
	require.NoError(t, first.conn.Close())

	require.Eventually(t, func() bool {
		core.mu.Lock()
		defer core.mu.Unlock()
		return len(core.disconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	second := dial()
	second.hello(t, "c1", "consumer")

	d.Dispatch(model.NotificationEvent{
		ID: model.NewEventID(), Kind: model.EventVendorDeparted, ConsumerID: "c1", VendorID: "v1",
		Payload: model.VendorDepartedPayload{VendorID: "v1", Timestamp: time.Now().UTC()},
	})

	f := second.read(t)
	assert.Equal(t, string(model.EventVendorDeparted), f.Type)
}
