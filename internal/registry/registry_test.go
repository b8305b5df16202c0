package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmfinder/go-proximity-server/internal/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		StalenessCeiling: 5 * time.Minute,
		EvictionGrace:    2 * time.Minute,
		MaxUpdateRateHz:  0, // disabled unless a test opts in
		IndexCellSizeM:   600,
	})
}

func update(id string, lat, lon float64, capturedAt time.Time) model.LocationUpdate {
	return model.LocationUpdate{
		EntityID:   id,
		Latitude:   lat,
		Longitude:  lon,
		AccuracyM:  5,
		CapturedAt: capturedAt,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestRegisterRejectsRoleSwitch(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("v1", model.RoleVendor, "Rose Farm", []string{"tomatoes"})
	require.NoError(t, err)

	_, err = r.Register("v1", model.RoleConsumer, "", nil)
	assert.Error(t, err)
}

func TestUpsertLocationValidation(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("v1", model.RoleVendor, "Rose Farm", nil)
	require.NoError(t, err)

	res := r.UpsertLocation(model.RoleVendor, update("v1", 91, 0, time.Now()))
	assert.False(t, res.Accepted)
	assert.Equal(t, model.RejectInvalidCoordinates, res.Reason)

	res = r.UpsertLocation(model.RoleVendor, update("nobody", 0, 0, time.Now()))
	assert.Equal(t, model.RejectUnknownEntity, res.Reason)

	// Role mismatch against the registered record.
	res = r.UpsertLocation(model.RoleConsumer, update("v1", 0, 0, time.Now()))
	assert.Equal(t, model.RejectUnknownEntity, res.Reason)

	res = r.UpsertLocation(model.RoleVendor, update("v1", 52.5, 13.4, time.Now()))
	require.True(t, res.Accepted)
	assert.Equal(t, 52.5, res.Entity.Position.Latitude)
}

func TestOutOfOrderUpdateRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("v1", model.RoleVendor, "", nil)
	require.NoError(t, err)

	t10 := time.Now().UTC()
	t8 := t10.Add(-2 * time.Second)

	res := r.UpsertLocation(model.RoleVendor, update("v1", 10, 10, t10))
	require.True(t, res.Accepted)

	res = r.UpsertLocation(model.RoleVendor, update("v1", 20, 20, t8))
	assert.False(t, res.Accepted)
	assert.Equal(t, model.RejectStale, res.Reason)

	// Position and index must be untouched by the rejected update.
	e, ok := r.Get("v1")
	require.True(t, ok)
	assert.Equal(t, 10.0, e.Position.Latitude)
	assert.Len(t, r.QueryVendors(10, 10, 100), 1)
	assert.Empty(t, r.QueryVendors(20, 20, 100))
}

func TestSkewedClockEscapesLockout(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("v1", model.RoleVendor, "", nil)
	require.NoError(t, err)

	// A capture timestamp far in the future, e.g. a device clock jump.
	future := time.Now().UTC().Add(time.Hour)
	res := r.UpsertLocation(model.RoleVendor, update("v1", 10, 10, future))
	require.True(t, res.Accepted)

	// A sane update is older than the recorded capture by more than the
	// staleness ceiling: the newer wall-clock reading must win.
	res = r.UpsertLocation(model.RoleVendor, update("v1", 11, 11, time.Now().UTC()))
	assert.True(t, res.Accepted)

	e, _ := r.Get("v1")
	assert.Equal(t, 11.0, e.Position.Latitude)
}

func TestRateCapDropsExcessUpdates(t *testing.T) {
	r := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		StalenessCeiling: 5 * time.Minute,
		EvictionGrace:    2 * time.Minute,
		MaxUpdateRateHz:  1,
		IndexCellSizeM:   600,
	})
	_, err := r.Register("v1", model.RoleVendor, "", nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	first := model.LocationUpdate{EntityID: "v1", Latitude: 1, Longitude: 1, CapturedAt: now, ReceivedAt: now}
	require.True(t, r.UpsertLocation(model.RoleVendor, first).Accepted)

	burst := model.LocationUpdate{EntityID: "v1", Latitude: 2, Longitude: 2, CapturedAt: now.Add(100 * time.Millisecond), ReceivedAt: now.Add(100 * time.Millisecond)}
	res := r.UpsertLocation(model.RoleVendor, burst)
	assert.False(t, res.Accepted)
	assert.Equal(t, model.RejectRateLimited, res.Reason)

	later := model.LocationUpdate{EntityID: "v1", Latitude: 3, Longitude: 3, CapturedAt: now.Add(1100 * time.Millisecond), ReceivedAt: now.Add(1100 * time.Millisecond)}
	assert.True(t, r.UpsertLocation(model.RoleVendor, later).Accepted)
}

func TestEvictionSweepHonorsGrace(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("v1", model.RoleVendor, "", nil)
	require.NoError(t, err)
	require.True(t, r.UpsertLocation(model.RoleVendor, update("v1", 5, 5, time.Now())).Accepted)

	var evicted []string
	r.SetEvictHook(func(id string, role model.Role) {
		evicted = append(evicted, id)
		assert.Equal(t, model.RoleVendor, role)
	})

	// Connected entities never expire.
	r.sweep(time.Now().UTC().Add(time.Hour))
	assert.Empty(t, evicted)

	r.MarkDisconnected("v1")
	r.sweep(time.Now().UTC().Add(time.Minute))
	assert.Empty(t, evicted, "still inside the grace period")

	r.sweep(time.Now().UTC().Add(3 * time.Minute))
	require.Equal(t, []string{"v1"}, evicted)

	_, ok := r.Get("v1")
	assert.False(t, ok)
	assert.Empty(t, r.QueryVendors(5, 5, 1000))
}

func TestReconnectWithinGraceKeepsEntity(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("c1", model.RoleConsumer, "", nil)
	require.NoError(t, err)
	require.True(t, r.UpsertLocation(model.RoleConsumer, update("c1", 1, 1, time.Now())).Accepted)

	r.MarkDisconnected("c1")
	r.MarkConnected("c1")

	r.sweep(time.Now().UTC().Add(3 * time.Minute))
	e, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, model.StatusConnected, e.Status)
	assert.Len(t, r.QueryConsumers(1, 1, 100), 1)
}

func TestSnapshotListsAllRoles(t *testing.T) {
	r := newTestRegistry(t)
	_, _ = r.Register("v1", model.RoleVendor, "", nil)
	_, _ = r.Register("c1", model.RoleConsumer, "", nil)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
}
