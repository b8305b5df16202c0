package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmfinder/go-proximity-server/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "proximity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestVendorProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	profile := model.VendorProfile{
		VendorID:    "v1",
		DisplayName: "Rose Farm Stand",
		Products:    []string{"tomatoes", "basil"},
	}
	require.NoError(t, s.UpsertVendorProfile(ctx, profile))

	got, ok, err := s.VendorProfile(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Rose Farm Stand", got.DisplayName)
	assert.Equal(t, []string{"tomatoes", "basil"}, got.Products)
	assert.False(t, got.UpdatedAt.IsZero())

	// Upsert replaces.
	profile.Products = []string{"eggs"}
	require.NoError(t, s.UpsertVendorProfile(ctx, profile))
	got, _, err = s.VendorProfile(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"eggs"}, got.Products)

	_, ok, err = s.VendorProfile(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVendorProfilesListsAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertVendorProfile(ctx, model.VendorProfile{VendorID: "b", DisplayName: "B"}))
	require.NoError(t, s.UpsertVendorProfile(ctx, model.VendorProfile{VendorID: "a", DisplayName: "A"}))

	profiles, err := s.VendorProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "a", profiles[0].VendorID)
}

func TestRejectedUpdateJournal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertRejectedUpdate(ctx, model.RejectedUpdate{
			EntityID: "v1", Reason: "stale", Payload: `{"latitude":1}`,
		}))
	}

	entries, err := s.RecentRejectedUpdates(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "stale", entries[0].Reason)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestAppConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAppConfig(ctx, "enter_radius_m", "450"))
	require.NoError(t, s.UpsertAppConfig(ctx, "enter_radius_m", "480"))

	cfg, err := s.AppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "480", cfg["enter_radius_m"])
}
