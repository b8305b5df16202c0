package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"farmfinder/go-proximity-server/internal/model"
)

// RosterSource tags where a simulation roster came from, so callers and tests
// can tell degraded mode from the real thing instead of a silent fallback.
type RosterSource string

const (
	RosterLive     RosterSource = "live"
	RosterFallback RosterSource = "fallback"
)

// RosterResult is the tagged outcome of loading the demo vendor roster.
type RosterResult struct {
	Source  RosterSource          `json:"source"`
	Reason  string                `json:"reason,omitempty"`
	Vendors []model.VendorProfile `json:"vendors"`
}

// ProfileLister is the store surface the roster loader needs.
type ProfileLister interface {
	VendorProfiles(ctx context.Context) ([]model.VendorProfile, error)
}

// mockRoster keeps demos alive when the profile store is empty or down.
var mockRoster = []model.VendorProfile{
	{VendorID: "sim-rose-farm", DisplayName: "Rose Farm Stand", Products: []string{"tomatoes", "basil", "eggs"}},
	{VendorID: "sim-oak-dairy", DisplayName: "Oak Hollow Dairy", Products: []string{"milk", "cheese"}},
	{VendorID: "sim-beeline", DisplayName: "Beeline Honey Cart", Products: []string{"honey", "beeswax"}},
}

// LoadRoster returns the persisted vendor roster, or the built-in mock roster
// when the store fails or is empty. Degrade, don't crash: this path feeds a
// demo UI, not commerce logic.
func LoadRoster(ctx context.Context, store ProfileLister) RosterResult {
	if store == nil {
		return RosterResult{Source: RosterFallback, Reason: "no profile store configured", Vendors: mockRoster}
	}
	profiles, err := store.VendorProfiles(ctx)
	if err != nil {
		return RosterResult{Source: RosterFallback, Reason: fmt.Sprintf("profile store: %v", err), Vendors: mockRoster}
	}
	if len(profiles) == 0 {
		return RosterResult{Source: RosterFallback, Reason: "profile store empty", Vendors: mockRoster}
	}
	return RosterResult{Source: RosterLive, Vendors: profiles}
}

// HarnessOptions tunes the synthetic vendor walk.
type HarnessOptions struct {
	TickInterval time.Duration
	StepMeters   float64
}

// Harness synthesizes moving vendors through the same engine core the real
// feed uses. Each vendor is one goroutine cancelled through its own context.
type Harness struct {
	logger *slog.Logger
	core   Core
	opts   HarnessOptions

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewHarness constructs an idle harness.
func NewHarness(logger *slog.Logger, core Core, opts HarnessOptions) *Harness {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.StepMeters <= 0 {
		opts.StepMeters = 25
	}
	return &Harness{
		logger:  logger,
		core:    core,
		opts:    opts,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start registers the simulated vendor and begins its random walk from the
// initial position. Starting an already running vendor id is an error.
func (h *Harness) Start(profile model.VendorProfile, initial model.Coordinates) error {
	if profile.VendorID == "" {
		return fmt.Errorf("simulated vendor needs an id")
	}

	if _, err := h.core.Register(profile.VendorID, model.RoleVendor, profile.DisplayName, profile.Products); err != nil {
		return fmt.Errorf("register simulated vendor: %w", err)
	}

	h.mu.Lock()
	if _, running := h.cancels[profile.VendorID]; running {
		h.mu.Unlock()
		return fmt.Errorf("vendor %s already simulated", profile.VendorID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancels[profile.VendorID] = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.walk(ctx, profile.VendorID, initial)
	}()

	h.logger.Info("simulated vendor started", "vendor", profile.VendorID,
		"lat", initial.Latitude, "lon", initial.Longitude)
	return nil
}

// StopOne cancels a single simulated vendor. Unknown ids are a no-op.
func (h *Harness) StopOne(vendorID string) {
	h.mu.Lock()
	cancel, ok := h.cancels[vendorID]
	if ok {
		delete(h.cancels, vendorID)
	}
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every simulated vendor and waits for the walkers to exit.
func (h *Harness) StopAll() {
	h.mu.Lock()
	for id, cancel := range h.cancels {
		cancel()
		delete(h.cancels, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Active lists the vendor ids currently being simulated.
func (h *Harness) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.cancels))
	for id := range h.cancels {
		out = append(out, id)
	}
	return out
}

func (h *Harness) walk(ctx context.Context, vendorID string, at model.Coordinates) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(vendorID))))
	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()

	tick := func() {
		// Random step of up to StepMeters in each axis.
		stepDeg := h.opts.StepMeters / 111320.0
		at.Latitude += (rng.Float64()*2 - 1) * stepDeg
		at.Longitude += (rng.Float64()*2 - 1) * stepDeg

		now := time.Now().UTC()
		res := h.core.ApplyUpdate(model.RoleVendor, model.LocationUpdate{
			EntityID:   vendorID,
			Latitude:   at.Latitude,
			Longitude:  at.Longitude,
			AccuracyM:  5 + rng.Float64()*10,
			CapturedAt: now,
			ReceivedAt: now,
		})
		if !res.Accepted && res.Reason != model.RejectRateLimited {
			h.logger.Warn("simulated tick rejected", "vendor", vendorID, "reason", res.Reason)
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			h.core.MarkDisconnected(vendorID)
			return
		case <-ticker.C:
			tick()
		}
	}
}
