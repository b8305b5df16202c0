// Package proximity decides, per (consumer, vendor) pair, whether a nearby or
// departed notification is warranted. Two radii plus a grace timer debounce
// GPS jitter at the boundary: a pair turns NEAR at the enter radius, and only
// commits to departure after staying beyond the larger exit radius for the
// whole grace period.
package proximity

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"farmfinder/go-proximity-server/internal/geo"
	"farmfinder/go-proximity-server/internal/model"
)

const pairShardCount = 16

// EntityView is the read-only registry surface the engine evaluates against.
type EntityView interface {
	Get(id string) (model.Entity, bool)
	QueryVendors(lat, lon, radiusM float64) []geo.Match
	QueryConsumers(lat, lon, radiusM float64) []geo.Match
}

// Publisher receives the events the engine emits. Implementations must not
// block; the dispatcher queues per connection and drops on overflow.
type Publisher interface {
	Dispatch(event model.NotificationEvent)
}

// Options carries the engine tuning.
type Options struct {
	EnterRadiusM   float64
	ExitRadiusM    float64
	DepartureGrace time.Duration
}

type pair struct {
	status           model.PairStatus
	distanceM        float64
	lastTransitionAt time.Time
	lastNotifiedAt   time.Time
}

type pairShard struct {
	mu sync.Mutex
	// consumerID -> vendorID -> pair state
	pairs map[string]map[string]*pair
}

// Stats counts emitted events, exposed on the admin surface.
type Stats struct {
	NearbyEmitted   int64 `json:"nearby_emitted"`
	DepartedEmitted int64 `json:"departed_emitted"`
	TrackingEmitted int64 `json:"tracking_emitted"`
	ActivePairs     int64 `json:"active_pairs"`
	PendingTimers   int64 `json:"pending_timers"`
}

// Engine owns all ProximityPair state. Pairs are sharded by consumer id; a
// vendor movement visits each affected consumer shard in turn, never the
// whole table.
type Engine struct {
	logger *slog.Logger
	opts   Options
	view   EntityView
	bus    Publisher

	shards [pairShardCount]*pairShard

	// vendor -> consumers with a live pair, for vendor-side re-evaluation
	// and eviction teardown.
	revMu    sync.Mutex
	byVendor map[string]map[string]struct{}

	timers *timerArena

	nearbyCount   atomic.Int64
	departedCount atomic.Int64
	trackingCount atomic.Int64
	pairCount     atomic.Int64
}

// NewEngine constructs an engine evaluating against the given view.
func NewEngine(logger *slog.Logger, view EntityView, bus Publisher, opts Options) *Engine {
	e := &Engine{
		logger:   logger,
		opts:     opts,
		view:     view,
		bus:      bus,
		byVendor: make(map[string]map[string]struct{}),
		timers:   newTimerArena(),
	}
	for i := range e.shards {
		e.shards[i] = &pairShard{pairs: make(map[string]map[string]*pair)}
	}
	return e
}

// Stop cancels every pending grace timer.
func (e *Engine) Stop() {
	e.timers.stopAll()
}

// Stats returns a snapshot of the emission counters.
func (e *Engine) Stats() Stats {
	return Stats{
		NearbyEmitted:   e.nearbyCount.Load(),
		DepartedEmitted: e.departedCount.Load(),
		TrackingEmitted: e.trackingCount.Load(),
		ActivePairs:     e.pairCount.Load(),
		PendingTimers:   int64(e.timers.pending()),
	}
}

func (e *Engine) shardFor(consumerID string) *pairShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(consumerID))
	return e.shards[h.Sum32()%pairShardCount]
}

// EntityMoved re-evaluates the pairs affected by one accepted location update.
// It is called on the entity's serialized update path, so evaluations for a
// single entity arrive in apply order.
func (e *Engine) EntityMoved(entity model.Entity) {
	switch entity.Role {
	case model.RoleConsumer:
		e.consumerMoved(entity)
	case model.RoleVendor:
		e.vendorMoved(entity)
	}
}

func (e *Engine) consumerMoved(c model.Entity) {
	now := time.Now().UTC()
	matches := e.view.QueryVendors(c.Position.Latitude, c.Position.Longitude, e.opts.ExitRadiusM)

	s := e.shardFor(c.ID)
	s.mu.Lock()

	inRange := make(map[string]float64, len(matches))
	for _, m := range matches {
		inRange[m.ID] = m.DistanceM
	}

	var events []model.NotificationEvent
	for vendorID, dist := range inRange {
		p := e.ensurePairLocked(s, c.ID, vendorID)
		events = append(events, e.evaluateLocked(c.ID, vendorID, p, dist, now)...)
	}

	// Pairs whose vendor fell outside the query radius still need the exit
	// side of the state machine to run.
	for vendorID, p := range s.pairs[c.ID] {
		if _, ok := inRange[vendorID]; ok {
			continue
		}
		v, ok := e.view.Get(vendorID)
		if !ok || v.Position.Zero() {
			continue
		}
		dist := geo.DistanceM(c.Position.Latitude, c.Position.Longitude, v.Position.Latitude, v.Position.Longitude)
		events = append(events, e.evaluateLocked(c.ID, vendorID, p, dist, now)...)
	}
	s.mu.Unlock()

	e.publish(events)
}

func (e *Engine) vendorMoved(v model.Entity) {
	now := time.Now().UTC()
	matches := e.view.QueryConsumers(v.Position.Latitude, v.Position.Longitude, e.opts.ExitRadiusM)

	inRange := make(map[string]float64, len(matches))
	for _, m := range matches {
		inRange[m.ID] = m.DistanceM
	}

	// Consumers that already track this vendor but are now out of query range.
	e.revMu.Lock()
	for consumerID := range e.byVendor[v.ID] {
		if _, ok := inRange[consumerID]; ok {
			continue
		}
		if c, ok := e.view.Get(consumerID); ok && !c.Position.Zero() {
			inRange[consumerID] = geo.DistanceM(
				v.Position.Latitude, v.Position.Longitude,
				c.Position.Latitude, c.Position.Longitude)
		}
	}
	e.revMu.Unlock()

	var events []model.NotificationEvent
	for consumerID, dist := range inRange {
		s := e.shardFor(consumerID)
		s.mu.Lock()
		p := e.ensurePairLocked(s, consumerID, v.ID)
		evs := e.evaluateLocked(consumerID, v.ID, p, dist, now)
		transitioned := len(evs) > 0
		events = append(events, evs...)

		// Live marker tracking for consumers already watching this vendor.
		if p.status == model.PairNear && !transitioned {
			events = append(events, e.trackingEvent(consumerID, v, dist, now))
		}
		s.mu.Unlock()
	}

	e.publish(events)
}

// ensurePairLocked creates the FAR pair on first sight of a vendor inside the
// outer radius. Caller holds the consumer's shard lock.
func (e *Engine) ensurePairLocked(s *pairShard, consumerID, vendorID string) *pair {
	byVendor, ok := s.pairs[consumerID]
	if !ok {
		byVendor = make(map[string]*pair)
		s.pairs[consumerID] = byVendor
	}
	p, ok := byVendor[vendorID]
	if !ok {
		p = &pair{status: model.PairFar}
		byVendor[vendorID] = p
		e.pairCount.Add(1)

		e.revMu.Lock()
		set, ok := e.byVendor[vendorID]
		if !ok {
			set = make(map[string]struct{})
			e.byVendor[vendorID] = set
		}
		set[consumerID] = struct{}{}
		e.revMu.Unlock()
	}
	return p
}

// evaluateLocked runs one transition step. Caller holds the consumer's shard
// lock; returned events are published after release.
func (e *Engine) evaluateLocked(consumerID, vendorID string, p *pair, dist float64, now time.Time) []model.NotificationEvent {
	p.distanceM = dist
	key := timerKey{consumerID: consumerID, vendorID: vendorID}

	switch p.status {
	case model.PairFar:
		if dist <= e.opts.EnterRadiusM {
			p.status = model.PairNear
			p.lastTransitionAt = now
			p.lastNotifiedAt = now
			e.timers.cancel(key)
			return []model.NotificationEvent{e.nearbyEvent(consumerID, vendorID, dist, now)}
		}
		if dist > e.opts.ExitRadiusM {
			// Left the outer radius: forget the pair once the grace elapses.
			e.timers.scheduleIfAbsent(key, e.opts.DepartureGrace, func() { e.onTimerFired(consumerID, vendorID) })
		} else {
			e.timers.cancel(key)
		}

	case model.PairNear:
		if dist > e.opts.ExitRadiusM {
			p.status = model.PairDepartedPending
			p.lastTransitionAt = now
			e.timers.schedule(key, e.opts.DepartureGrace, func() { e.onTimerFired(consumerID, vendorID) })
		}

	case model.PairDepartedPending:
		if dist <= e.opts.EnterRadiusM {
			// Same NEAR episode resumes; no new notification.
			p.status = model.PairNear
			p.lastTransitionAt = now
			e.timers.cancel(key)
		}
	}
	return nil
}

// onTimerFired handles grace expiry for both DEPARTED_PENDING commits and
// FAR-pair pruning, distinguished by the pair's current status.
func (e *Engine) onTimerFired(consumerID, vendorID string) {
	now := time.Now().UTC()
	s := e.shardFor(consumerID)

	s.mu.Lock()
	p, ok := s.pairs[consumerID][vendorID]
	if !ok {
		s.mu.Unlock()
		return
	}

	var events []model.NotificationEvent
	switch p.status {
	case model.PairDepartedPending:
		if p.distanceM > e.opts.ExitRadiusM {
			p.status = model.PairFar
			p.lastTransitionAt = now
			events = append(events, e.departedEvent(consumerID, vendorID, now))
			// Beyond the outer radius with no timer left: arm the prune.
			e.timers.scheduleIfAbsent(timerKey{consumerID: consumerID, vendorID: vendorID},
				e.opts.DepartureGrace, func() { e.onTimerFired(consumerID, vendorID) })
		} else {
			// Wandered back inside the hysteresis band before expiry; treat
			// as a continuation of the NEAR episode.
			p.status = model.PairNear
			p.lastTransitionAt = now
		}
	case model.PairFar:
		if p.distanceM > e.opts.ExitRadiusM {
			e.removePairLocked(s, consumerID, vendorID)
		}
	}
	s.mu.Unlock()

	e.publish(events)
}

// TeardownEntity removes every pair referencing the entity. Eviction is an
// abrupt teardown: no departed event is emitted, but NEAR consumers of an
// evicted vendor get a final inactive tracking event so UIs drop the marker.
func (e *Engine) TeardownEntity(id string, role model.Role) {
	now := time.Now().UTC()
	var events []model.NotificationEvent

	switch role {
	case model.RoleConsumer:
		s := e.shardFor(id)
		s.mu.Lock()
		for vendorID := range s.pairs[id] {
			e.removePairLocked(s, id, vendorID)
		}
		delete(s.pairs, id)
		s.mu.Unlock()

	case model.RoleVendor:
		e.revMu.Lock()
		consumers := make([]string, 0, len(e.byVendor[id]))
		for consumerID := range e.byVendor[id] {
			consumers = append(consumers, consumerID)
		}
		e.revMu.Unlock()

		for _, consumerID := range consumers {
			s := e.shardFor(consumerID)
			s.mu.Lock()
			if p, ok := s.pairs[consumerID][id]; ok {
				if p.status == model.PairNear || p.status == model.PairDepartedPending {
					events = append(events, e.inactiveEvent(consumerID, id, p.distanceM, now))
				}
				e.removePairLocked(s, consumerID, id)
			}
			s.mu.Unlock()
		}
	}

	e.publish(events)
}

// removePairLocked deletes pair state, its timer, and the reverse-index entry.
// Caller holds the consumer's shard lock.
func (e *Engine) removePairLocked(s *pairShard, consumerID, vendorID string) {
	if _, ok := s.pairs[consumerID][vendorID]; !ok {
		return
	}
	delete(s.pairs[consumerID], vendorID)
	if len(s.pairs[consumerID]) == 0 {
		delete(s.pairs, consumerID)
	}
	e.pairCount.Add(-1)
	e.timers.cancel(timerKey{consumerID: consumerID, vendorID: vendorID})

	e.revMu.Lock()
	if set, ok := e.byVendor[vendorID]; ok {
		delete(set, consumerID)
		if len(set) == 0 {
			delete(e.byVendor, vendorID)
		}
	}
	e.revMu.Unlock()
}

// PairStatus reports the current status of a pair, for tests and the admin
// surface. The second return is false when no pair exists.
func (e *Engine) PairStatus(consumerID, vendorID string) (model.PairStatus, bool) {
	s := e.shardFor(consumerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[consumerID][vendorID]
	if !ok {
		return "", false
	}
	return p.status, true
}

func (e *Engine) publish(events []model.NotificationEvent) {
	for _, ev := range events {
		e.bus.Dispatch(ev)
	}
}

func (e *Engine) nearbyEvent(consumerID, vendorID string, dist float64, now time.Time) model.NotificationEvent {
	payload := model.VendorNearbyPayload{
		VendorID:  vendorID,
		DistanceM: dist,
		Timestamp: now,
	}
	if v, ok := e.view.Get(vendorID); ok {
		payload.VendorName = v.DisplayName
		payload.Products = v.ActiveProducts
	}
	e.nearbyCount.Add(1)
	e.logger.Debug("vendor nearby", "consumer", consumerID, "vendor", vendorID, "distance_m", dist)
	return model.NotificationEvent{
		ID:         model.NewEventID(),
		Kind:       model.EventVendorNearby,
		ConsumerID: consumerID,
		VendorID:   vendorID,
		Payload:    payload,
		EmittedAt:  now,
	}
}

func (e *Engine) departedEvent(consumerID, vendorID string, now time.Time) model.NotificationEvent {
	e.departedCount.Add(1)
	e.logger.Debug("vendor departed", "consumer", consumerID, "vendor", vendorID)
	return model.NotificationEvent{
		ID:         model.NewEventID(),
		Kind:       model.EventVendorDeparted,
		ConsumerID: consumerID,
		VendorID:   vendorID,
		Payload:    model.VendorDepartedPayload{VendorID: vendorID, Timestamp: now},
		EmittedAt:  now,
	}
}

func (e *Engine) trackingEvent(consumerID string, v model.Entity, dist float64, now time.Time) model.NotificationEvent {
	e.trackingCount.Add(1)
	return model.NotificationEvent{
		ID:         model.NewEventID(),
		Kind:       model.EventVendorLocation,
		ConsumerID: consumerID,
		VendorID:   v.ID,
		Payload: model.VendorLocationPayload{
			VendorID: v.ID,
			Coordinates: model.Coordinates{
				Latitude:  v.Position.Latitude,
				Longitude: v.Position.Longitude,
			},
			DistanceM: dist,
			IsActive:  true,
			Timestamp: now,
		},
		EmittedAt: now,
	}
}

func (e *Engine) inactiveEvent(consumerID, vendorID string, dist float64, now time.Time) model.NotificationEvent {
	e.trackingCount.Add(1)
	return model.NotificationEvent{
		ID:         model.NewEventID(),
		Kind:       model.EventVendorLocation,
		ConsumerID: consumerID,
		VendorID:   vendorID,
		Payload: model.VendorLocationPayload{
			VendorID:  vendorID,
			DistanceM: dist,
			IsActive:  false,
			Timestamp: now,
		},
		EmittedAt: now,
	}
}
