// Package registry is the single source of truth for which entities are
// currently active and where they were last seen.
package registry

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"farmfinder/go-proximity-server/internal/geo"
	"farmfinder/go-proximity-server/internal/model"
)

const shardCount = 64

// EvictHook is invoked after an entity has been removed, outside any shard
// lock, so the proximity layer can tear down pairs referencing it.
type EvictHook func(entityID string, role model.Role)

type record struct {
	entity         model.Entity
	lastAcceptedAt time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Registry tracks live entities. Updates for one entity are serialized by its
// shard lock; different entities proceed in parallel. Accepted vendor and
// consumer positions are mirrored into the respective geo indexes.
type Registry struct {
	logger           *slog.Logger
	stalenessCeiling time.Duration
	evictionGrace    time.Duration
	minUpdateGap     time.Duration

	shards [shardCount]*shard

	vendors   *geo.Index
	consumers *geo.Index

	hookMu    sync.RWMutex
	evictHook EvictHook

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Options carries registry tuning derived from the engine config.
type Options struct {
	StalenessCeiling time.Duration
	EvictionGrace    time.Duration
	MaxUpdateRateHz  float64
	IndexCellSizeM   float64
}

// New constructs an empty registry.
func New(logger *slog.Logger, opts Options) *Registry {
	minGap := time.Duration(0)
	if opts.MaxUpdateRateHz > 0 {
		minGap = time.Duration(float64(time.Second) / opts.MaxUpdateRateHz)
	}

	r := &Registry{
		logger:           logger,
		stalenessCeiling: opts.StalenessCeiling,
		evictionGrace:    opts.EvictionGrace,
		minUpdateGap:     minGap,
		vendors:          geo.NewIndex(opts.IndexCellSizeM),
		consumers:        geo.NewIndex(opts.IndexCellSizeM),
		stopCh:           make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*record)}
	}
	return r
}

// SetEvictHook installs the teardown callback. Must be set before traffic.
func (r *Registry) SetEvictHook(h EvictHook) {
	r.hookMu.Lock()
	r.evictHook = h
	r.hookMu.Unlock()
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register creates or refreshes an entity at connection handshake and marks it
// connected. A role conflicting with an existing record is rejected.
func (r *Registry) Register(id string, role model.Role, displayName string, products []string) (model.Entity, error) {
	if id == "" {
		return model.Entity{}, fmt.Errorf("empty entity id")
	}
	if !role.Valid() {
		return model.Entity{}, fmt.Errorf("invalid role %q", role)
	}

	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		rec = &record{entity: model.Entity{ID: id, Role: role}}
		s.records[id] = rec
	} else if rec.entity.Role != role {
		return model.Entity{}, fmt.Errorf("entity %s already registered as %s", id, rec.entity.Role)
	}

	if displayName != "" {
		rec.entity.DisplayName = displayName
	}
	if role == model.RoleVendor && products != nil {
		rec.entity.ActiveProducts = products
	}
	rec.entity.Status = model.StatusConnected
	rec.entity.LastSeenAt = time.Now().UTC()
	return rec.entity, nil
}

// UpsertLocation validates and applies a location update. On acceptance the
// matching geo index is updated before the shard lock is released, so index
// order matches apply order for any single entity.
func (r *Registry) UpsertLocation(role model.Role, u model.LocationUpdate) model.UpdateResult {
	if u.Latitude < -90 || u.Latitude > 90 || u.Longitude < -180 || u.Longitude > 180 {
		return model.UpdateResult{Reason: model.RejectInvalidCoordinates}
	}
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = time.Now().UTC()
	}
	if u.CapturedAt.IsZero() {
		u.CapturedAt = u.ReceivedAt
	}

	s := r.shardFor(u.EntityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[u.EntityID]
	if !ok {
		return model.UpdateResult{Reason: model.RejectUnknownEntity}
	}
	if rec.entity.Role != role {
		return model.UpdateResult{Reason: model.RejectUnknownEntity}
	}

	if r.minUpdateGap > 0 && !rec.lastAcceptedAt.IsZero() {
		if u.ReceivedAt.Sub(rec.lastAcceptedAt) < r.minUpdateGap {
			return model.UpdateResult{Reason: model.RejectRateLimited}
		}
	}

	if !rec.entity.Position.Zero() && u.CapturedAt.Before(rec.entity.Position.CapturedAt) {
		// Out-of-order rejection, with an escape hatch: when the recorded
		// capture time is ahead by more than the staleness ceiling the client
		// clock likely jumped, and the newer wall-clock reading wins.
		gap := rec.entity.Position.CapturedAt.Sub(u.CapturedAt)
		if gap <= r.stalenessCeiling {
			return model.UpdateResult{Reason: model.RejectStale}
		}
		r.logger.Warn("accepting update past staleness ceiling",
			"entity", u.EntityID, "gap", gap)
	}

	rec.entity.Position = model.Position{
		Latitude:   u.Latitude,
		Longitude:  u.Longitude,
		AccuracyM:  u.AccuracyM,
		CapturedAt: u.CapturedAt,
	}
	rec.entity.LastSeenAt = u.ReceivedAt
	rec.lastAcceptedAt = u.ReceivedAt

	switch rec.entity.Role {
	case model.RoleVendor:
		r.vendors.Upsert(rec.entity.ID, rec.entity.Position)
	case model.RoleConsumer:
		r.consumers.Upsert(rec.entity.ID, rec.entity.Position)
	}

	return model.UpdateResult{Accepted: true, Entity: rec.entity}
}

// MarkConnected flags a live session for the entity. A reconnect within the
// eviction grace period lands here and is invisible to the proximity layer.
func (r *Registry) MarkConnected(id string) {
	r.setStatus(id, model.StatusConnected)
}

// MarkDisconnected starts the inactivity clock; the entity survives until the
// eviction sweep finds it past the grace period.
func (r *Registry) MarkDisconnected(id string) {
	r.setStatus(id, model.StatusDisconnected)
}

// MarkReconnecting flags a session the gateway considers lapsed but not gone.
func (r *Registry) MarkReconnecting(id string) {
	r.setStatus(id, model.StatusReconnecting)
}

func (r *Registry) setStatus(id string, status model.ConnectionStatus) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.entity.Status = status
	if status == model.StatusConnected {
		rec.entity.LastSeenAt = time.Now().UTC()
	}
}

// Get returns a snapshot of the entity record.
func (r *Registry) Get(id string) (model.Entity, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return model.Entity{}, false
	}
	return rec.entity, true
}

// Snapshot returns a copy of every live entity, for the admin surface.
func (r *Registry) Snapshot() []model.Entity {
	var out []model.Entity
	for _, s := range r.shards {
		s.mu.Lock()
		for _, rec := range s.records {
			out = append(out, rec.entity)
		}
		s.mu.Unlock()
	}
	return out
}

// Evict removes the entity, drops it from its geo index, and fires the evict
// hook so pair state referencing it is torn down.
func (r *Registry) Evict(id string) {
	s := r.shardFor(id)
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	role := rec.entity.Role
	delete(s.records, id)
	s.mu.Unlock()

	switch role {
	case model.RoleVendor:
		r.vendors.Remove(id)
	case model.RoleConsumer:
		r.consumers.Remove(id)
	}

	r.logger.Info("entity evicted", "entity", id, "role", role)

	r.hookMu.RLock()
	hook := r.evictHook
	r.hookMu.RUnlock()
	if hook != nil {
		hook(id, role)
	}
}

// QueryVendors returns vendors within radiusM of the point, nearest first.
func (r *Registry) QueryVendors(lat, lon, radiusM float64) []geo.Match {
	return r.vendors.Query(lat, lon, radiusM)
}

// QueryConsumers returns consumers within radiusM of the point, nearest first.
func (r *Registry) QueryConsumers(lat, lon, radiusM float64) []geo.Match {
	return r.consumers.Query(lat, lon, radiusM)
}

// StartSweeper begins the background eviction loop.
func (r *Registry) StartSweeper(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep(time.Now().UTC())
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) sweep(now time.Time) {
	var expired []string
	for _, s := range r.shards {
		s.mu.Lock()
		for id, rec := range s.records {
			if rec.entity.Status == model.StatusConnected {
				continue
			}
			if now.Sub(rec.entity.LastSeenAt) > r.evictionGrace {
				expired = append(expired, id)
			}
		}
		s.mu.Unlock()
	}

	for _, id := range expired {
		r.Evict(id)
	}
}

// SweepNow runs one eviction pass immediately, used by tests and shutdown.
func (r *Registry) SweepNow() {
	r.sweep(time.Now().UTC())
}
