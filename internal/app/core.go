package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"farmfinder/go-proximity-server/internal/model"
	"farmfinder/go-proximity-server/internal/proximity"
	"farmfinder/go-proximity-server/internal/registry"
	"farmfinder/go-proximity-server/internal/store"
)

// Core glues the entity registry, proximity engine, and journal together
// behind the single surface both transports drive. It implements
// gateway.Core and feed.Core.
type Core struct {
	logger  *slog.Logger
	reg     *registry.Registry
	engine  *proximity.Engine
	journal *store.Store // optional

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewCore wires the engine core.
func NewCore(logger *slog.Logger, reg *registry.Registry, engine *proximity.Engine, journal *store.Store) *Core {
	return &Core{logger: logger, reg: reg, engine: engine, journal: journal}
}

// Register creates or refreshes the entity at handshake and persists vendor
// profile data for notification enrichment.
func (c *Core) Register(id string, role model.Role, displayName string, products []string) (model.Entity, error) {
	entity, err := c.reg.Register(id, role, displayName, products)
	if err != nil {
		return model.Entity{}, err
	}

	if role == model.RoleVendor && displayName != "" && c.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		profile := model.VendorProfile{VendorID: id, DisplayName: displayName, Products: products}
		if err := c.journal.UpsertVendorProfile(ctx, profile); err != nil {
			c.logger.Warn("persist vendor profile failed", "vendor", id, "error", err)
		}
	}
	return entity, nil
}

// ApplyUpdate runs one location update through validation, the registry, and
// proximity re-evaluation, all on the entity's serialized path.
func (c *Core) ApplyUpdate(role model.Role, u model.LocationUpdate) model.UpdateResult {
	res := c.reg.UpsertLocation(role, u)
	if res.Accepted {
		c.accepted.Add(1)
		c.engine.EntityMoved(res.Entity)
		return res
	}

	c.rejected.Add(1)
	if res.Reason != model.RejectRateLimited {
		c.recordRejection(u, res.Reason)
	}
	return res
}

// MarkDisconnected starts the entity's inactivity clock.
func (c *Core) MarkDisconnected(id string) {
	c.reg.MarkDisconnected(id)
}

func (c *Core) recordRejection(u model.LocationUpdate, reason model.RejectReason) {
	if c.journal == nil {
		return
	}

	payload, err := json.Marshal(u)
	if err != nil {
		payload = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry := model.RejectedUpdate{EntityID: u.EntityID, Reason: string(reason), Payload: string(payload)}
	if err := c.journal.InsertRejectedUpdate(ctx, entry); err != nil {
		c.logger.Error("journal rejected update failed", "entity", u.EntityID, "error", err)
	}
}

// coreStats is the counter block served on the admin surface.
type coreStats struct {
	UpdatesAccepted int64 `json:"updates_accepted"`
	UpdatesRejected int64 `json:"updates_rejected"`
}

func (c *Core) stats() coreStats {
	return coreStats{
		UpdatesAccepted: c.accepted.Load(),
		UpdatesRejected: c.rejected.Load(),
	}
}
