// Package gateway owns the persistent websocket connection lifecycle: accept,
// identity handshake, heartbeat, and graceful teardown. It feeds accepted
// location updates into the engine core and delivers notification events to
// subscribed connections.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"farmfinder/go-proximity-server/internal/dispatch"
	"farmfinder/go-proximity-server/internal/model"
)

// Core is the engine surface the gateway drives. The identity carried by the
// hello frame is trusted; credential validation happens upstream.
type Core interface {
	Register(id string, role model.Role, displayName string, products []string) (model.Entity, error)
	ApplyUpdate(role model.Role, u model.LocationUpdate) model.UpdateResult
	MarkDisconnected(id string)
}

// Options carries the gateway tuning.
type Options struct {
	HeartbeatInterval time.Duration
	SendQueueSize     int
}

// Gateway upgrades websocket connections and manages their sessions.
type Gateway struct {
	logger     *slog.Logger
	core       Core
	dispatcher *dispatch.Dispatcher
	opts       Options
	upgrader   websocket.Upgrader

	sessionsMu   sync.Mutex
	sessions     map[*session]struct{}
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New constructs a gateway bound to the engine core and dispatcher.
func New(logger *slog.Logger, core Core, dispatcher *dispatch.Dispatcher, opts Options) *Gateway {
	if opts.SendQueueSize < 1 {
		opts.SendQueueSize = 1
	}
	return &Gateway{
		logger:     logger,
		core:       core,
		dispatcher: dispatcher,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// frame is the wire envelope in both directions.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type helloPayload struct {
	EntityID    string   `json:"entity_id"`
	Role        string   `json:"role"`
	DisplayName string   `json:"display_name"`
	Products    []string `json:"products,omitempty"`
}

type locationPayload struct {
	EntityID   string    `json:"entity_id,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

type session struct {
	gw       *Gateway
	conn     *websocket.Conn
	writeMu  sync.Mutex
	entityID string
	role     model.Role

	sendCh chan model.NotificationEvent
	done   chan struct{}
	closed atomic.Bool
}

// Send queues an outbound notification without blocking; a full queue drops.
func (s *session) Send(ev model.NotificationEvent) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.sendCh <- ev:
		return true
	default:
		return false
	}
}

// ServeHTTP upgrades the request and runs the session until the connection
// drops or the gateway stops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		gw:     g,
		conn:   conn,
		sendCh: make(chan model.NotificationEvent, g.opts.SendQueueSize),
		done:   make(chan struct{}),
	}

	g.sessionsMu.Lock()
	g.sessions[s] = struct{}{}
	g.sessionsMu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runSession(s)
	}()
}

// Stop closes every live session and waits for their goroutines.
func (g *Gateway) Stop() {
	if !g.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	g.sessionsMu.Lock()
	for s := range g.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	g.sessionsMu.Unlock()

	g.wg.Wait()
}

func (g *Gateway) runSession(s *session) {
	defer g.teardown(s)

	// Two missed heartbeat intervals end the session.
	deadline := 2 * g.opts.HeartbeatInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("session read ended", "entity", s.entityID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))

		if s.entityID == "" && f.Type != "hello" {
			g.confirm(s, model.UpdateConfirmation{Accepted: false, Reason: model.RejectUnauthenticated})
			return
		}

		switch f.Type {
		case "hello":
			if err := g.handleHello(s, f.Payload); err != nil {
				g.logger.Warn("handshake rejected", "error", err)
				g.confirm(s, model.UpdateConfirmation{Accepted: false, Reason: model.RejectUnauthenticated})
				return
			}
		case "location-update":
			g.handleLocationUpdate(s, f.Payload)
		case "ping":
			g.writeFrame(s, "pong", nil)
		default:
			g.logger.Debug("unsupported frame", "type", f.Type, "entity", s.entityID)
		}
	}
}

func (g *Gateway) handleHello(s *session, raw json.RawMessage) error {
	var hello helloPayload
	if err := json.Unmarshal(raw, &hello); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	role := model.Role(hello.Role)
	if hello.EntityID == "" || !role.Valid() {
		return fmt.Errorf("invalid identity (entity_id=%q role=%q)", hello.EntityID, hello.Role)
	}

	if s.entityID != "" {
		// Repeated hello on the same connection refreshes profile data only.
		if s.entityID != hello.EntityID || s.role != role {
			return fmt.Errorf("identity switch on live connection")
		}
	}

	entity, err := g.core.Register(hello.EntityID, role, hello.DisplayName, hello.Products)
	if err != nil {
		return err
	}

	if s.entityID == "" {
		// Identity is written exactly once; the write pump reads it without
		// synchronization. A repeated hello was verified identical above.
		s.entityID = entity.ID
		s.role = entity.Role

		// A reconnect lands here with the same entity id; pair state survives
		// untouched because the registry saw at most a short presence gap.
		g.dispatcher.Register(s.entityID, s)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			s.writePump()
		}()
		g.logger.Info("session authenticated", "entity", s.entityID, "role", s.role)
	}

	g.writeFrame(s, "hello-ack", map[string]string{"entity_id": s.entityID})
	return nil
}

func (g *Gateway) handleLocationUpdate(s *session, raw json.RawMessage) {
	var loc locationPayload
	if err := json.Unmarshal(raw, &loc); err != nil {
		g.confirm(s, model.UpdateConfirmation{Accepted: false, Reason: model.RejectInvalidCoordinates})
		return
	}
	if loc.EntityID != "" && loc.EntityID != s.entityID {
		g.confirm(s, model.UpdateConfirmation{Accepted: false, Reason: model.RejectUnauthenticated})
		return
	}

	res := g.core.ApplyUpdate(s.role, model.LocationUpdate{
		EntityID:   s.entityID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		AccuracyM:  loc.AccuracyM,
		CapturedAt: loc.CapturedAt,
		ReceivedAt: time.Now().UTC(),
	})

	if !res.Accepted && res.Reason == model.RejectRateLimited {
		// Silently dropped: surfacing the cap would invite retry storms.
		return
	}
	g.confirm(s, model.UpdateConfirmation{Accepted: res.Accepted, Reason: res.Reason})
}

// confirm sends location-update-confirmed synchronously on the originating
// connection, never through the dispatcher.
func (g *Gateway) confirm(s *session, c model.UpdateConfirmation) {
	g.writeFrame(s, string(model.EventUpdateConfirmation), c)
}

func (g *Gateway) writeFrame(s *session, frameType string, payload interface{}) {
	if s.closed.Load() {
		return
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			g.logger.Error("encode frame payload", "type", frameType, "error", err)
			return
		}
		raw = data
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(frame{Type: frameType, Payload: raw}); err != nil {
		g.logger.Debug("session write failed", "entity", s.entityID, "error", err)
	}
}

func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.sendCh:
			s.gw.writeFrame(s, string(ev.Kind), ev.Payload)
		}
	}
}

func (g *Gateway) teardown(s *session) {
	wasClosed := s.closed.Swap(true)
	close(s.done)
	_ = s.conn.Close()

	g.sessionsMu.Lock()
	delete(g.sessions, s)
	g.sessionsMu.Unlock()

	if s.entityID != "" {
		// Only the session that still owns the binding may flip the entity to
		// disconnected; a zombie socket outliving its reconnect replacement
		// must not clobber the live session's presence.
		if g.dispatcher.Unregister(s.entityID, s) {
			g.core.MarkDisconnected(s.entityID)
		}
		if !wasClosed {
			g.logger.Info("session closed", "entity", s.entityID)
		}
	}
}
