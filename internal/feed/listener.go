// Package feed ingests vendor location ticks from real devices over a minimal
// MQTT listener, and hosts the simulation harness that synthesizes vendor
// movement for demos and tests. Both paths converge on the same engine core
// as the websocket gateway.
package feed

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"farmfinder/go-proximity-server/internal/model"
)

// Core is the engine surface the feed drives.
type Core interface {
	Register(id string, role model.Role, displayName string, products []string) (model.Entity, error)
	ApplyUpdate(role model.Role, u model.LocationUpdate) model.UpdateResult
	MarkDisconnected(id string)
}

const topicPrefix = "vendors/"
const topicSuffix = "/location"

// tickPayload is the JSON body a device publishes to vendors/<id>/location.
type tickPayload struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

type deviceSession struct {
	conn        net.Conn
	reader      *bufio.Reader
	writeMu     sync.Mutex
	vendorID    string
	idleTimeout time.Duration
	closed      atomic.Bool
}

func (s *deviceSession) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

// ListenerOptions carries the feed tuning.
type ListenerOptions struct {
	// HeartbeatInterval bounds session idleness for devices that request no
	// keepalive; two missed intervals end the session, mirroring the gateway.
	HeartbeatInterval time.Duration
}

const defaultHeartbeatInterval = 15 * time.Second

// Listener accepts vendor device connections. The feed is fire-and-forget:
// rejected ticks are logged and journaled, never confirmed back to the device.
type Listener struct {
	logger *slog.Logger
	core   Core
	opts   ListenerOptions

	mu           sync.Mutex
	ln           net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[*deviceSession]struct{}
	// owners tracks which session currently speaks for a vendor, so a stale
	// session outliving its reconnect replacement cannot mark the vendor
	// disconnected.
	owners map[string]*deviceSession
}

// NewListener constructs a feed listener bound to the engine core.
func NewListener(logger *slog.Logger, core Core, opts ListenerOptions) *Listener {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Listener{
		logger:   logger,
		core:     core,
		opts:     opts,
		sessions: make(map[*deviceSession]struct{}),
		owners:   make(map[string]*deviceSession),
	}
}

// Start begins accepting device connections on the bind address. The returned
// channel is closed when the accept loop terminates; fatal errors are sent on it.
func (l *Listener) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("feed listen: %w", err)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	errCh := make(chan error, 1)
	l.logger.Info("vendor feed listening", "addr", ln.Addr().String())

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if l.shuttingDown.Load() {
					close(errCh)
					return
				}
				errCh <- fmt.Errorf("feed accept: %w", err)
				close(errCh)
				return
			}

			s := &deviceSession{conn: conn, reader: bufio.NewReader(conn)}
			l.sessionsMu.Lock()
			l.sessions[s] = struct{}{}
			l.sessionsMu.Unlock()

			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr reports the bound address, useful when Start was given port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listener and every device session.
func (l *Listener) Stop() error {
	if !l.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	l.sessionsMu.Lock()
	for s := range l.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	l.sessions = make(map[*deviceSession]struct{})
	l.sessionsMu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *Listener) serve(s *deviceSession) {
	defer func() {
		s.closed.Store(true)
		_ = s.conn.Close()
		l.sessionsMu.Lock()
		delete(l.sessions, s)
		owned := s.vendorID != "" && l.owners[s.vendorID] == s
		if owned {
			delete(l.owners, s.vendorID)
		}
		l.sessionsMu.Unlock()
		if owned {
			l.core.MarkDisconnected(s.vendorID)
			l.logger.Info("vendor device disconnected", "vendor", s.vendorID)
		}
	}()

	s.idleTimeout = 2 * l.opts.HeartbeatInterval

	for {
		// A device that dies without a FIN must not pin its entity as
		// connected forever; the deadline ends the session and lets the
		// eviction sweep see the disconnect.
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		p, err := readPacket(s.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				l.logger.Debug("device read ended", "vendor", s.vendorID, "error", err)
			}
			return
		}

		switch p.packetType() {
		case packetConnect:
			if err := l.handleConnect(s, p.payload); err != nil {
				l.logger.Warn("device connect rejected", "error", err)
				return
			}
		case packetPublish:
			if s.vendorID == "" {
				l.logger.Warn("publish before connect")
				return
			}
			l.handlePublish(s, p)
		case packetSubscribe:
			// Ingest only: acknowledge with a failure code per topic.
			ack, err := buildSubAckFailure(p.payload)
			if err != nil || s.write(ack) != nil {
				return
			}
		case packetUnsubscribe:
			ack, err := buildUnsubAck(p.payload)
			if err != nil || s.write(ack) != nil {
				return
			}
		case packetPingReq:
			if err := s.write(buildPingResp()); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			l.logger.Debug("unsupported packet", "type", p.packetType())
			return
		}
	}
}

func (l *Listener) handleConnect(s *deviceSession, payload []byte) error {
	req, err := parseConnect(payload)
	if err != nil {
		_ = s.write(buildConnAck(false))
		return err
	}
	if req.clientID == "" {
		_ = s.write(buildConnAck(false))
		return fmt.Errorf("missing vendor id in connect")
	}

	if _, err := l.core.Register(req.clientID, model.RoleVendor, "", nil); err != nil {
		_ = s.write(buildConnAck(false))
		return fmt.Errorf("register vendor %s: %w", req.clientID, err)
	}

	s.vendorID = req.clientID
	l.sessionsMu.Lock()
	l.owners[s.vendorID] = s
	l.sessionsMu.Unlock()
	if req.keepAlive > 0 {
		// MQTT keepalive contract: one and a half times the interval with no
		// packet ends the session.
		s.idleTimeout = time.Duration(req.keepAlive) * time.Second * 3 / 2
	}
	l.logger.Info("vendor device connected", "vendor", s.vendorID, "keepalive_s", req.keepAlive)
	return s.write(buildConnAck(true))
}

func (l *Listener) handlePublish(s *deviceSession, p rawPacket) {
	pub, err := parsePublish(p)
	if err != nil {
		l.logger.Warn("bad publish from device", "vendor", s.vendorID, "error", err)
		return
	}

	vendorID, ok := vendorIDFromTopic(pub.topic)
	if !ok {
		l.logger.Debug("ignoring off-contract topic", "vendor", s.vendorID, "topic", pub.topic)
		return
	}
	if vendorID != s.vendorID {
		l.logger.Warn("device published for another vendor", "session", s.vendorID, "topic", pub.topic)
		return
	}

	var tick tickPayload
	if err := json.Unmarshal(pub.payload, &tick); err != nil {
		l.logger.Warn("tick decode failed", "vendor", s.vendorID, "error", err)
		return
	}

	res := l.core.ApplyUpdate(model.RoleVendor, model.LocationUpdate{
		EntityID:   s.vendorID,
		Latitude:   tick.Latitude,
		Longitude:  tick.Longitude,
		AccuracyM:  tick.AccuracyM,
		CapturedAt: tick.CapturedAt,
		ReceivedAt: time.Now().UTC(),
	})
	if !res.Accepted && res.Reason != model.RejectRateLimited {
		l.logger.Warn("tick rejected", "vendor", s.vendorID, "reason", res.Reason)
	}
}

func vendorIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) || !strings.HasSuffix(topic, topicSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, topicPrefix), topicSuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
