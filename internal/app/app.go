package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"farmfinder/go-proximity-server/internal/config"
	"farmfinder/go-proximity-server/internal/dispatch"
	"farmfinder/go-proximity-server/internal/feed"
	"farmfinder/go-proximity-server/internal/gateway"
	"farmfinder/go-proximity-server/internal/model"
	"farmfinder/go-proximity-server/internal/proximity"
	"farmfinder/go-proximity-server/internal/registry"
	"farmfinder/go-proximity-server/internal/store"
)

// App wires together the proximity services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	db         *store.Store
	reg        *registry.Registry
	engine     *proximity.Engine
	dispatcher *dispatch.Dispatcher
	core       *Core
	gw         *gateway.Gateway
	listener   *feed.Listener
	harness    *feed.Harness
	mdns       *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.db = db
	defer func() {
		if cerr := a.db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.db.InitSchema(ctx); err != nil {
		return err
	}

	if err := a.applyPersistedOverrides(ctx); err != nil {
		return err
	}

	a.reg = registry.New(a.logger, registry.Options{
		StalenessCeiling: a.cfg.StalenessCeiling,
		EvictionGrace:    a.cfg.EvictionGrace,
		MaxUpdateRateHz:  a.cfg.MaxUpdateRateHz,
		IndexCellSizeM:   a.cfg.ExitRadiusM,
	})
	a.dispatcher = dispatch.New(a.logger)
	a.engine = proximity.NewEngine(a.logger, a.reg, a.dispatcher, proximity.Options{
		EnterRadiusM:   a.cfg.EnterRadiusM,
		ExitRadiusM:    a.cfg.ExitRadiusM,
		DepartureGrace: a.cfg.DepartureGrace,
	})
	a.reg.SetEvictHook(a.engine.TeardownEntity)
	defer a.engine.Stop()

	a.core = NewCore(a.logger, a.reg, a.engine, a.db)
	a.gw = gateway.New(a.logger, a.core, a.dispatcher, gateway.Options{
		HeartbeatInterval: a.cfg.HeartbeatInterval,
		SendQueueSize:     a.cfg.SendQueueSize,
	})
	a.harness = feed.NewHarness(a.logger, a.core, feed.HarnessOptions{})
	defer a.harness.StopAll()

	a.listener = feed.NewListener(a.logger, a.core, feed.ListenerOptions{
		HeartbeatInterval: a.cfg.HeartbeatInterval,
	})
	feedErrCh, err := a.listener.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}

	sweepEvery := a.cfg.EvictionGrace / 2
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	a.reg.StartSweeper(sweepEvery)
	defer a.reg.Stop()

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if err := a.startMDNS(); err != nil {
		a.logger.Warn("mDNS advertisement unavailable", "error", err)
	}
	defer a.stopMDNS()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.gw.Stop()
			if err := a.listener.Stop(); err != nil {
				return err
			}
			a.logger.Info("proximity server stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				a.gw.Stop()
				_ = a.listener.Stop()
				return err
			}
		case err, ok := <-feedErrCh:
			if !ok {
				feedErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				a.gw.Stop()
				return err
			}
		}
	}
}

// applyPersistedOverrides folds stored config overrides into the active
// configuration before the engine is built.
func (a *App) applyPersistedOverrides(ctx context.Context) error {
	persisted, err := a.db.AppConfig(ctx)
	if err != nil {
		return fmt.Errorf("load persisted config: %w", err)
	}

	if v, ok := persisted["enter_radius_m"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			a.cfg.EnterRadiusM = f
		}
	}
	if v, ok := persisted["exit_radius_m"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			a.cfg.ExitRadiusM = f
		}
	}
	if v, ok := persisted["departure_grace_ms"]; ok {
		if ms, err := strconv.Atoi(v); err == nil {
			a.cfg.DepartureGrace = time.Duration(ms) * time.Millisecond
		}
	}

	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("persisted config overrides invalid: %w", err)
	}
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.Handle("/ws", a.gw)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/entities", a.handleEntities)
	mux.HandleFunc("/api/stats", a.handleStats)
	mux.HandleFunc("/api/rejections", a.handleRejections)
	mux.HandleFunc("/api/sim/start", a.handleSimStart)
	mux.HandleFunc("/api/sim/stop", a.handleSimStop)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.reg == nil || a.listener == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.serveConfig(w, r)
	case http.MethodPost:
		a.updateConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.db.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	active := map[string]any{
		"http_port":          a.cfg.HTTPPort,
		"mqtt_bind":          a.cfg.MQTTBindAddress,
		"enter_radius_m":     a.cfg.EnterRadiusM,
		"exit_radius_m":      a.cfg.ExitRadiusM,
		"departure_grace_ms": a.cfg.DepartureGrace.Milliseconds(),
		"heartbeat_ms":       a.cfg.HeartbeatInterval.Milliseconds(),
		"eviction_grace_ms":  a.cfg.EvictionGrace.Milliseconds(),
		"max_update_rate_hz": a.cfg.MaxUpdateRateHz,
		"log_level":          a.cfg.LogLevel,
	}

	response := struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{Active: active, Persisted: persisted}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode config response", "error", err)
	}
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnterRadiusM     *float64 `json:"enter_radius_m"`
		ExitRadiusM      *float64 `json:"exit_radius_m"`
		DepartureGraceMs *int     `json:"departure_grace_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	next := a.cfg
	updates := map[string]string{}
	if req.EnterRadiusM != nil {
		next.EnterRadiusM = *req.EnterRadiusM
		updates["enter_radius_m"] = strconv.FormatFloat(*req.EnterRadiusM, 'f', -1, 64)
	}
	if req.ExitRadiusM != nil {
		next.ExitRadiusM = *req.ExitRadiusM
		updates["exit_radius_m"] = strconv.FormatFloat(*req.ExitRadiusM, 'f', -1, 64)
	}
	if req.DepartureGraceMs != nil {
		next.DepartureGrace = time.Duration(*req.DepartureGraceMs) * time.Millisecond
		updates["departure_grace_ms"] = strconv.Itoa(*req.DepartureGraceMs)
	}

	if len(updates) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"no supported fields provided"}`))
		return
	}

	if err := next.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for key, value := range updates {
		if err := a.db.UpsertAppConfig(ctx, key, value); err != nil {
			a.logger.Error("failed to persist config", "key", key, "error", err)
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
	}

	resp := struct {
		Updates         map[string]string `json:"updates"`
		RequiresRestart bool              `json:"requires_restart"`
	}{Updates: updates, RequiresRestart: true}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("failed to encode update response", "error", err)
	}
}

func (a *App) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := struct {
		Entities []model.Entity `json:"entities"`
	}{Entities: a.reg.Snapshot()}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode entities response", "error", err)
	}
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := struct {
		Updates  coreStats       `json:"updates"`
		Pairs    proximity.Stats `json:"pairs"`
		Delivery dispatch.Stats  `json:"delivery"`
	}{
		Updates:  a.core.stats(),
		Pairs:    a.engine.Stats(),
		Delivery: a.dispatcher.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode stats response", "error", err)
	}
}

func (a *App) handleRejections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.db.RecentRejectedUpdates(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load rejections", "error", err)
		http.Error(w, "failed to load rejections", http.StatusInternalServerError)
		return
	}

	response := struct {
		Rejections []model.StoredRejectedUpdate `json:"rejections"`
	}{Rejections: entries}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode rejections response", "error", err)
	}
}

func (a *App) handleSimStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Count     int     `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	roster := feed.LoadRoster(ctx, a.db)
	if roster.Source == feed.RosterFallback {
		a.logger.Warn("simulation running on fallback roster", "reason", roster.Reason)
	}

	vendors := roster.Vendors
	if req.Count > 0 && req.Count < len(vendors) {
		vendors = vendors[:req.Count]
	}

	started := make([]string, 0, len(vendors))
	for _, profile := range vendors {
		// Scatter the roster around the requested center.
		initial := model.Coordinates{
			Latitude:  req.Latitude + (rand.Float64()*2-1)*0.005,
			Longitude: req.Longitude + (rand.Float64()*2-1)*0.005,
		}
		if err := a.harness.Start(profile, initial); err != nil {
			a.logger.Warn("simulated vendor not started", "vendor", profile.VendorID, "error", err)
			continue
		}
		started = append(started, profile.VendorID)
	}

	resp := struct {
		Source  feed.RosterSource `json:"source"`
		Reason  string            `json:"reason,omitempty"`
		Started []string          `json:"started"`
	}{Source: roster.Source, Reason: roster.Reason, Started: started}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("failed to encode sim response", "error", err)
	}
}

func (a *App) handleSimStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.harness.StopAll()
	a.logger.Info("simulation stopped")
	w.WriteHeader(http.StatusNoContent)
}
