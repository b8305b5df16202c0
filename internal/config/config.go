package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the proximity server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	LogLevel        string

	// Proximity tuning. ExitRadiusM must exceed EnterRadiusM; the gap is the
	// hysteresis band that stops nearby/departed flapping at the boundary.
	EnterRadiusM      float64
	ExitRadiusM       float64
	DepartureGrace    time.Duration
	HeartbeatInterval time.Duration
	EvictionGrace     time.Duration
	StalenessCeiling  time.Duration
	MaxUpdateRateHz   float64
	SendQueueSize     int
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/proximity.db"
	defaultLogLevel        = "info"

	defaultEnterRadiusM      = 500.0
	defaultExitRadiusM       = 600.0
	defaultDepartureGrace    = 30 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultEvictionGrace     = 2 * time.Minute
	defaultStalenessCeiling  = 5 * time.Minute
	defaultMaxUpdateRateHz   = 1.0
	defaultSendQueueSize     = 32
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          defaultHTTPPort,
		MQTTBindAddress:   defaultMQTTBindAddress,
		DatabasePath:      defaultDatabasePath,
		LogLevel:          defaultLogLevel,
		EnterRadiusM:      defaultEnterRadiusM,
		ExitRadiusM:       defaultExitRadiusM,
		DepartureGrace:    defaultDepartureGrace,
		HeartbeatInterval: defaultHeartbeatInterval,
		EvictionGrace:     defaultEvictionGrace,
		StalenessCeiling:  defaultStalenessCeiling,
		MaxUpdateRateHz:   defaultMaxUpdateRateHz,
		SendQueueSize:     defaultSendQueueSize,
	}

	if v := os.Getenv("PROXIMITY_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PROXIMITY_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("PROXIMITY_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("PROXIMITY_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("PROXIMITY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("PROXIMITY_ENTER_RADIUS_M"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PROXIMITY_ENTER_RADIUS_M: %w", err)
		}
		cfg.EnterRadiusM = r
	}

	if v := os.Getenv("PROXIMITY_EXIT_RADIUS_M"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PROXIMITY_EXIT_RADIUS_M: %w", err)
		}
		cfg.ExitRadiusM = r
	}

	var err error
	if cfg.DepartureGrace, err = durationEnv("PROXIMITY_DEPARTURE_GRACE_MS", cfg.DepartureGrace); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationEnv("PROXIMITY_HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.EvictionGrace, err = durationEnv("PROXIMITY_EVICTION_GRACE_MS", cfg.EvictionGrace); err != nil {
		return Config{}, err
	}
	if cfg.StalenessCeiling, err = durationEnv("PROXIMITY_STALENESS_CEILING_MS", cfg.StalenessCeiling); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("PROXIMITY_MAX_UPDATE_RATE_HZ"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PROXIMITY_MAX_UPDATE_RATE_HZ: %w", err)
		}
		cfg.MaxUpdateRateHz = r
	}

	if v := os.Getenv("PROXIMITY_SEND_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PROXIMITY_SEND_QUEUE_SIZE: %w", err)
		}
		cfg.SendQueueSize = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.EnterRadiusM <= 0 {
		return fmt.Errorf("enter radius must be positive, got %v", c.EnterRadiusM)
	}
	if c.ExitRadiusM <= c.EnterRadiusM {
		return fmt.Errorf("exit radius (%v) must exceed enter radius (%v)", c.ExitRadiusM, c.EnterRadiusM)
	}
	if c.DepartureGrace <= 0 {
		return fmt.Errorf("departure grace must be positive, got %v", c.DepartureGrace)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.MaxUpdateRateHz <= 0 {
		return fmt.Errorf("max update rate must be positive, got %v", c.MaxUpdateRateHz)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("send queue size must be at least 1, got %d", c.SendQueueSize)
	}
	return nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
