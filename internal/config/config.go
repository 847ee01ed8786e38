// SPDX-License-Identifier: MIT

// Package config loads the listen-together coordinator configuration from
// environment variables. Precedence is ENV > defaults; there is no config
// file. The service is deployed as a sidecar of the soundspan backend and
// configured the same way its other sidecars are.
package config

import (
	"errors"
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// ListenAddr is the HTTP listen address serving the websocket endpoint,
	// /healthz and /metrics.
	ListenAddr string

	// Key material for bearer-token verification. At least one must be set.
	JWTSecret     string
	SessionSecret string

	// BackendBase is the base URL of the soundspan backend that owns
	// membership rows, user records and the track catalog.
	BackendBase string

	// AllowPolling is parsed for parity with the Node deployment; the Go
	// transport is websocket-only and the flag is logged at startup.
	AllowPolling bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Feature toggles for the distributed-coordination harness.
	RedisAdapterEnabled bool // cluster bus (cross-pod fanout)
	StateStoreEnabled   bool // shared snapshot store
	MutationLockEnabled bool // per-group mutation lock

	MutationLockTTL    time.Duration
	MutationLockPrefix string

	ReconnectSLO    time.Duration
	DisconnectGrace time.Duration
	ReadyTimeout    time.Duration
	JoinLead        time.Duration
	SnapshotTTL     time.Duration

	LogLevel string
}

// FromEnv resolves the configuration from the process environment.
func FromEnv() Config {
	return Config{
		ListenAddr:    ParseString("LISTEND_LISTEN", ":8580"),
		JWTSecret:     ParseString("JWT_SECRET", ""),
		SessionSecret: ParseString("SESSION_SECRET", ""),
		BackendBase:   ParseString("LISTEND_BACKEND_BASE", "http://127.0.0.1:4000"),
		AllowPolling:  ParseBool("LISTEN_TOGETHER_ALLOW_POLLING", false),

		RedisAddr:     ParseString("LISTEND_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: ParseString("LISTEND_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("LISTEND_REDIS_DB", 0),

		RedisAdapterEnabled: ParseBool("LISTEN_TOGETHER_REDIS_ADAPTER_ENABLED", true),
		StateStoreEnabled:   ParseBool("LISTEN_TOGETHER_STATE_STORE_ENABLED", true),
		MutationLockEnabled: ParseBool("LISTEN_TOGETHER_MUTATION_LOCK_ENABLED", true),

		MutationLockTTL:    ParseMillis("LISTEN_TOGETHER_MUTATION_LOCK_TTL_MS", 3*time.Second),
		MutationLockPrefix: ParseString("LISTEN_TOGETHER_MUTATION_LOCK_PREFIX", "listen-together:lock"),

		ReconnectSLO:    ParseMillis("LISTEN_TOGETHER_RECONNECT_SLO_MS", 5*time.Second),
		DisconnectGrace: ParseMillis("LISTEND_DISCONNECT_GRACE_MS", 60*time.Second),
		ReadyTimeout:    ParseMillis("LISTEND_READY_TIMEOUT_MS", 4*time.Second),
		JoinLead:        ParseMillis("LISTEND_JOIN_LEAD_MS", 500*time.Millisecond),
		SnapshotTTL:     ParseDuration("LISTEND_SNAPSHOT_TTL", 24*time.Hour),

		LogLevel: ParseString("LOG_LEVEL", "info"),
	}
}

// AuthSecret returns the effective key material for token verification.
func (c Config) AuthSecret() []byte {
	if c.JWTSecret != "" {
		return []byte(c.JWTSecret)
	}
	return []byte(c.SessionSecret)
}

// Validate fails fast on configuration the coordinator cannot run with.
func (c Config) Validate() error {
	if c.JWTSecret == "" && c.SessionSecret == "" {
		return errors.New("one of JWT_SECRET or SESSION_SECRET must be set")
	}
	if c.MutationLockTTL <= 0 {
		return errors.New("LISTEN_TOGETHER_MUTATION_LOCK_TTL_MS must be > 0")
	}
	if c.ReadyTimeout <= 0 {
		return errors.New("LISTEND_READY_TIMEOUT_MS must be > 0")
	}
	if c.DisconnectGrace <= 0 {
		return errors.New("LISTEND_DISCONNECT_GRACE_MS must be > 0")
	}
	if (c.StateStoreEnabled || c.RedisAdapterEnabled || c.MutationLockEnabled) && c.RedisAddr == "" {
		return errors.New("LISTEND_REDIS_ADDR must be set while redis-backed components are enabled")
	}
	return nil
}
