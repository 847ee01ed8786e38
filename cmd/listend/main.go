// SPDX-License-Identifier: MIT

// Command listend is the listen-together session coordinator: it terminates
// the websocket presence layer, owns the shared playback state of listening
// groups and keeps multiple pods convergent through Redis.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/soundspan/listend/internal/auth"
	"github.com/soundspan/listend/internal/collab"
	"github.com/soundspan/listend/internal/config"
	"github.com/soundspan/listend/internal/listen"
	"github.com/soundspan/listend/internal/listen/bus"
	"github.com/soundspan/listend/internal/listen/catalog"
	"github.com/soundspan/listend/internal/listen/group"
	"github.com/soundspan/listend/internal/listen/lock"
	"github.com/soundspan/listend/internal/listen/pipeline"
	"github.com/soundspan/listend/internal/listen/store"
	"github.com/soundspan/listend/internal/listen/ws"
	"github.com/soundspan/listend/internal/log"
	"github.com/soundspan/listend/internal/metrics"
)

// version is injected at build time.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.FromEnv()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "listend"})
	logger := log.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.AllowPolling {
		logger.Warn().
			Str(log.FieldEvent, "config.allow_polling").
			Msg("polling transport is not served by this coordinator; websocket only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	podID := uuid.NewString()
	logger.Info().
		Str(log.FieldVersion, version).
		Str("pod_id", podID).
		Str("listen", cfg.ListenAddr).
		Msg("starting listen-together coordinator")

	var rdb *redis.Client
	if cfg.StateStoreEnabled || cfg.RedisAdapterEnabled || cfg.MutationLockEnabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
	}

	snapStore := store.NewDisabled(log.WithComponent("store"))
	if cfg.StateStoreEnabled {
		snapStore = store.NewRedis(rdb, cfg.SnapshotTTL, log.WithComponent("store"))
	}
	snapBus := bus.NewDisabled(log.WithComponent("bus"))
	if cfg.RedisAdapterEnabled {
		snapBus = bus.NewRedis(rdb, podID, log.WithComponent("bus"))
	}
	var mutationLock lock.MutationLock
	if cfg.MutationLockEnabled {
		mutationLock = lock.NewRedis(rdb, cfg.MutationLockPrefix, log.WithComponent("lock"))
	} else {
		lockLogger := log.WithComponent("lock")
		lockLogger.Warn().
			Str(log.FieldEvent, "lock.disabled").
			Msg("mutation lock disabled; mutations are serialized per pod only")
		mutationLock = lock.NewLocal()
	}

	backend := collab.New(cfg.BackendBase, log.WithComponent("backend"))
	verifier := auth.New(cfg.AuthSecret(), backend, log.WithComponent("auth"))
	agg := metrics.NewAggregator(0, log.WithComponent("metrics"))

	manager := group.New(group.Config{
		ReadyTimeout: cfg.ReadyTimeout,
		JoinLead:     cfg.JoinLead,
	}, log.WithComponent("group"))

	coord := listen.New(listen.Options{
		Manager:    manager,
		Store:      snapStore,
		Bus:        snapBus,
		Lock:       mutationLock,
		Pipeline:   pipeline.New(log.WithComponent("pipeline")),
		Membership: backend,
		LockTTL:    cfg.MutationLockTTL,
		Logger:     log.WithComponent("coordinator"),
		Aggregator: agg,
	})

	hub := ws.NewHub(coord, verifier, catalog.New(backend), agg, ws.Config{
		DisconnectGrace: cfg.DisconnectGrace,
		ReconnectSLO:    cfg.ReconnectSLO,
	}, log.WithComponent("ws"))
	coord.SetFanout(hub)

	if err := coord.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("bus subscription failed")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthHandler(rdb))
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/soundspan/listen-together", hub)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.Shutdown()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		if err := coord.Shutdown(shutCtx); err != nil {
			logger.Warn().Err(err).Msg("coordinator shutdown incomplete")
		}
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("shutdown complete")
}

// healthHandler reports liveness; with Redis enabled it degrades to 503
// while Redis is unreachable so the pod is pulled from rotation.
func healthHandler(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rdb != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
