package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/CoreVine/Tride-backend-sub000/internal/auth"
	"github.com/CoreVine/Tride-backend-sub000/internal/config"
	httpapi "github.com/CoreVine/Tride-backend-sub000/internal/http"
	"github.com/CoreVine/Tride-backend-sub000/internal/ingest"
	"github.com/CoreVine/Tride-backend-sub000/internal/logging"
	"github.com/CoreVine/Tride-backend-sub000/internal/notify"
	"github.com/CoreVine/Tride-backend-sub000/internal/presence"
	"github.com/CoreVine/Tride-backend-sub000/internal/relay"
	"github.com/CoreVine/Tride-backend-sub000/internal/ride"
	"github.com/CoreVine/Tride-backend-sub000/internal/rooms"
	"github.com/CoreVine/Tride-backend-sub000/internal/storage"
	"github.com/CoreVine/Tride-backend-sub000/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	store, err := storage.NewPostgres(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.RunMigrations {
		if err := storage.RunMigrations(cfg.PGDSN, filepath.Join("migrations", "001_realtime.sql")); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	registry := presence.NewRedis(rdb, cfg.PresenceTTL)
	gate := auth.NewGate(
		auth.NewTokenVerifier(cfg.JWTSecret),
		auth.NewRedisRevocations(rdb),
		store,
		registry,
		logger,
	)

	hub := ws.NewHub(logger)

	var firehose relay.Firehose
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		firehose = kp
	}
	rel := relay.New(relay.NewRedisCache(rdb, cfg.LocationTTL), hub, firehose, logger)

	resolver := rooms.NewResolver(store, logger)
	coordinator := ride.NewCoordinator(store, hub, rel, logger)
	router := ws.NewRouter(hub, resolver, coordinator, rel, registry, logger)
	gateway := ws.NewGateway(hub, gate, coordinator, registry, router, logger)

	var pusher notify.Pusher
	if cfg.PushEndpoint != "" {
		pusher = notify.NewFCMPusher(cfg.PushEndpoint, cfg.PushKey)
	} else {
		pusher = notify.NopPusher{}
	}
	fanout := notify.NewFanout(store, store, pusher, registry, hub, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(gateway, fanout, store, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("realtime engine listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}
