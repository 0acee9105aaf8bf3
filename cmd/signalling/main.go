package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riptide-io/riptide/internal/auth"
	"github.com/riptide-io/riptide/internal/config"
	"github.com/riptide-io/riptide/internal/database"
	"github.com/riptide-io/riptide/internal/dispatcher"
	"github.com/riptide-io/riptide/internal/pubsub"
	"github.com/riptide-io/riptide/internal/registry"
	"github.com/riptide-io/riptide/internal/rpc"
	"github.com/riptide-io/riptide/internal/signalling"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	jwtKey := cfg.JWTSigningKey
	if jwtKey == "" {
		if cfg.IsDevelopment() {
			jwtKey = "dev-signing-key-do-not-use-in-production!!"
			slog.Warn("using default JWT signing key - DO NOT USE IN PRODUCTION")
		} else {
			slog.Error("JWT_SIGNING_KEY is required in production")
			os.Exit(1)
		}
	}

	tokens, err := auth.NewTokenService(jwtKey, time.Duration(cfg.TokenTTLSeconds)*time.Second)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(1)
	}

	// PubSub: in-memory for single instance, Redis for clusters
	var ps pubsub.PubSub
	if cfg.PubSubType == "redis" {
		ps, err = pubsub.NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to pubsub", "error", err)
			os.Exit(1)
		}
	} else {
		ps = pubsub.NewMemoryPubSub()
	}
	defer ps.Close()

	var counter signalling.UserCounter
	if redisCounter, err := signalling.NewRedisUserCounter(cfg.RedisURL); err == nil {
		counter = redisCounter
		defer redisCounter.Close()
	} else {
		slog.Warn("redis counter unavailable, using in-process counter", "error", err)
		counter = signalling.NewMemoryUserCounter()
	}

	// Participant records are optional; signalling runs without them
	var participants *database.ParticipantRepository
	if cfg.DatabaseURL != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := database.New(initCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		participants = database.NewParticipantRepository(db)
		slog.Info("connected to database")
	} else {
		slog.Warn("DATABASE_URL not set - participant records disabled")
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// The dispatcher runs embedded by default; a split tier is selected by
	// pointing DISPATCHER_ADDR somewhere else and running cmd/dispatcher.
	var disp signalling.Dispatcher
	embedded := cfg.DispatcherAddr == "" || cfg.DispatcherAddr == "embedded"

	if embedded {
		reg, err := registry.NewRedisRegistry(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to registry", "error", err)
			os.Exit(1)
		}
		defer reg.Close()

		bus := dispatcher.NewCallbackBus(logger)
		nodes := dispatcher.NewNodeRegistry(dispatcher.PickWeights{
			CPU: cfg.NodePickCPUWeight,
			RAM: cfg.NodePickRAMWeight,
		}, bus.Sink(), logger)

		go func() {
			if err := nodes.Run(shutdownCtx, reg); err != nil && shutdownCtx.Err() == nil {
				slog.Error("node registry watcher exited", "error", err)
			}
		}()

		cache, err := dispatcher.NewRedisClientCache(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to binding cache", "error", err)
			os.Exit(1)
		}
		defer cache.Close()

		d := dispatcher.New(nodes, cache, dispatcher.NewSFUProxy(), logger)
		disp = d

		// Host the SFU event stream and route its events in-process
		mux.Handle("GET "+rpc.EventStreamPath, bus)

		hub := signalling.NewHub(disp, ps, counter, participants, logger)
		go hub.RunCallbacks(shutdownCtx, bus.Events())
		mux.Handle("GET /ws", signalling.NewHandler(hub, tokens, logger))
	} else {
		cache, err := dispatcher.NewRedisClientCache(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to binding cache", "error", err)
			os.Exit(1)
		}
		defer cache.Close()

		disp = dispatcher.NewRemoteClient(cfg.DispatcherAddr, cache)

		hub := signalling.NewHub(disp, ps, counter, participants, logger)
		go func() {
			if err := hub.RunCallbacksFromPubSub(shutdownCtx); err != nil && shutdownCtx.Err() == nil {
				slog.Error("callback feed exited", "error", err)
			}
		}()
		mux.Handle("GET /ws", signalling.NewHandler(hub, tokens, logger))
	}

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("starting signalling", "addr", cfg.ServerAddr, "dispatcher_embedded", embedded)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("signalling stopped")
}
