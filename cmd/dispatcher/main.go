package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riptide-io/riptide/internal/config"
	"github.com/riptide-io/riptide/internal/dispatcher"
	"github.com/riptide-io/riptide/internal/pubsub"
	"github.com/riptide-io/riptide/internal/registry"
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

	reg, err := registry.NewRedisRegistry(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	cache, err := dispatcher.NewRedisClientCache(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to binding cache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	ps, err := pubsub.NewRedisPubSub(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to pubsub", "error", err)
		os.Exit(1)
	}
	defer ps.Close()

	bus := dispatcher.NewCallbackBus(logger)
	nodes := dispatcher.NewNodeRegistry(dispatcher.PickWeights{
		CPU: cfg.NodePickCPUWeight,
		RAM: cfg.NodePickRAMWeight,
	}, bus.Sink(), logger)

	d := dispatcher.New(nodes, cache, dispatcher.NewSFUProxy(), logger)
	server := dispatcher.NewServer(d, bus, logger)
	httpServer := server.HTTPServer(cfg.ServerAddr)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := nodes.Run(shutdownCtx, reg); err != nil && shutdownCtx.Err() == nil {
			slog.Error("node registry watcher exited", "error", err)
		}
	}()

	// Relay the callback bus onto the cluster pub/sub for the signalling tier
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case ev, ok := <-bus.Events():
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				msg := &pubsub.Message{
					Topic:   pubsub.Topics.Nodes(),
					Type:    string(ev.Type),
					Payload: data,
				}
				if err := ps.Publish(shutdownCtx, msg.Topic, msg); err != nil {
					slog.Warn("callback relay failed", "type", string(ev.Type), "error", err)
				}
			}
		}
	}()

	go func() {
		slog.Info("starting dispatcher", "addr", cfg.ServerAddr)
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

	slog.Info("dispatcher stopped")
}
