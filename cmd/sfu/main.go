package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riptide-io/riptide/internal/config"
	"github.com/riptide-io/riptide/internal/egress"
	"github.com/riptide-io/riptide/internal/registry"
	"github.com/riptide-io/riptide/internal/sfu"
	"github.com/riptide-io/riptide/internal/sfu/udpmux"
	"github.com/riptide-io/riptide/internal/storage"
)

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// One UDP socket carries all WebRTC traffic for this node
	mux, err := udpmux.New(cfg.PublicIP, cfg.UDPPort, logger)
	if err != nil {
		slog.Error("failed to bind udp mux", "error", err)
		os.Exit(1)
	}

	// Object storage is optional; absence disables upload
	var uploader *egress.Uploader
	if cfg.StorageConfigured() {
		store, err := storage.New(cfg.StorageAccountID, cfg.StorageAccessKeyID,
			cfg.StorageSecretKey, cfg.StorageBucketName, cfg.StorageCustomDomain)
		if err != nil {
			slog.Error("failed to initialize object storage", "error", err)
			os.Exit(1)
		}
		uploader = egress.NewUploader(store, store.PublicBaseURL(), logger)
		slog.Info("object storage initialized", "bucket", cfg.StorageBucketName)
	} else {
		slog.Warn("object storage not configured - segment upload disabled")
	}

	engine, err := sfu.NewEngine(sfu.Configs{
		NodeID:        cfg.NodeID,
		HLSOutDir:     cfg.HLSOutDir,
		EgressEnabled: true,
	}, mux, uploader, logger)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	reg, err := registry.NewRedisRegistry(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	server := sfu.NewServer(engine, logger)
	httpServer := server.HTTPServer(cfg.SFUAddr)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The registry advertises the control API address the dispatcher proxies to
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		if err := sfu.RunLeaseLoop(shutdownCtx, reg, cfg.NodeID, advertisedAddr(cfg, mux), logger); err != nil && shutdownCtx.Err() == nil {
			slog.Error("lease loop exited", "error", err)
		}
	}()

	dispatcherAddr := cfg.DispatcherAddr
	if dispatcherAddr == "" || dispatcherAddr == "embedded" {
		// The default topology runs the dispatcher embedded in signalling
		dispatcherAddr = "localhost:8080"
	}
	go server.RunEventStream(shutdownCtx, dispatcherAddr, cfg.NodeID)

	go func() {
		slog.Info("starting sfu control api", "addr", cfg.SFUAddr, "node_id", cfg.NodeID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	// Lease revocation (in the lease loop) runs before media teardown so the
	// fleet stops routing new clients here first
	<-leaseDone
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	engine.Close()
	if err := mux.Close(); err != nil {
		slog.Error("udp mux close failed", "error", err)
	}

	slog.Info("sfu node stopped")
}

// advertisedAddr resolves the control address other tiers reach this node
// at: the configured listen address, with wildcard hosts replaced by the
// mux's advertised IP.
func advertisedAddr(cfg *config.Config, mux *udpmux.UDPMux) string {
	host, port, err := net.SplitHostPort(cfg.SFUAddr)
	if err != nil {
		return cfg.SFUAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = mux.HostIP()
	}
	return net.JoinHostPort(host, port)
}
