package sfu

import (
	"context"
	"log/slog"
	"time"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"

	"github.com/riptide-io/riptide/internal/registry"
)

// cpuSampleWindow is the delta window for computing the idle percentage
// from the kernel's cumulative counters.
const cpuSampleWindow = 100 * time.Millisecond

// readFreeResources samples free CPU and RAM percentages for the node's
// registry record. Errors degrade to zero (the node then scores worst,
// which is the safe direction for load balancing).
func readFreeResources() (cpuFree, ramFree float64) {
	before, err := cpu.Get()
	if err == nil {
		time.Sleep(cpuSampleWindow)
		after, err2 := cpu.Get()
		if err2 == nil {
			total := float64(after.Total - before.Total)
			if total > 0 {
				cpuFree = float64(after.Idle-before.Idle) / total * 100
			}
		}
	}

	mem, err := memory.Get()
	if err == nil && mem.Total > 0 {
		ramFree = float64(mem.Total-mem.Used) / float64(mem.Total) * 100
	}

	return cpuFree, ramFree
}

// RunLeaseLoop registers the node and renews its lease every RenewInterval
// with fresh resource readings. On cancellation the lease is revoked so the
// fleet drops the node immediately instead of waiting out the TTL.
func RunLeaseLoop(ctx context.Context, reg registry.Registry, nodeID, addr string, logger *slog.Logger) error {
	log := logger.With("component", "lease", "node_id", nodeID)

	record := func() registry.NodeRecord {
		cpuFree, ramFree := readFreeResources()
		return registry.NodeRecord{
			NodeID:     nodeID,
			Addr:       addr,
			CPUFreePct: cpuFree,
			RAMFreePct: ramFree,
		}
	}

	lease, err := reg.Register(ctx, record())
	if err != nil {
		return err
	}
	log.Info("node registered", "addr", addr)

	ticker := time.NewTicker(registry.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lease.Revoke(revokeCtx); err != nil {
				log.Warn("lease revoke failed", "error", err)
			}
			return ctx.Err()

		case <-ticker.C:
			if err := lease.Renew(ctx, record()); err != nil {
				log.Warn("lease renewal failed", "error", err)
			}
		}
	}
}
