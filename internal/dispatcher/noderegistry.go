// Package dispatcher load-balances clients across SFU nodes, owns the
// client -> node binding cache, proxies per-client control calls to the
// owning node, and lifts SFU-initiated events back toward signalling.
package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/riptide-io/riptide/internal/registry"
	"github.com/riptide-io/riptide/internal/rpc"
)

// PickWeights controls the least-loaded score. Free CPU and free RAM are
// percentages; the node maximising the weighted sum wins.
type PickWeights struct {
	CPU float64
	RAM float64
}

// DefaultPickWeights weighs CPU and RAM equally.
var DefaultPickWeights = PickWeights{CPU: 0.5, RAM: 0.5}

// NodeRegistry is the dispatcher's live view of the SFU fleet, fed by the
// shared registry's watch stream.
type NodeRegistry struct {
	mu      sync.RWMutex
	nodes   map[string]registry.NodeRecord
	weights PickWeights

	events chan<- rpc.CallbackEvent
	logger *slog.Logger
}

// NewNodeRegistry creates an empty registry view. Node departures are
// reported as NodeTerminated events on the given channel.
func NewNodeRegistry(weights PickWeights, events chan<- rpc.CallbackEvent, logger *slog.Logger) *NodeRegistry {
	if weights.CPU == 0 && weights.RAM == 0 {
		weights = DefaultPickWeights
	}
	return &NodeRegistry{
		nodes:   make(map[string]registry.NodeRecord),
		weights: weights,
		events:  events,
		logger:  logger.With("component", "node_registry"),
	}
}

// Run consumes registry watch events until ctx is cancelled.
func (nr *NodeRegistry) Run(ctx context.Context, reg registry.Registry) error {
	events, err := reg.Watch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			nr.apply(ev)
		}
	}
}

func (nr *NodeRegistry) apply(ev registry.Event) {
	switch ev.Kind {
	case registry.EventPut:
		nr.mu.Lock()
		nr.nodes[ev.NodeID] = ev.Record
		nr.mu.Unlock()
		nr.logger.Debug("node updated", "node_id", ev.NodeID, "addr", ev.Record.Addr,
			"cpu_free", ev.Record.CPUFreePct, "ram_free", ev.Record.RAMFreePct)

	case registry.EventDelete:
		nr.mu.Lock()
		_, existed := nr.nodes[ev.NodeID]
		delete(nr.nodes, ev.NodeID)
		nr.mu.Unlock()

		if existed {
			nr.logger.Info("node terminated", "node_id", ev.NodeID)
			if nr.events != nil {
				nr.events <- rpc.CallbackEvent{Type: rpc.EventNodeTerminated, NodeID: ev.NodeID}
			}
		}
	}
}

// GetNodeLeast returns the node maximising the weighted free-resource score,
// ties broken by lexical node id. ok is false when no node is registered.
func (nr *NodeRegistry) GetNodeLeast() (registry.NodeRecord, bool) {
	nr.mu.RLock()
	defer nr.mu.RUnlock()

	if len(nr.nodes) == 0 {
		return registry.NodeRecord{}, false
	}

	ids := make([]string, 0, len(nr.nodes))
	for id := range nr.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := ids[0]
	bestScore := nr.score(nr.nodes[best])
	for _, id := range ids[1:] {
		if s := nr.score(nr.nodes[id]); s > bestScore {
			best, bestScore = id, s
		}
	}
	return nr.nodes[best], true
}

// Has reports whether a node id is currently registered.
func (nr *NodeRegistry) Has(nodeID string) bool {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	_, ok := nr.nodes[nodeID]
	return ok
}

// Size returns the number of live nodes.
func (nr *NodeRegistry) Size() int {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	return len(nr.nodes)
}

func (nr *NodeRegistry) score(rec registry.NodeRecord) float64 {
	return nr.weights.CPU*rec.CPUFreePct + nr.weights.RAM*rec.RAMFreePct
}
