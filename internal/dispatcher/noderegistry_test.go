package dispatcher

import (
	"log/slog"
	"os"
	"testing"

	"github.com/riptide-io/riptide/internal/registry"
	"github.com/riptide-io/riptide/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNodeRegistry_GetNodeLeast(t *testing.T) {
	nr := NewNodeRegistry(DefaultPickWeights, nil, testLogger())

	nr.apply(registry.Event{Kind: registry.EventPut, NodeID: "node-a",
		Record: registry.NodeRecord{NodeID: "node-a", Addr: "10.0.0.1:50051", CPUFreePct: 20, RAMFreePct: 30}})
	nr.apply(registry.Event{Kind: registry.EventPut, NodeID: "node-b",
		Record: registry.NodeRecord{NodeID: "node-b", Addr: "10.0.0.2:50051", CPUFreePct: 80, RAMFreePct: 70}})

	node, ok := nr.GetNodeLeast()
	if !ok {
		t.Fatal("expected a node")
	}
	if node.NodeID != "node-b" {
		t.Errorf("got %s, want node-b (more free resources)", node.NodeID)
	}
}

func TestNodeRegistry_TieBreaksLexically(t *testing.T) {
	nr := NewNodeRegistry(DefaultPickWeights, nil, testLogger())

	rec := registry.NodeRecord{Addr: "10.0.0.1:50051", CPUFreePct: 50, RAMFreePct: 50}
	for _, id := range []string{"node-c", "node-a", "node-b"} {
		r := rec
		r.NodeID = id
		nr.apply(registry.Event{Kind: registry.EventPut, NodeID: id, Record: r})
	}

	node, _ := nr.GetNodeLeast()
	if node.NodeID != "node-a" {
		t.Errorf("got %s, want node-a on tie", node.NodeID)
	}
}

func TestNodeRegistry_EmptyReturnsNone(t *testing.T) {
	nr := NewNodeRegistry(DefaultPickWeights, nil, testLogger())
	if _, ok := nr.GetNodeLeast(); ok {
		t.Error("expected no node from empty registry")
	}
}

func TestNodeRegistry_DeleteEmitsNodeTerminated(t *testing.T) {
	events := make(chan rpc.CallbackEvent, 1)
	nr := NewNodeRegistry(DefaultPickWeights, events, testLogger())

	nr.apply(registry.Event{Kind: registry.EventPut, NodeID: "node-a",
		Record: registry.NodeRecord{NodeID: "node-a", Addr: "10.0.0.1:50051"}})
	nr.apply(registry.Event{Kind: registry.EventDelete, NodeID: "node-a"})

	select {
	case ev := <-events:
		if ev.Type != rpc.EventNodeTerminated || ev.NodeID != "node-a" {
			t.Errorf("got %+v, want NodeTerminated(node-a)", ev)
		}
	default:
		t.Fatal("expected NodeTerminated event")
	}

	if nr.Has("node-a") {
		t.Error("node-a should be dropped from the table")
	}

	// A delete for an unknown node must not emit a second event
	nr.apply(registry.Event{Kind: registry.EventDelete, NodeID: "node-a"})
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v for unknown node delete", ev)
	default:
	}
}

func TestNodeRegistry_WeightsSkewSelection(t *testing.T) {
	// All weight on CPU: node-a wins despite less free RAM
	nr := NewNodeRegistry(PickWeights{CPU: 1, RAM: 0}, nil, testLogger())

	nr.apply(registry.Event{Kind: registry.EventPut, NodeID: "node-a",
		Record: registry.NodeRecord{NodeID: "node-a", Addr: "10.0.0.1:50051", CPUFreePct: 90, RAMFreePct: 10}})
	nr.apply(registry.Event{Kind: registry.EventPut, NodeID: "node-b",
		Record: registry.NodeRecord{NodeID: "node-b", Addr: "10.0.0.2:50051", CPUFreePct: 40, RAMFreePct: 95}})

	node, _ := nr.GetNodeLeast()
	if node.NodeID != "node-a" {
		t.Errorf("got %s, want node-a under cpu-only weighting", node.NodeID)
	}
}
