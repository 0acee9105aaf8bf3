package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/riptide-io/riptide/internal/domain"
)

func TestMemoryClientCache_InsertGetRemove(t *testing.T) {
	cache := NewMemoryClientCache()
	ctx := context.Background()

	binding := ClientBinding{
		RoomID:        "room-1",
		ParticipantID: "p1",
		SFUNodeID:     "node-a",
		NodeAddr:      "10.0.0.1:50051",
	}

	if err := cache.Insert(ctx, "client-1", binding); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := cache.Get(ctx, "client-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != binding {
		t.Errorf("got %+v, want %+v", got, binding)
	}

	clientID, got, err := cache.GetByParticipant(ctx, "p1")
	if err != nil {
		t.Fatalf("GetByParticipant failed: %v", err)
	}
	if clientID != "client-1" || got != binding {
		t.Errorf("reverse lookup mismatch: %s %+v", clientID, got)
	}

	if err := cache.Remove(ctx, "client-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := cache.Get(ctx, "client-1"); !errors.Is(err, domain.ErrClientNotFound) {
		t.Errorf("got %v, want ErrClientNotFound after remove", err)
	}
	if _, _, err := cache.GetByParticipant(ctx, "p1"); !errors.Is(err, domain.ErrClientNotFound) {
		t.Errorf("participant index should be cleared, got %v", err)
	}
}

func TestMemoryClientCache_ParticipantHoldsOneBinding(t *testing.T) {
	cache := NewMemoryClientCache()
	ctx := context.Background()

	first := ClientBinding{RoomID: "room-1", ParticipantID: "p1", SFUNodeID: "node-a", NodeAddr: "10.0.0.1:50051"}
	second := ClientBinding{RoomID: "room-1", ParticipantID: "p1", SFUNodeID: "node-b", NodeAddr: "10.0.0.2:50051"}

	_ = cache.Insert(ctx, "client-1", first)
	_ = cache.Insert(ctx, "client-2", second)

	// The stale binding for the same participant must be evicted
	if _, err := cache.Get(ctx, "client-1"); !errors.Is(err, domain.ErrClientNotFound) {
		t.Errorf("stale binding should be evicted, got %v", err)
	}

	clientID, binding, err := cache.GetByParticipant(ctx, "p1")
	if err != nil {
		t.Fatalf("GetByParticipant failed: %v", err)
	}
	if clientID != "client-2" || binding.SFUNodeID != "node-b" {
		t.Errorf("participant should map to the new binding, got %s -> %+v", clientID, binding)
	}
}

func TestMemoryClientCache_ClientsOnNode(t *testing.T) {
	cache := NewMemoryClientCache()
	ctx := context.Background()

	_ = cache.Insert(ctx, "client-1", ClientBinding{ParticipantID: "p1", SFUNodeID: "node-a"})
	_ = cache.Insert(ctx, "client-2", ClientBinding{ParticipantID: "p2", SFUNodeID: "node-a"})
	_ = cache.Insert(ctx, "client-3", ClientBinding{ParticipantID: "p3", SFUNodeID: "node-b"})

	clients, err := cache.ClientsOnNode(ctx, "node-a")
	if err != nil {
		t.Fatalf("ClientsOnNode failed: %v", err)
	}
	if len(clients) != 2 {
		t.Errorf("got %d clients on node-a, want 2", len(clients))
	}
}
