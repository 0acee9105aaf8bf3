package registry

import (
	"context"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for registry event")
		return Event{}
	}
}

func TestMemoryRegistry_RegisterAndWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := reg.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	rec := NodeRecord{NodeID: "node-a", Addr: "10.0.0.1:50051", CPUFreePct: 80, RAMFreePct: 60}
	if _, err := reg.Register(ctx, rec); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ev := collect(t, events)
	if ev.Kind != EventPut || ev.Record != rec {
		t.Errorf("got %+v, want put of %+v", ev, rec)
	}
}

func TestMemoryRegistry_RevokeEmitsDelete(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()

	ctx := context.Background()
	lease, err := reg.Register(ctx, NodeRecord{NodeID: "node-a", Addr: "10.0.0.1:50051"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, _ := reg.Watch(watchCtx)

	// The watcher replays current state first
	if ev := collect(t, events); ev.Kind != EventPut {
		t.Fatalf("expected replayed put, got %+v", ev)
	}

	if err := lease.Revoke(ctx); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	ev := collect(t, events)
	if ev.Kind != EventDelete || ev.NodeID != "node-a" {
		t.Errorf("got %+v, want delete of node-a", ev)
	}
}

func TestMemoryRegistry_LeaseExpiry(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()

	ctx := context.Background()
	start := time.Now()
	if _, err := reg.Register(ctx, NodeRecord{NodeID: "node-a", Addr: "10.0.0.1:50051"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, _ := reg.Watch(watchCtx)
	collect(t, events) // replayed put

	// Two missed renewals: jump past the lease TTL
	reg.AdvanceTo(start.Add(2 * LeaseTTL))

	ev := collect(t, events)
	if ev.Kind != EventDelete || ev.NodeID != "node-a" {
		t.Errorf("got %+v, want delete of node-a after lease expiry", ev)
	}

	snapshot, _ := reg.Snapshot(ctx)
	if len(snapshot) != 0 {
		t.Errorf("expected empty snapshot after expiry, got %d records", len(snapshot))
	}
}

func TestMemoryRegistry_RenewKeepsRecordAlive(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()

	ctx := context.Background()
	start := time.Now()
	rec := NodeRecord{NodeID: "node-a", Addr: "10.0.0.1:50051", CPUFreePct: 50}
	lease, _ := reg.Register(ctx, rec)

	// Renew at half the TTL with fresh resource readings
	reg.AdvanceTo(start.Add(RenewInterval))
	rec.CPUFreePct = 30
	if err := lease.Renew(ctx, rec); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}

	// The original TTL has elapsed, but the renewal extended the lease
	reg.AdvanceTo(start.Add(LeaseTTL + time.Second))

	snapshot, _ := reg.Snapshot(ctx)
	if len(snapshot) != 1 {
		t.Fatalf("expected record to survive renewal, got %d records", len(snapshot))
	}
	if snapshot[0].CPUFreePct != 30 {
		t.Errorf("renewal did not refresh record value: %+v", snapshot[0])
	}
}
