package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry implements Registry in process memory. Tests substitute it
// for the Redis backend; lease expiry is driven by an explicit clock so tests
// stay deterministic.
type MemoryRegistry struct {
	mu       sync.Mutex
	records  map[string]memoryEntry
	watchers []chan Event
	closed   bool

	// now is swappable in tests
	now func() time.Time
}

type memoryEntry struct {
	rec       NodeRecord
	expiresAt time.Time
}

// NewMemoryRegistry creates an in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

type memoryLease struct {
	reg    *MemoryRegistry
	nodeID string
}

func (l *memoryLease) Renew(_ context.Context, rec NodeRecord) error {
	l.reg.put(rec)
	return nil
}

func (l *memoryLease) Revoke(_ context.Context) error {
	l.reg.expire(l.nodeID)
	return nil
}

func (m *MemoryRegistry) Register(_ context.Context, rec NodeRecord) (Lease, error) {
	m.put(rec)
	return &memoryLease{reg: m, nodeID: rec.NodeID}, nil
}

func (m *MemoryRegistry) Snapshot(_ context.Context) ([]NodeRecord, error) {
	m.sweep()

	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]NodeRecord, 0, len(m.records))
	for _, e := range m.records {
		records = append(records, e.rec)
	}
	return records, nil
}

func (m *MemoryRegistry) Watch(ctx context.Context) (<-chan Event, error) {
	events := make(chan Event, 64)

	m.mu.Lock()
	for _, e := range m.records {
		events <- Event{Kind: EventPut, NodeID: e.rec.NodeID, Record: e.rec}
	}
	m.watchers = append(m.watchers, events)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.removeWatcher(events)
	}()

	return events, nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, w := range m.watchers {
		close(w)
	}
	m.watchers = nil
	return nil
}

// AdvanceTo expires every lease whose TTL elapsed before t. Tests use this
// instead of sleeping through real lease TTLs.
func (m *MemoryRegistry) AdvanceTo(t time.Time) {
	m.now = func() time.Time { return t }
	m.sweep()
}

func (m *MemoryRegistry) put(rec NodeRecord) {
	m.mu.Lock()
	prev, existed := m.records[rec.NodeID]
	m.records[rec.NodeID] = memoryEntry{rec: rec, expiresAt: m.now().Add(LeaseTTL)}
	changed := !existed || prev.rec != rec
	m.mu.Unlock()

	if changed {
		m.notify(Event{Kind: EventPut, NodeID: rec.NodeID, Record: rec})
	}
}

func (m *MemoryRegistry) expire(nodeID string) {
	m.mu.Lock()
	_, existed := m.records[nodeID]
	delete(m.records, nodeID)
	m.mu.Unlock()

	if existed {
		m.notify(Event{Kind: EventDelete, NodeID: nodeID})
	}
}

func (m *MemoryRegistry) sweep() {
	m.mu.Lock()
	now := m.now()
	var expired []string
	for id, e := range m.records {
		if now.After(e.expiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.expire(id)
	}
}

func (m *MemoryRegistry) notify(ev Event) {
	m.mu.Lock()
	watchers := make([]chan Event, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- ev:
		default:
			// Watcher is not keeping up; drop rather than block lease renewal.
		}
	}
}

func (m *MemoryRegistry) removeWatcher(events chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.watchers {
		if w == events {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			close(w)
			return
		}
	}
}
