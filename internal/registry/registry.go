// Package registry provides the shared key-value registry SFU nodes announce
// themselves in. A node record lives under a TTL lease: the node refreshes it
// every RenewInterval, and expiry is how the rest of the cluster learns the
// node is gone.
package registry

import (
	"context"
	"time"
)

// NodePrefix is the key prefix all node records live under.
const NodePrefix = "/sfu/nodes/"

const (
	// LeaseTTL is how long a node record survives without renewal.
	// Two missed renewals expire the node.
	LeaseTTL = 10 * time.Second

	// RenewInterval is how often a node refreshes its record and lease.
	RenewInterval = 5 * time.Second
)

// NodeRecord is the value stored under /sfu/nodes/{node_id}.
type NodeRecord struct {
	NodeID     string  `json:"-"`
	Addr       string  `json:"addr"`
	CPUFreePct float64 `json:"cpu"`
	RAMFreePct float64 `json:"ram"`
}

// EventKind distinguishes watcher events.
type EventKind int

const (
	// EventPut is emitted when a record appears or its value changes.
	EventPut EventKind = iota
	// EventDelete is emitted when a lease expires or is revoked.
	EventDelete
)

// Event is a single change observed on the node prefix.
type Event struct {
	Kind   EventKind
	NodeID string
	Record NodeRecord // populated for EventPut
}

// Lease is a registered node's handle on its record.
type Lease interface {
	// Renew refreshes the record value and extends the lease TTL.
	Renew(ctx context.Context, rec NodeRecord) error
	// Revoke deletes the record immediately.
	Revoke(ctx context.Context) error
}

// Registry is the cluster-shared node registry.
// All implementations must be safe for concurrent use.
type Registry interface {
	// Register stores the record under a TTL lease and returns its handle.
	Register(ctx context.Context, rec NodeRecord) (Lease, error)

	// Watch emits Put/Delete events for the node prefix until ctx is done.
	// The current state is replayed as Put events before live changes.
	Watch(ctx context.Context) (<-chan Event, error)

	// Snapshot returns all live node records.
	Snapshot(ctx context.Context) ([]NodeRecord, error)

	// Close releases resources held by the registry client.
	Close() error
}
