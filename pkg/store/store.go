// Package store defines the versioned key-value store that backs all
// control-plane state: node records, queue entries, sessions, and routes.
//
// Every record carries a monotonically increasing version. ConditionalPut is
// the primitive that makes node-slot reservation and route publication atomic:
// a write only lands if the caller saw the latest version, so concurrent
// reconciliation loops can race safely without a global lock.
package store

import (
	"context"
	"fmt"
)

// Record is a stored value with its version. Versions start at 1 on create
// and increment by one on every successful write to the key.
type Record struct {
	Key     string `json:"key"`
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

// Store is the persistent-store boundary. Implementations must provide
// read-after-write consistency per key.
type Store interface {
	// Get returns the current record for key, or *NotFoundError.
	Get(ctx context.Context, key string) (Record, error)

	// Put writes value unconditionally and returns the new record.
	Put(ctx context.Context, key string, value []byte) (Record, error)

	// ConditionalPut writes value only if the stored version equals
	// expectedVersion. expectedVersion 0 means "create only": the write
	// fails if the key already exists. Returns *ConflictError on a
	// version mismatch.
	ConditionalPut(ctx context.Context, key string, expectedVersion uint64, value []byte) (Record, error)

	// Delete removes key. Deleting a missing key returns *NotFoundError.
	Delete(ctx context.Context, key string) error

	// List returns all records whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Record, error)

	// Close releases any resources held by the store.
	Close() error
}

// Key layout. All control-plane records live under these prefixes.
const (
	nodePrefix    = "nodes/"
	sessionPrefix = "sessions/"
	jobPrefix     = "jobs/"
	queuePrefix   = "queue/"
	routePrefix   = "routes/"

	// SequenceKey holds the scheduler's monotonic sequence counter.
	SequenceKey = "meta/sequence"
)

// NodeKey returns the record key for a compute node.
func NodeKey(nodeID string) string { return nodePrefix + nodeID }

// SessionKey returns the record key for a session.
func SessionKey(sessionID string) string { return sessionPrefix + sessionID }

// JobKey returns the record key for a batch job.
func JobKey(jobID string) string { return jobPrefix + jobID }

// QueueKey returns the record key for a queued request. Sequence numbers are
// zero-padded so lexicographic key order matches submission order within a
// class.
func QueueKey(class string, sequence uint64) string {
	return fmt.Sprintf("%s%s/%020d", queuePrefix, class, sequence)
}

// QueueClassPrefix returns the List prefix for a class's queue entries.
func QueueClassPrefix(class string) string { return queuePrefix + class + "/" }

// RouteKey returns the record key for a published route, keyed by the
// connection token's ID.
func RouteKey(tokenID string) string { return routePrefix + tokenID }

// Prefixes for whole-table scans by the reconciliation tick.
func NodesPrefix() string    { return nodePrefix }
func SessionsPrefix() string { return sessionPrefix }
func JobsPrefix() string     { return jobPrefix }
func QueuePrefix() string    { return queuePrefix }
func RoutesPrefix() string   { return routePrefix }
