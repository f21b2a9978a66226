// Package cluster defines the persisted control-plane records: compute
// nodes, queue entries, sessions, jobs, and routes. These are the only shapes
// that cross component boundaries; every component reads and writes them
// through the versioned store.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeState is a compute node's lifecycle state.
type NodeState string

const (
	NodeProvisioning NodeState = "Provisioning"
	NodeReady        NodeState = "Ready"
	NodeInUse        NodeState = "InUse"
	NodeDraining     NodeState = "Draining"
	NodeTerminated   NodeState = "Terminated"
)

// NodeRecord is the control plane's view of one compute host.
type NodeRecord struct {
	ID      string    `json:"id"`
	Class   string    `json:"class"`
	Address string    `json:"address"`
	State   NodeState `json:"state"`

	// Slots is the node's occupancy capacity, copied from the class config
	// at provisioning time.
	Slots int `json:"slots"`

	// Occupants are the session/job ids currently holding a slot.
	// len(Occupants) never exceeds Slots; growth is guarded by a
	// conditional write on this record.
	Occupants []string `json:"occupants,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat"`

	// IdleSince is set when occupancy drops to zero; idle reclamation
	// measures from here.
	IdleSince time.Time `json:"idle_since,omitempty"`

	// Usage as reported by the host agent.
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemPercent float64 `json:"mem_percent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Occupancy returns the node's current slot usage.
func (n *NodeRecord) Occupancy() int { return len(n.Occupants) }

// HasOccupant reports whether id currently holds a slot on the node.
func (n *NodeRecord) HasOccupant(id string) bool {
	for _, occ := range n.Occupants {
		if occ == id {
			return true
		}
	}
	return false
}

// RemoveOccupant drops id from the node's occupant list if present.
func (n *NodeRecord) RemoveOccupant(id string) {
	occupants := n.Occupants[:0]
	for _, occ := range n.Occupants {
		if occ != id {
			occupants = append(occupants, occ)
		}
	}
	n.Occupants = occupants
}

// RequestKind distinguishes queued batch jobs from queued session requests.
type RequestKind string

const (
	KindJob     RequestKind = "job"
	KindSession RequestKind = "session"
)

// QueueEntry is one pending placement request. Entries are ordered by
// priority band (higher first) and then by sequence number, which is strictly
// increasing and never reused.
type QueueEntry struct {
	Sequence    uint64      `json:"sequence"`
	Kind        RequestKind `json:"kind"`
	RequestID   string      `json:"request_id"`
	Class       string      `json:"class"`
	Priority    int         `json:"priority"`
	Owner       string      `json:"owner,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`

	// AwaitingNodeID is set once a new node has been requested for this
	// entry, so the tick does not provision redundantly while it comes up.
	AwaitingNodeID string `json:"awaiting_node_id,omitempty"`

	// Provisioning retry bookkeeping.
	Attempts      int       `json:"attempts,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// SessionState is an interactive session's lifecycle state.
type SessionState string

const (
	SessionRequested    SessionState = "Requested"
	SessionPending      SessionState = "Pending"
	SessionProvisioning SessionState = "Provisioning"
	SessionActive       SessionState = "Active"
	SessionTerminating  SessionState = "Terminating"
	SessionTerminated   SessionState = "Terminated"
	SessionFailed       SessionState = "Failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionTerminated || s == SessionFailed
}

// SessionRecord is one user's interactive desktop session.
type SessionRecord struct {
	ID    string       `json:"id"`
	Owner string       `json:"owner"`
	Class string       `json:"class"`
	State SessionState `json:"state"`

	// NodeID is set when the scheduler reserves a node slot.
	NodeID string `json:"node_id,omitempty"`

	// ConnectionToken and TokenID are set only at the transition to
	// Active; tokens are never issued for unplaced sessions.
	ConnectionToken string `json:"connection_token,omitempty"`
	TokenID         string `json:"token_id,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// JobState is a batch job's lifecycle state.
type JobState string

const (
	JobPending   JobState = "Pending"
	JobPlaced    JobState = "Placed"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
)

// JobRecord is one batch job.
type JobRecord struct {
	ID       string   `json:"id"`
	Class    string   `json:"class"`
	Owner    string   `json:"owner,omitempty"`
	Priority int      `json:"priority"`
	State    JobState `json:"state"`
	NodeID   string   `json:"node_id,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// RouteRecord maps a connection token to the backend host serving its
// session. Published when the session becomes Active, retracted when it
// leaves Active. The gateway only ever reads routes; it never infers
// placement.
type RouteRecord struct {
	TokenID     string    `json:"token_id"`
	SessionID   string    `json:"session_id"`
	NodeID      string    `json:"node_id"`
	Address     string    `json:"address"`
	PublishedAt time.Time `json:"published_at"`
}

// Encode marshals a record for storage.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// Decode unmarshals a stored record.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}
