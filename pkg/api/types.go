// Package api exposes the control plane over HTTP: job submission, session
// lifecycle, node inventory, and host-agent heartbeats.
package api

import (
	"time"

	"github.com/skylab-hpc/skylab/pkg/cluster"
)

// SubmitJobRequest asks for a batch job placement.
type SubmitJobRequest struct {
	Class    string `json:"class"`
	Owner    string `json:"owner,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// JobResponse describes a batch job.
type JobResponse struct {
	ID            string    `json:"id"`
	Class         string    `json:"class"`
	Owner         string    `json:"owner,omitempty"`
	Priority      int       `json:"priority"`
	State         string    `json:"state"`
	NodeID        string    `json:"node_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// CreateSessionRequest asks for an interactive session.
type CreateSessionRequest struct {
	Class string `json:"class"`
	Owner string `json:"owner"`
}

// SessionResponse describes a session. ConnectionToken is populated only
// while the session is Active.
type SessionResponse struct {
	ID              string    `json:"id"`
	Owner           string    `json:"owner"`
	Class           string    `json:"class"`
	State           string    `json:"state"`
	NodeID          string    `json:"node_id,omitempty"`
	ConnectionToken string    `json:"connection_token,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastActivity    time.Time `json:"last_activity,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
}

// NodeResponse describes a compute node.
type NodeResponse struct {
	ID            string    `json:"id"`
	Class         string    `json:"class"`
	Address       string    `json:"address,omitempty"`
	State         string    `json:"state"`
	Slots         int       `json:"slots"`
	Occupancy     int       `json:"occupancy"`
	Occupants     []string  `json:"occupants,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	IdleSince     time.Time `json:"idle_since,omitempty"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
	MemPercent    float64   `json:"mem_percent,omitempty"`
}

// HeartbeatRequest is a host agent's periodic report.
type HeartbeatRequest struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// EventResponse is one audit event.
type EventResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ResourceID  string    `json:"resource_id,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	Description string    `json:"description"`
	Error       string    `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func jobResponse(job cluster.JobRecord) JobResponse {
	return JobResponse{
		ID:            job.ID,
		Class:         job.Class,
		Owner:         job.Owner,
		Priority:      job.Priority,
		State:         string(job.State),
		NodeID:        job.NodeID,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		FailureReason: job.FailureReason,
	}
}

func sessionResponse(session cluster.SessionRecord) SessionResponse {
	return SessionResponse{
		ID:              session.ID,
		Owner:           session.Owner,
		Class:           session.Class,
		State:           string(session.State),
		NodeID:          session.NodeID,
		ConnectionToken: session.ConnectionToken,
		CreatedAt:       session.CreatedAt,
		UpdatedAt:       session.UpdatedAt,
		LastActivity:    session.LastActivity,
		FailureReason:   session.FailureReason,
	}
}

func nodeResponse(node cluster.NodeRecord) NodeResponse {
	return NodeResponse{
		ID:            node.ID,
		Class:         node.Class,
		Address:       node.Address,
		State:         string(node.State),
		Slots:         node.Slots,
		Occupancy:     node.Occupancy(),
		Occupants:     node.Occupants,
		LastHeartbeat: node.LastHeartbeat,
		IdleSince:     node.IdleSince,
		CPUPercent:    node.CPUPercent,
		MemPercent:    node.MemPercent,
	}
}
