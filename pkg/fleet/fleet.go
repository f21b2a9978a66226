// Package fleet is the boundary to the cloud provider that issues and
// terminates compute hosts. The scheduler only ever talks to the Controller
// interface; the concrete driver (cloud SDK, simulator) is wired in main.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HealthState is a host's health as reported by the provider.
type HealthState string

const (
	HealthProvisioning HealthState = "provisioning"
	HealthReady        HealthState = "ready"
	HealthUnhealthy    HealthState = "unhealthy"
	HealthTerminated   HealthState = "terminated"
)

// NodeHandle identifies a host issued by the provider.
type NodeHandle struct {
	NodeID  string
	Class   string
	Address string // host endpoint the gateway proxies to
}

// NodeStatus is one entry of a fleet health report.
type NodeStatus struct {
	NodeID   string
	Class    string
	Address  string
	State    HealthState
	SeenAt   time.Time
	Detail   string
}

// Controller issues and terminates compute hosts.
//
// Terminate is idempotent: terminating an unknown or already-terminated node
// is a no-op. Provisioning failures are reported as *ProvisionError so the
// scheduler can distinguish "give up" from "try again"; transient health-check
// problems are plain errors.
type Controller interface {
	Provision(ctx context.Context, class string) (*NodeHandle, error)
	Terminate(ctx context.Context, nodeID string) error
	ListHealth(ctx context.Context) ([]NodeStatus, error)
}

// ProvisionError indicates the provider could not issue a host.
type ProvisionError struct {
	Class     string
	Reason    string
	Retryable bool
}

// Error implements the error interface
func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision %s node: %s", e.Class, e.Reason)
}

// IsProvisionError checks if an error is a ProvisionError.
func IsProvisionError(err error) bool {
	var provErr *ProvisionError
	return errors.As(err, &provErr)
}

// IsRetryable reports whether a provisioning failure is worth retrying.
// Non-provision errors (transient health or transport problems) are always
// retryable.
func IsRetryable(err error) bool {
	var provErr *ProvisionError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return true
}
