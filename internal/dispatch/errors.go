// ABOUTME: Error taxonomy for dispatch admission and lifecycle operations.
// ABOUTME: Sentinels classify outcomes; typed errors carry rejection detail.

package dispatch

import (
	"errors"
	"fmt"

	"github.com/darkpunkki/taskbridge/internal/ratelimit"
)

var (
	// ErrInvalidContent indicates content that failed validation before any
	// state mutation.
	ErrInvalidContent = errors.New("invalid content")

	// ErrAgentNotFound indicates an agent id unknown to both the registry
	// and the agent records.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentNotConnected indicates a known agent with no live connection.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrActiveTask indicates the agent already has an active task.
	ErrActiveTask = errors.New("agent already has an active task")

	// ErrNoActiveTask indicates a follow-up with no task context to follow.
	ErrNoActiveTask = errors.New("agent has no active task")
)

// RateLimitedError rejects a dispatch whose sliding window is exhausted.
// It carries the limit/remaining/reset hints for both dimensions.
type RateLimitedError struct {
	Result ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	d := e.Result.Agent
	dim := "agent"
	if !e.Result.IP.Allowed {
		d = e.Result.IP
		dim = "client"
	}
	return fmt.Sprintf("rate limit exceeded: max %d requests per window for %s, retry in %s",
		d.Limit, dim, d.ResetAfter.Round(1e9))
}
