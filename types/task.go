package types

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending indicates the task is waiting to be claimed.
	TaskPending TaskStatus = "PENDING"

	// TaskProcessing indicates exactly one owner is executing the task.
	TaskProcessing TaskStatus = "PROCESSING"

	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskStatus = "COMPLETED"

	// TaskFailed indicates the task terminated with an error.
	TaskFailed TaskStatus = "FAILED"

	// TaskLost indicates the task was abandoned and could not be recovered.
	TaskLost TaskStatus = "LOST"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskLost:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal edge.
// Transitions are monotonic; the single backward edge is
// PROCESSING -> PENDING, used when the watchdog requeues a zombie task.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskProcessing || next == TaskFailed
	case TaskProcessing:
		return next == TaskPending || next == TaskCompleted ||
			next == TaskFailed || next == TaskLost
	default:
		return false
	}
}

// TaskPriority selects which queue a task is placed on.
type TaskPriority string

const (
	// PriorityHigh is for latency-sensitive work.
	PriorityHigh TaskPriority = "high"

	// PriorityBackground is for deferrable work.
	PriorityBackground TaskPriority = "background"
)

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	return p == PriorityHigh || p == PriorityBackground
}

// Task is a unit of work routed to an execution backend.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// Payload is the opaque task input, passed verbatim to the executor.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Capability names the kind of work the task requires.
	Capability string `json:"capability"`

	// Priority selects the queue.
	Priority TaskPriority `json:"priority"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`

	// AssignedNode is the node currently holding PROCESSING ownership.
	AssignedNode string `json:"assigned_node,omitempty"`

	// AttemptCount is incremented each time the task is (re)queued for
	// execution after a failure or zombie requeue.
	AttemptCount int `json:"attempt_count"`

	// ClaimDeadline is the heartbeat deadline stamped at claim time.
	ClaimDeadline time.Time `json:"claim_deadline,omitempty"`

	// Route records the resolved execution route, set by the orchestrator.
	Route *ResolvedRoute `json:"route,omitempty"`

	// Result holds the executor output for COMPLETED tasks.
	Result json.RawMessage `json:"result,omitempty"`

	// ErrorCode is the stable reason code for FAILED/LOST tasks.
	ErrorCode ErrorCode `json:"error_code,omitempty"`

	// ErrorDetails holds free-form diagnostic context. Clients key off
	// ErrorCode and must never parse this.
	ErrorDetails string `json:"error_details,omitempty"`
}

// ResolvedRoute is the (provider, endpoint, config hash) triple fixed at
// runtime-resolution time. A task observing a different ConfigHash for the
// same logical route later in its life fails with routing_mismatch.
type ResolvedRoute struct {
	Provider   string `json:"provider"`
	Endpoint   string `json:"endpoint"`
	ConfigHash string `json:"config_hash"`
}

// Clone returns a deep copy of the task, safe to hand to callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Route != nil {
		route := *t.Route
		cp.Route = &route
	}
	return &cp
}
