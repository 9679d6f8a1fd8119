package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/taskmesh/types"
)

var (
	// ErrTaskNotFound is returned when the task ID is unknown to the queue.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAlreadyTerminal is returned by UpdateStatus when the task is
	// already in a terminal state. Callers treat it as a warning-level
	// no-op, never as a caller-facing failure.
	ErrAlreadyTerminal = errors.New("task already in terminal state")

	// ErrInvalidTransition is returned when the requested status change
	// is not a legal state-machine edge.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotClaimable is returned by Cancel when the task is processing
	// and can only be cancelled best-effort.
	ErrNotClaimable = errors.New("task is not pending")
)

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	PendingHigh       int64 `json:"pending_high"`
	PendingBackground int64 `json:"pending_background"`
	Processing        int64 `json:"processing"`
	Completed         int64 `json:"completed"`
	Failed            int64 `json:"failed"`
}

// TaskQueue is the durable priority queue shared by every worker node.
//
// ClaimNext must be atomic: popping the task, marking it PROCESSING and
// stamping owner plus heartbeat deadline happen in one operation, so no
// two claimants can ever own the same task.
type TaskQueue interface {
	// Enqueue appends a PENDING task to its priority queue. Non-blocking.
	Enqueue(ctx context.Context, task *types.Task) error

	// ClaimNext atomically pops the next task of the given priority,
	// marks it PROCESSING, and stamps owner and heartbeat deadline.
	// Returns (nil, nil) when the queue is empty.
	ClaimNext(ctx context.Context, priority types.TaskPriority, owner string, lease time.Duration) (*types.Task, error)

	// UpdateStatus is the only way to mutate a claimed task. Moving an
	// already-terminal task returns ErrAlreadyTerminal without changes.
	UpdateStatus(ctx context.Context, taskID string, status types.TaskStatus, result json.RawMessage, errCode types.ErrorCode, errDetails string) error

	// Requeue moves a PROCESSING task back to PENDING (zombie recovery),
	// incrementing its attempt count by exactly one.
	Requeue(ctx context.Context, taskID string) error

	// Cancel removes a PENDING task from its queue and marks it
	// FAILED:cancelled. For a PROCESSING task it returns ErrNotClaimable;
	// best-effort cancellation of running tasks is the orchestrator's job.
	Cancel(ctx context.Context, taskID string) error

	// Get returns a snapshot of the task.
	Get(ctx context.Context, taskID string) (*types.Task, error)

	// ListProcessing returns snapshots of all PROCESSING tasks, for the
	// watchdog scan.
	ListProcessing(ctx context.Context) ([]*types.Task, error)

	// Stats returns current queue depths.
	Stats(ctx context.Context) (Stats, error)

	// Close releases queue resources.
	Close() error
}
