package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// MemoryQueue is a mutex-guarded in-process TaskQueue. The claim path holds
// the lock across pop-and-mark, which is what makes it atomic.
type MemoryQueue struct {
	mu         sync.Mutex
	tasks      map[string]*types.Task
	pending    map[types.TaskPriority][]string
	logger     *zap.Logger
	now        func() time.Time
	completed  int64
	failed     int64
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(logger *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		tasks: make(map[string]*types.Task),
		pending: map[types.TaskPriority][]string{
			types.PriorityHigh:       {},
			types.PriorityBackground: {},
		},
		logger: logger.With(zap.String("component", "queue")),
		now:    time.Now,
	}
}

// Enqueue implements TaskQueue.Enqueue.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *types.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task must have an ID")
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", task.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already enqueued", task.ID)
	}

	cp := task.Clone()
	cp.Status = types.TaskPending
	q.tasks[cp.ID] = cp
	q.pending[cp.Priority] = append(q.pending[cp.Priority], cp.ID)

	q.logger.Debug("task enqueued",
		zap.String("task_id", cp.ID),
		zap.String("priority", string(cp.Priority)))
	return nil
}

// ClaimNext implements TaskQueue.ClaimNext.
func (q *MemoryQueue) ClaimNext(ctx context.Context, priority types.TaskPriority, owner string, lease time.Duration) (*types.Task, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.pending[priority]
	if len(ids) == 0 {
		return nil, nil
	}

	id := ids[0]
	q.pending[priority] = ids[1:]

	task, ok := q.tasks[id]
	if !ok {
		// Cancelled while pending; index entry is stale.
		return nil, nil
	}

	task.Status = types.TaskProcessing
	task.AssignedNode = owner
	task.ClaimDeadline = q.now().Add(lease)

	return task.Clone(), nil
}

// UpdateStatus implements TaskQueue.UpdateStatus.
func (q *MemoryQueue) UpdateStatus(ctx context.Context, taskID string, status types.TaskStatus, result json.RawMessage, errCode types.ErrorCode, errDetails string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if !task.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, status)
	}

	task.Status = status
	switch status {
	case types.TaskCompleted:
		task.Result = append(json.RawMessage(nil), result...)
		task.AssignedNode = ""
		q.completed++
	case types.TaskFailed, types.TaskLost:
		task.ErrorCode = errCode
		task.ErrorDetails = errDetails
		task.AssignedNode = ""
		q.failed++
	}
	return nil
}

// Requeue implements TaskQueue.Requeue.
func (q *MemoryQueue) Requeue(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != types.TaskProcessing {
		return fmt.Errorf("%w: %s -> PENDING", ErrInvalidTransition, task.Status)
	}

	task.Status = types.TaskPending
	task.AssignedNode = ""
	task.ClaimDeadline = time.Time{}
	task.AttemptCount++
	q.pending[task.Priority] = append(q.pending[task.Priority], task.ID)

	q.logger.Info("task requeued",
		zap.String("task_id", taskID),
		zap.Int("attempt_count", task.AttemptCount))
	return nil
}

// Cancel implements TaskQueue.Cancel.
func (q *MemoryQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != types.TaskPending {
		return ErrNotClaimable
	}

	ids := q.pending[task.Priority]
	for i, id := range ids {
		if id == taskID {
			q.pending[task.Priority] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	task.Status = types.TaskFailed
	task.ErrorCode = types.ErrCancelled
	task.ErrorDetails = "cancelled while pending"
	q.failed++
	return nil
}

// Get implements TaskQueue.Get.
func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// ListProcessing implements TaskQueue.ListProcessing.
func (q *MemoryQueue) ListProcessing(ctx context.Context) ([]*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for _, task := range q.tasks {
		if task.Status == types.TaskProcessing {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

// Stats implements TaskQueue.Stats.
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var processing int64
	for _, task := range q.tasks {
		if task.Status == types.TaskProcessing {
			processing++
		}
	}
	return Stats{
		PendingHigh:       int64(len(q.pending[types.PriorityHigh])),
		PendingBackground: int64(len(q.pending[types.PriorityBackground])),
		Processing:        processing,
		Completed:         q.completed,
		Failed:            q.failed,
	}, nil
}

// Close implements TaskQueue.Close.
func (q *MemoryQueue) Close() error {
	return nil
}
