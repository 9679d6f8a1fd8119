package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskmesh/types"
)

func newTestTask(priority types.TaskPriority) *types.Task {
	return &types.Task{
		ID:         uuid.NewString(),
		Payload:    json.RawMessage(`{"op":"echo"}`),
		Capability: "chat",
		Priority:   priority,
		Status:     types.TaskPending,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestMemoryQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(zaptest.NewLogger(t))
	defer q.Close()

	task := newTestTask(types.PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, task))

	// 重复入队被拒绝
	require.Error(t, q.Enqueue(ctx, task))

	claimed, err := q.ClaimNext(ctx, types.PriorityHigh, "node-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, types.TaskProcessing, claimed.Status)
	assert.Equal(t, "node-1", claimed.AssignedNode)
	assert.False(t, claimed.ClaimDeadline.IsZero())

	// 队列已空
	empty, err := q.ClaimNext(ctx, types.PriorityHigh, "node-2", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, q.UpdateStatus(ctx, task.ID, types.TaskCompleted, json.RawMessage(`{"ok":true}`), "", ""))

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func TestMemoryQueuePrioritiesIsolated(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(zaptest.NewLogger(t))
	defer q.Close()

	bg := newTestTask(types.PriorityBackground)
	require.NoError(t, q.Enqueue(ctx, bg))

	// 高优先级队列为空，不会偷取后台任务
	task, err := q.ClaimNext(ctx, types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	task, err = q.ClaimNext(ctx, types.PriorityBackground, "node-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, bg.ID, task.ID)
}

func TestMemoryQueueTerminalIsFrozen(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(zaptest.NewLogger(t))
	defer q.Close()

	task := newTestTask(types.PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.ClaimNext(ctx, types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.UpdateStatus(ctx, task.ID, types.TaskFailed, nil, types.FallbackTimeout, "upstream timed out"))

	// 终态任务拒绝任何后续写入
	err = q.UpdateStatus(ctx, task.ID, types.TaskCompleted, json.RawMessage(`{}`), "", "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.FallbackTimeout, got.ErrorCode)
}

func TestMemoryQueueIllegalTransition(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(zaptest.NewLogger(t))
	defer q.Close()

	task := newTestTask(types.PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, task))

	// PENDING 不能直接 COMPLETED
	err := q.UpdateStatus(ctx, task.ID, types.TaskCompleted, nil, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMemoryQueueRequeue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(zaptest.NewLogger(t))
	defer q.Close()

	task := newTestTask(types.PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.ClaimNext(ctx, types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, task.ID))

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.AssignedNode)

	// 重入队后可被其他节点认领
	reclaimed, err := q.ClaimNext(ctx, types.PriorityHigh, "node-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "node-2", reclaimed.AssignedNode)
}

func TestMemoryQueueCancel(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(zaptest.NewLogger(t))
	defer q.Close()

	pending := newTestTask(types.PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, pending))
	require.NoError(t, q.Cancel(ctx, pending.ID))

	got, err := q.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.ErrCancelled, got.ErrorCode)

	// 已取消任务不会再被认领
	task, err := q.ClaimNext(ctx, types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	// 处理中的任务只能尽力取消
	active := newTestTask(types.PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, active))
	_, err = q.ClaimNext(ctx, types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Cancel(ctx, active.ID), ErrNotClaimable)
}

// TestMemoryQueueClaimRace 验证 N 个节点并发认领时每个任务最多一个归属者。
func TestMemoryQueueClaimRace(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(zaptest.NewLogger(t))
	defer q.Close()

	const taskCount = 50
	const nodeCount = 16

	for i := 0; i < taskCount; i++ {
		require.NoError(t, q.Enqueue(ctx, newTestTask(types.PriorityHigh)))
	}

	var mu sync.Mutex
	owners := make(map[string][]string)

	var wg sync.WaitGroup
	for n := 0; n < nodeCount; n++ {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			for {
				task, err := q.ClaimNext(ctx, types.PriorityHigh, node, time.Minute)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				owners[task.ID] = append(owners[task.ID], node)
				mu.Unlock()
			}
		}(fmt.Sprintf("node-%d", n))
	}
	wg.Wait()

	assert.Len(t, owners, taskCount)
	for id, claimants := range owners {
		assert.Len(t, claimants, 1, "task %s claimed more than once", id)
	}
}

func TestMemoryQueueStats(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(zaptest.NewLogger(t))
	defer q.Close()

	high := newTestTask(types.PriorityHigh)
	bg := newTestTask(types.PriorityBackground)
	done := newTestTask(types.PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, high))
	require.NoError(t, q.Enqueue(ctx, bg))
	require.NoError(t, q.Enqueue(ctx, done))

	claimed, err := q.ClaimNext(ctx, types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.UpdateStatus(ctx, claimed.ID, types.TaskCompleted, nil, "", ""))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingHigh)
	assert.Equal(t, int64(1), stats.PendingBackground)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Completed)
}
