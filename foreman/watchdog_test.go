package foreman

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/trace"
	"github.com/BaSui01/taskmesh/types"
)

type watchdogFixture struct {
	clock    *fakeClock
	registry *Registry
	queue    *queue.MemoryQueue
	tracer   *trace.Tracer
	watchdog *Watchdog
}

func newWatchdogFixture(t *testing.T, maxAttempts int) *watchdogFixture {
	clock := newFakeClock()
	registry := newTestRegistry(t, clock)
	q := queue.NewMemoryQueue(zaptest.NewLogger(t))
	tracer := trace.NewTracer(trace.DefaultConfig(), zaptest.NewLogger(t))

	w := NewWatchdog(WatchdogConfig{
		Interval:      time.Second,
		ZombieTimeout: 60 * time.Second,
		MaxAttempts:   maxAttempts,
	}, registry, q, tracer, zaptest.NewLogger(t))
	w.now = clock.Now

	return &watchdogFixture{clock: clock, registry: registry, queue: q, tracer: tracer, watchdog: w}
}

func (f *watchdogFixture) enqueueAndClaim(t *testing.T, node string, lease time.Duration) *types.Task {
	t.Helper()
	ctx := context.Background()
	task := &types.Task{
		ID:        uuid.NewString(),
		Payload:   json.RawMessage(`{}`),
		Priority:  types.PriorityHigh,
		Status:    types.TaskPending,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.queue.Enqueue(ctx, task))
	claimed, err := f.queue.ClaimNext(ctx, types.PriorityHigh, node, lease)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

// TestWatchdogRequeuesZombie 心跳停跳超过 zombie_timeout 的任务
// 被重新入队，attempt_count 恰好加一。
func TestWatchdogRequeuesZombie(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, 3)

	require.NoError(t, f.registry.Register("node-1", nil, false))
	task := f.enqueueAndClaim(t, "node-1", time.Minute)

	// 心跳停止 zombie_timeout+1 秒（租约同时到期）
	f.clock.Advance(61 * time.Second)

	reclaimed, err := f.watchdog.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	got, err := f.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.AssignedNode)

	entries := f.tracer.TaskTrace(task.ID)
	require.NotEmpty(t, entries)
	assert.Equal(t, trace.StageWatchdog, entries[len(entries)-1].Stage)
}

func TestWatchdogSparesLiveOwner(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, 3)

	require.NoError(t, f.registry.Register("node-1", nil, false))
	task := f.enqueueAndClaim(t, "node-1", 5*time.Minute)

	// 节点持续心跳
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.registry.Heartbeat("node-1", types.NodeHealth{ActiveTaskCount: 1}))
	f.clock.Advance(30 * time.Second)

	reclaimed, err := f.watchdog.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	got, err := f.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskProcessing, got.Status)
}

func TestWatchdogRespectsLease(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, 3)

	require.NoError(t, f.registry.Register("node-1", nil, false))
	task := f.enqueueAndClaim(t, "node-1", 10*time.Minute)

	// 心跳停跳但租约未到期，留给节点上报窗口
	f.clock.Advance(61 * time.Second)

	reclaimed, err := f.watchdog.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	got, err := f.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskProcessing, got.Status)
}

// TestWatchdogFailsAfterMaxRetries 重试超限的僵尸任务转为终态失败，
// 原因为 max_retries_exceeded。
func TestWatchdogFailsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, 2)

	require.NoError(t, f.registry.Register("node-1", nil, false))
	task := f.enqueueAndClaim(t, "node-1", time.Minute)

	for round := 1; round <= 2; round++ {
		f.clock.Advance(61 * time.Second)
		reclaimed, err := f.watchdog.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, reclaimed, "round %d", round)

		got, err := f.queue.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, types.TaskPending, got.Status)
		require.Equal(t, round, got.AttemptCount)

		// 节点再次认领后继续停跳
		_, err = f.queue.ClaimNext(ctx, types.PriorityHigh, "node-1", time.Minute)
		require.NoError(t, err)
	}

	// 第三次停跳超出 MaxAttempts=2
	f.clock.Advance(61 * time.Second)
	reclaimed, err := f.watchdog.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	got, err := f.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, types.ErrMaxRetriesExceeded, got.ErrorCode)
}

func TestWatchdogSweepsRegistry(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, 3)

	require.NoError(t, f.registry.Register("node-1", nil, false))
	f.clock.Advance(31 * time.Second)

	_, err := f.watchdog.Tick(ctx)
	require.NoError(t, err)

	node, err := f.registry.Node("node-1")
	require.NoError(t, err)
	assert.False(t, node.IsOnline)
}

// brokenRequeueQueue 包装内存队列，Requeue 恒定失败，
// 模拟队列后端状态已不可恢复。
type brokenRequeueQueue struct {
	queue.TaskQueue
}

func (q *brokenRequeueQueue) Requeue(ctx context.Context, taskID string) error {
	return errors.New("queue record corrupted")
}

// TestWatchdogMarksLostWhenRequeueImpossible 归属节点消失且重新
// 入队失败的僵尸任务转入 LOST 终态留档。
func TestWatchdogMarksLostWhenRequeueImpossible(t *testing.T) {
	ctx := context.Background()
	f := newWatchdogFixture(t, 3)

	w := NewWatchdog(WatchdogConfig{
		Interval:      time.Second,
		ZombieTimeout: 60 * time.Second,
		MaxAttempts:   3,
	}, f.registry, &brokenRequeueQueue{TaskQueue: f.queue}, f.tracer, zaptest.NewLogger(t))
	w.now = f.clock.Now

	require.NoError(t, f.registry.Register("node-1", nil, false))
	task := f.enqueueAndClaim(t, "node-1", time.Minute)

	f.clock.Advance(61 * time.Second)

	reclaimed, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	got, err := f.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskLost, got.Status)
	assert.Equal(t, types.ErrInternal, got.ErrorCode)
	assert.Contains(t, got.ErrorDetails, "requeue failed")

	entries := f.tracer.TaskTrace(task.ID)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, trace.StageWatchdog, last.Stage)
	assert.Equal(t, types.TaskLost, last.ToStatus)
}
