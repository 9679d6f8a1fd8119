package foreman

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/trace"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🐕 僵尸任务看门狗
// =============================================================================

// WatchdogConfig 看门狗配置
type WatchdogConfig struct {
	// Interval 巡检周期
	Interval time.Duration

	// ZombieTimeout 归属节点心跳中断超过该时长即判定任务为僵尸
	ZombieTimeout time.Duration

	// MaxAttempts 任务重试上限，超出后置为终态失败
	MaxAttempts int
}

// DefaultWatchdogConfig 返回默认配置
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Interval:      10 * time.Second,
		ZombieTimeout: 60 * time.Second,
		MaxAttempts:   3,
	}
}

// Watchdog 周期性回收僵尸任务。
// 僵尸任务重新入队（PROCESSING → PENDING，attempt_count 加一）；
// 重试超限的任务置为 FAILED:max_retries_exceeded；
// 归属节点消失且队列状态已不可恢复的任务置为 LOST。
type Watchdog struct {
	config   WatchdogConfig
	registry *Registry
	queue    queue.TaskQueue
	tracer   *trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

// NewWatchdog 创建看门狗。tracer 可为 nil。
func NewWatchdog(config WatchdogConfig, registry *Registry, q queue.TaskQueue, tracer *trace.Tracer, logger *zap.Logger) *Watchdog {
	if config.Interval <= 0 {
		config.Interval = DefaultWatchdogConfig().Interval
	}
	if config.ZombieTimeout <= 0 {
		config.ZombieTimeout = DefaultWatchdogConfig().ZombieTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultWatchdogConfig().MaxAttempts
	}
	return &Watchdog{
		config:   config,
		registry: registry,
		queue:    q,
		tracer:   tracer,
		logger:   logger.With(zap.String("component", "watchdog")),
		now:      time.Now,
	}
}

// Tick 执行一轮巡检。返回本轮回收的僵尸任务数。
func (w *Watchdog) Tick(ctx context.Context) (int, error) {
	w.registry.Sweep()

	processing, err := w.queue.ListProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processing tasks: %w", err)
	}

	reclaimed := 0
	for _, task := range processing {
		if !w.isZombie(task) {
			continue
		}
		if err := w.reclaim(ctx, task); err != nil {
			w.logger.Error("failed to reclaim zombie task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// isZombie 判定任务归属节点是否已停跳
func (w *Watchdog) isZombie(task *types.Task) bool {
	if task.AssignedNode == "" {
		return false
	}
	if w.registry.IsAlive(task.AssignedNode, w.config.ZombieTimeout) {
		return false
	}
	// 租约未到期前给节点留出上报窗口
	if !task.ClaimDeadline.IsZero() && w.now().Before(task.ClaimDeadline) {
		return false
	}
	return true
}

// reclaim 回收单个僵尸任务
func (w *Watchdog) reclaim(ctx context.Context, task *types.Task) error {
	if task.AttemptCount+1 > w.config.MaxAttempts {
		detail := fmt.Sprintf("abandoned by %s after %d attempts", task.AssignedNode, task.AttemptCount)
		err := w.queue.UpdateStatus(ctx, task.ID, types.TaskFailed, nil, types.ErrMaxRetriesExceeded, detail)
		if err != nil {
			return err
		}
		if w.tracer != nil {
			w.tracer.Append(task.ID, trace.StageWatchdog, types.TaskProcessing, types.TaskFailed, detail)
		}
		w.logger.Warn("zombie task failed after max retries",
			zap.String("task_id", task.ID),
			zap.String("node_id", task.AssignedNode),
			zap.Int("attempt_count", task.AttemptCount))
		return nil
	}

	if err := w.queue.Requeue(ctx, task.ID); err != nil {
		return w.markLost(ctx, task, err)
	}
	if w.tracer != nil {
		w.tracer.Append(task.ID, trace.StageWatchdog, types.TaskProcessing, types.TaskPending,
			fmt.Sprintf("requeued, previous owner %s stopped heartbeating", task.AssignedNode))
	}
	w.logger.Warn("zombie task requeued",
		zap.String("task_id", task.ID),
		zap.String("node_id", task.AssignedNode),
		zap.Int("attempt_count", task.AttemptCount+1))
	return nil
}

// markLost 重新入队失败意味着队列里的任务状态已不可恢复
// （记录消失或被后端破坏），置为 LOST 终态留档。
// 与迟到终态回调的竞争是良性的：对方赢了就保持原终态。
func (w *Watchdog) markLost(ctx context.Context, task *types.Task, cause error) error {
	detail := fmt.Sprintf("owner %s gone and requeue failed: %v", task.AssignedNode, cause)
	err := w.queue.UpdateStatus(ctx, task.ID, types.TaskLost, nil, types.ErrInternal, detail)
	switch {
	case errors.Is(err, queue.ErrAlreadyTerminal):
		return nil
	case errors.Is(err, queue.ErrTaskNotFound):
		w.logger.Error("zombie task vanished from queue",
			zap.String("task_id", task.ID),
			zap.NamedError("cause", cause))
		return nil
	case err != nil:
		return err
	}
	if w.tracer != nil {
		w.tracer.Append(task.ID, trace.StageWatchdog, types.TaskProcessing, types.TaskLost, detail)
	}
	w.logger.Error("zombie task lost",
		zap.String("task_id", task.ID),
		zap.String("node_id", task.AssignedNode),
		zap.NamedError("cause", cause))
	return nil
}

// Run 周期性执行 Tick 直到 ctx 取消
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.logger.Error("watchdog tick failed", zap.Error(err))
			}
		}
	}
}
