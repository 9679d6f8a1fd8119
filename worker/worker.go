package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/orchestrator"
	"github.com/BaSui01/taskmesh/ota"
	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/retry"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 👷 工作节点运行时
// =============================================================================

// Coordinator 节点侧看到的注册表边界。
// 单机部署直接传 foreman.Registry；跨进程部署传 HTTP 客户端实现。
type Coordinator interface {
	Register(nodeID string, capabilities []string, hasGPU bool) error
	Heartbeat(nodeID string, health types.NodeHealth) error
}

// HealthSampler 采样本机 CPU 与内存占用（百分比）
type HealthSampler func() (cpuPct, memPct float64)

// defaultSampler 无系统采样器时的保守估计
func defaultSampler() (float64, float64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memPct := float64(m.Alloc) / float64(m.Sys) * 100
	if memPct > 100 {
		memPct = 100
	}
	// CPU 占用以活跃协程数近似
	cpuPct := float64(runtime.NumGoroutine()) / 100 * 10
	if cpuPct > 100 {
		cpuPct = 100
	}
	return cpuPct, memPct
}

// Config 节点配置
type Config struct {
	// NodeID 节点唯一标识
	NodeID string `yaml:"node_id" json:"node_id"`

	// Capabilities 节点声明的能力标签
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// HasGPU 节点是否有 GPU
	HasGPU bool `yaml:"has_gpu" json:"has_gpu"`

	// HeartbeatInterval 心跳上报周期
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// ClaimInterval 队列空时的认领轮询间隔
	ClaimInterval time.Duration `yaml:"claim_interval" json:"claim_interval"`

	// ClaimLease 认领租约时长
	ClaimLease time.Duration `yaml:"claim_lease" json:"claim_lease"`

	// Concurrency 并行执行的任务数上限
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// DefaultConfig 返回默认节点配置
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:            nodeID,
		HeartbeatInterval: 10 * time.Second,
		ClaimInterval:     time.Second,
		ClaimLease:        2 * time.Minute,
		Concurrency:       4,
	}
}

// Options 节点依赖。Governor、Applier、Broadcaster 均可为 nil。
type Options struct {
	Coordinator Coordinator
	Queue       queue.TaskQueue
	Executors   *orchestrator.ExecutorRegistry
	Governor    *governor.Governor
	Broadcaster queue.Broadcaster
	Applier     *ota.Applier
	Retry       *retry.Policy
	Logger      *zap.Logger
}

// Node 工作节点
type Node struct {
	config      Config
	coordinator Coordinator
	queue       queue.TaskQueue
	executors   *orchestrator.ExecutorRegistry
	governor    *governor.Governor
	broadcaster queue.Broadcaster
	applier     *ota.Applier
	retrier     retry.Retryer
	sampler     HealthSampler
	logger      *zap.Logger

	activeCount atomic.Int32
	paused      atomic.Bool
}

// NewNode 创建工作节点
func NewNode(config Config, opts Options) (*Node, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if opts.Coordinator == nil || opts.Queue == nil || opts.Executors == nil {
		return nil, fmt.Errorf("coordinator, queue and executors are required")
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig(config.NodeID).HeartbeatInterval
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultConfig(config.NodeID).ClaimInterval
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = DefaultConfig(config.NodeID).ClaimLease
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig(config.NodeID).Concurrency
	}
	if len(config.Capabilities) == 0 {
		config.Capabilities = opts.Executors.Capabilities()
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultPolicy()
	}

	logger := opts.Logger.With(
		zap.String("component", "worker"),
		zap.String("node_id", config.NodeID))
	return &Node{
		config:      config,
		coordinator: opts.Coordinator,
		queue:       opts.Queue,
		executors:   opts.Executors,
		governor:    opts.Governor,
		broadcaster: opts.Broadcaster,
		applier:     opts.Applier,
		retrier:     retry.NewBackoffRetryer(opts.Retry, logger),
		sampler:     defaultSampler,
		logger:      logger,
	}, nil
}

// Run 注册节点并运行所有循环，直到 ctx 取消
func (n *Node) Run(ctx context.Context) error {
	if err := n.coordinator.Register(n.config.NodeID, n.config.Capabilities, n.config.HasGPU); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	n.logger.Info("node registered",
		zap.Strings("capabilities", n.config.Capabilities),
		zap.Bool("has_gpu", n.config.HasGPU))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.heartbeatLoop(gctx) })
	for i := 0; i < n.config.Concurrency; i++ {
		g.Go(func() error { return n.claimLoop(gctx) })
	}
	if n.broadcaster != nil {
		g.Go(func() error { return n.broadcastLoop(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// -----------------------------------------------------------------------------
// 心跳
// -----------------------------------------------------------------------------

func (n *Node) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.reportHealth(); err != nil {
				n.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) reportHealth() error {
	cpu, mem := n.sampler()
	return n.coordinator.Heartbeat(n.config.NodeID, types.NodeHealth{
		NodeID:          n.config.NodeID,
		CPUPct:          cpu,
		MemPct:          mem,
		ActiveTaskCount: int(n.activeCount.Load()),
		Capabilities:    n.config.Capabilities,
		HasGPU:          n.config.HasGPU,
	})
}

// -----------------------------------------------------------------------------
// 认领与执行
// -----------------------------------------------------------------------------

func (n *Node) claimLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if n.paused.Load() {
			if !sleepCtx(ctx, n.config.ClaimInterval) {
				return ctx.Err()
			}
			continue
		}

		task, err := n.claimOne(ctx)
		if err != nil {
			n.logger.Warn("claim failed", zap.Error(err))
		}
		if task == nil {
			if !sleepCtx(ctx, n.config.ClaimInterval) {
				return ctx.Err()
			}
			continue
		}

		n.execute(ctx, task)
	}
}

// claimOne 先取高优先级，再取后台队列
func (n *Node) claimOne(ctx context.Context) (*types.Task, error) {
	for _, priority := range []types.TaskPriority{types.PriorityHigh, types.PriorityBackground} {
		task, err := n.queue.ClaimNext(ctx, priority, n.config.NodeID, n.config.ClaimLease)
		if err != nil || task != nil {
			return task, err
		}
	}
	return nil, nil
}

// execute 执行认领到的任务并回写终态。
// 每次出站尝试都过治理引擎，调用后如实上报 —— 与协调者本地
// 执行遵循同一契约。
func (n *Node) execute(ctx context.Context, task *types.Task) {
	n.activeCount.Add(1)
	defer n.activeCount.Add(-1)

	executor, ok := n.executors.Lookup(task.Capability)
	if !ok {
		// 声明的能力与实际注册不符，把任务还给集群
		n.logger.Error("claimed task with unregistered capability",
			zap.String("task_id", task.ID),
			zap.String("capability", task.Capability))
		if err := n.queue.Requeue(ctx, task.ID); err != nil {
			n.logger.Error("requeue failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	scope := n.scopeFor(task)
	var output json.RawMessage
	execErr := n.retrier.Do(ctx, func() error {
		if n.governor != nil {
			if decision := n.governor.CheckOutbound(scope); !decision.Allowed {
				return types.NewError(decision.Reason, "outbound call denied").WithRetryable(false)
			}
		}

		result, err := executor.Execute(ctx, task.Payload)
		if err != nil {
			if n.governor != nil {
				n.governor.RecordResponse(scope, false, 0, 0)
			}
			return err
		}
		if n.governor != nil {
			n.governor.RecordResponse(scope, true, result.Cost, result.Tokens)
		}

		out, contractErr := orchestrator.ResultOutput(result)
		if contractErr != nil {
			return contractErr
		}
		output = out
		return nil
	})

	n.report(ctx, task.ID, output, execErr)
}

// report 回写终态；任务已被看门狗回收或取消时的回写是无害空操作
func (n *Node) report(ctx context.Context, taskID string, output json.RawMessage, execErr error) {
	var err error
	if execErr == nil {
		err = n.queue.UpdateStatus(ctx, taskID, types.TaskCompleted, output, "", "")
	} else {
		err = n.queue.UpdateStatus(ctx, taskID, types.TaskFailed, nil, types.CodeOf(execErr), execErr.Error())
	}

	switch {
	case err == nil:
	case errors.Is(err, queue.ErrAlreadyTerminal):
		n.logger.Warn("late result discarded", zap.String("task_id", taskID))
	case errors.Is(err, queue.ErrInvalidTransition):
		// 任务被看门狗回收后重新入队，结果作废
		n.logger.Warn("result for reclaimed task discarded", zap.String("task_id", taskID))
	default:
		n.logger.Error("report failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (n *Node) scopeFor(task *types.Task) types.ProviderScope {
	if task.Route != nil {
		return types.ScopeOf(task.Route.Provider, "EXECUTE")
	}
	return types.ScopeOf("local", "EXECUTE")
}

// -----------------------------------------------------------------------------
// 广播
// -----------------------------------------------------------------------------

// ControlMessage CONTROL 广播的数据体
type ControlMessage struct {
	// Action 为 pause_claims / resume_claims / report_status
	Action string `json:"action"`
}

func (n *Node) broadcastLoop(ctx context.Context) error {
	ch, cancel, err := n.broadcaster.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe broadcast: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			n.handleBroadcast(ctx, env)
		}
	}
}

func (n *Node) handleBroadcast(ctx context.Context, env *queue.Envelope) {
	switch env.Command {
	case queue.CommandUpdateSystem:
		n.handleUpdate(ctx, env)
	case queue.CommandControl:
		n.handleControl(env)
	case queue.CommandUpdateAck:
		// 回执发给协调者，节点忽略
	default:
		n.logger.Warn("unknown broadcast command", zap.String("command", string(env.Command)))
	}
}

// handleUpdate OTA 更新必须显式回执，校验失败也要把拒因发回去
func (n *Node) handleUpdate(ctx context.Context, env *queue.Envelope) {
	if n.applier == nil {
		n.logger.Warn("update broadcast received but applier not configured")
		return
	}

	ack, err := n.applier.HandleBroadcast(env)
	if errors.Is(err, ota.ErrNotTargeted) {
		return
	}
	if err != nil {
		n.logger.Error("update apply failed", zap.Error(err))
	}
	if ack != nil {
		if pubErr := n.broadcaster.Publish(ctx, ack); pubErr != nil {
			n.logger.Error("publish update ack failed", zap.Error(pubErr))
		}
	}
}

func (n *Node) handleControl(env *queue.Envelope) {
	var msg ControlMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		n.logger.Warn("malformed control message", zap.Error(err))
		return
	}

	switch msg.Action {
	case "pause_claims":
		n.paused.Store(true)
		n.logger.Info("claims paused by control broadcast")
	case "resume_claims":
		n.paused.Store(false)
		n.logger.Info("claims resumed by control broadcast")
	case "report_status":
		if err := n.reportHealth(); err != nil {
			n.logger.Warn("status report failed", zap.Error(err))
		}
	default:
		n.logger.Warn("unknown control action", zap.String("action", msg.Action))
	}
}

// sleepCtx 可取消的睡眠；返回 false 表示 ctx 已取消
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
