package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/foreman"
	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/internal/pool"
	"github.com/BaSui01/taskmesh/persistence"
	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/retry"
	"github.com/BaSui01/taskmesh/trace"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🎛️ 任务编排器
// =============================================================================

// otelTracer 编排器内部链路埋点（遥测关闭时为全局 noop provider）
var otelTracer = otel.Tracer("taskmesh/orchestrator")

// Config 编排器配置
type Config struct {
	// ClaimLease 远端任务的认领租约时长
	ClaimLease time.Duration `yaml:"claim_lease" json:"claim_lease"`

	// Retry 本地执行失败的重试策略
	Retry *retry.Policy `yaml:"retry" json:"retry"`

	// Pool 本地执行协程池配置
	Pool pool.Config `yaml:"pool" json:"pool"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ClaimLease: 2 * time.Minute,
		Retry:      retry.DefaultPolicy(),
		Pool:       pool.DefaultConfig(),
	}
}

// Orchestrator 顶层任务状态机。
// 所有任务的状态变更只经由编排器与集群看门狗两条路径。
type Orchestrator struct {
	config     Config
	queue      queue.TaskQueue
	governor   *governor.Governor
	resolver   *Resolver
	executors  *ExecutorRegistry
	classifier Classifier
	registry   *foreman.Registry
	balancer   *foreman.Balancer
	tracer     *trace.Tracer
	archive    *persistence.ArchiveStore
	pool       *pool.WorkerPool
	retrier    retry.Retryer
	logger     *zap.Logger
	now        func() time.Time
}

// Options 编排器依赖。Archive 可为 nil（不归档）。
type Options struct {
	Queue      queue.TaskQueue
	Governor   *governor.Governor
	Resolver   *Resolver
	Executors  *ExecutorRegistry
	Classifier Classifier
	Registry   *foreman.Registry
	Balancer   *foreman.Balancer
	Tracer     *trace.Tracer
	Archive    *persistence.ArchiveStore
	Logger     *zap.Logger
}

// New 创建编排器
func New(config Config, opts Options) (*Orchestrator, error) {
	if opts.Queue == nil || opts.Governor == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("queue, governor and resolver are required")
	}
	if opts.Executors == nil {
		opts.Executors = NewExecutorRegistry()
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.NewTracer(trace.DefaultConfig(), opts.Logger)
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = DefaultConfig().ClaimLease
	}
	if config.Retry == nil {
		config.Retry = retry.DefaultPolicy()
	}

	logger := opts.Logger.With(zap.String("component", "orchestrator"))
	return &Orchestrator{
		config:     config,
		queue:      opts.Queue,
		governor:   opts.Governor,
		resolver:   opts.Resolver,
		executors:  opts.Executors,
		classifier: opts.Classifier,
		registry:   opts.Registry,
		balancer:   opts.Balancer,
		tracer:     opts.Tracer,
		archive:    opts.Archive,
		pool:       pool.New(config.Pool),
		retrier:    retry.NewBackoffRetryer(config.Retry, logger),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Submit 受理一个任务并返回任务 ID。
// 决策门失败的任务以终态失败留档，原因原样返回给查询方；
// 门全部通过的任务进入本地执行或集群队列。
func (o *Orchestrator) Submit(ctx context.Context, payload json.RawMessage, capability string, priority types.TaskPriority) (string, error) {
	ctx, span := otelTracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	if len(payload) == 0 || !json.Valid(payload) {
		return "", types.NewError(types.ErrInvalidRequest, "payload must be valid JSON").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if priority == "" {
		priority = types.PriorityBackground
	}
	if !priority.Valid() {
		return "", types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown priority %q", priority)).
			WithHTTPStatus(http.StatusBadRequest)
	}

	// 未指定能力标签时交给外部分类器解析
	if capability == "" {
		if o.classifier == nil {
			return "", types.NewError(types.ErrInvalidRequest, "capability label is required").
				WithHTTPStatus(http.StatusBadRequest)
		}
		label, err := o.classifier.Classify(ctx, string(payload))
		if err != nil {
			return "", types.NewError(types.ErrInvalidRequest, "intent classification failed").
				WithHTTPStatus(http.StatusBadRequest).WithCause(err)
		}
		capability = label
	}

	task := &types.Task{
		ID:         uuid.NewString(),
		Payload:    payload,
		Capability: capability,
		Priority:   priority,
		Status:     types.TaskPending,
		CreatedAt:  o.now().UTC(),
	}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.capability", capability),
		attribute.String("task.priority", string(priority)),
	)
	o.tracer.Append(task.ID, trace.StageSubmit, "", types.TaskPending,
		fmt.Sprintf("capability=%s priority=%s", capability, priority))

	if err := o.runGates(ctx, task); err != nil {
		// 门失败已把任务置为终态；拒因通过任务快照暴露
		span.SetStatus(otelcodes.Error, "rejected at decision gate")
		return task.ID, nil
	}

	if err := o.dispatch(ctx, task); err != nil {
		o.logger.Error("dispatch failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	return task.ID, nil
}

// Get 返回任务快照
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := o.queue.Get(ctx, taskID)
	if errors.Is(err, queue.ErrTaskNotFound) {
		// 在途队列无此任务时回查归档
		if o.archive != nil {
			if record, archiveErr := o.archive.Get(ctx, taskID); archiveErr == nil {
				return recordToTask(record), nil
			}
		}
		return nil, types.NewError(types.ErrTaskNotFound, fmt.Sprintf("task %s not found", taskID)).
			WithHTTPStatus(http.StatusNotFound)
	}
	return task, err
}

// Cancel 取消任务。PENDING 任务直接移除；PROCESSING 任务尽力取消
// （在途调用不强杀，晚到的结果被终态幂等机制丢弃）。
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	err := o.queue.Cancel(ctx, taskID)
	switch {
	case err == nil:
		o.tracer.Append(taskID, trace.StageCallback, types.TaskPending, types.TaskFailed, "cancelled by caller")
		o.archiveTask(ctx, taskID)
		return nil
	case errors.Is(err, queue.ErrNotClaimable):
		// 处理中：标记失败，晚到的回调变为无害的重复终态
		updateErr := o.queue.UpdateStatus(ctx, taskID, types.TaskFailed, nil, types.ErrCancelled, "cancelled while processing")
		if updateErr != nil && !errors.Is(updateErr, queue.ErrAlreadyTerminal) {
			return updateErr
		}
		o.tracer.Append(taskID, trace.StageCallback, types.TaskProcessing, types.TaskFailed, "best-effort cancel")
		o.archiveTask(ctx, taskID)
		return nil
	case errors.Is(err, queue.ErrTaskNotFound):
		return types.NewError(types.ErrTaskNotFound, fmt.Sprintf("task %s not found", taskID)).
			WithHTTPStatus(http.StatusNotFound)
	default:
		return err
	}
}

// Trace 返回任务执行轨迹
func (o *Orchestrator) Trace(taskID string) []trace.Entry {
	return o.tracer.TaskTrace(taskID)
}

// Close 关闭本地执行池
func (o *Orchestrator) Close() {
	o.pool.Close()
}

// -----------------------------------------------------------------------------
// 决策门
// -----------------------------------------------------------------------------

// runGates 依次运行能力门、运行时解析门与漂移门。
// 任一门失败即把任务置为终态失败并返回错误。
func (o *Orchestrator) runGates(ctx context.Context, task *types.Task) error {
	// (a) 能力可用门：本地执行器或集群节点必须声明该能力。
	// 缺失能力是硬性失败，绝不静默替换为泛化执行器。
	if !o.capabilityAvailable(task.Capability) {
		return o.failAtGate(ctx, task, types.ErrUnsupportedCapability,
			fmt.Sprintf("no executor advertises capability %q", task.Capability))
	}
	o.tracer.Append(task.ID, trace.StageGate, "", "", "capability gate passed")

	// (b) 运行时解析门：治理引擎判定可用 provider
	route, reason := o.resolver.Resolve(task.Capability)
	if route == nil {
		return o.failAtGate(ctx, task, reason, "no provider allowed for capability")
	}
	if reason != "" {
		o.tracer.Append(task.ID, trace.StageGate, "", "", fmt.Sprintf("fallback engaged: %s", reason))
	}

	// (c) 漂移门：同一逻辑路由的 config_hash 变化即失败，
	// 绝不在途静默切换
	if prev := o.tracer.RouteOf(task.ID); prev != nil &&
		prev.Provider == route.Provider && prev.ConfigHash != route.ConfigHash {
		return o.failAtGate(ctx, task, types.ErrRoutingMismatch,
			fmt.Sprintf("config hash drifted for provider %s", route.Provider))
	}

	o.tracer.AppendRoute(task.ID, *route)
	task.Route = route
	return nil
}

// capabilityAvailable 检查能力是否有执行方
func (o *Orchestrator) capabilityAvailable(capability string) bool {
	if _, ok := o.executors.Lookup(capability); ok {
		return true
	}
	if o.registry == nil {
		return false
	}
	for _, node := range o.registry.OnlineNodes() {
		for _, c := range node.Capabilities {
			if c == capability {
				return true
			}
		}
	}
	return false
}

// failAtGate 门失败：PENDING → FAILED，原因原样留档
func (o *Orchestrator) failAtGate(ctx context.Context, task *types.Task, code types.ErrorCode, detail string) error {
	if err := o.queue.UpdateStatus(ctx, task.ID, types.TaskFailed, nil, code, detail); err != nil {
		o.logger.Error("failed to record gate failure",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	o.tracer.Append(task.ID, trace.StageGate, types.TaskPending, types.TaskFailed, detail)
	o.archiveTask(ctx, task.ID)
	o.logger.Warn("task failed at decision gate",
		zap.String("task_id", task.ID),
		zap.String("error_code", string(code)),
		zap.String("detail", detail))
	return types.NewError(code, detail)
}

// -----------------------------------------------------------------------------
// 下发与执行
// -----------------------------------------------------------------------------

// dispatch 决定任务在本地执行还是交给集群。
// 本地注册了该能力的执行器则走本地池；否则任务留在队列里
// 等待声明该能力的节点认领。
func (o *Orchestrator) dispatch(ctx context.Context, task *types.Task) error {
	ctx, span := otelTracer.Start(ctx, "orchestrator.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", task.ID))

	if _, ok := o.executors.Lookup(task.Capability); ok {
		span.SetAttributes(attribute.String("dispatch.target", "local"))
		return o.dispatchLocal(task)
	}
	span.SetAttributes(attribute.String("dispatch.target", "cluster"))
	return o.dispatchRemote(ctx, task)
}

// dispatchLocal 本地执行：在池里认领并运行
func (o *Orchestrator) dispatchLocal(task *types.Task) error {
	o.tracer.Append(task.ID, trace.StageDispatch, "", "", "dispatched to local executor")

	return o.pool.Submit(context.Background(), func(jobCtx context.Context) error {
		claimed, err := o.claimForLocal(jobCtx, task)
		if err != nil || claimed == nil {
			return err
		}
		result, execErr := o.executeLocal(jobCtx, claimed)
		if execErr != nil {
			return o.HandleResult(jobCtx, claimed.ID, nil, execErr)
		}
		return o.HandleResult(jobCtx, claimed.ID, result, nil)
	})
}

// claimForLocal 把刚入队的任务原子认领到本进程。
// 并发下可能认领到同优先级的其他任务，一样合法：执行的是
// 认领到的那一个。
func (o *Orchestrator) claimForLocal(ctx context.Context, task *types.Task) (*types.Task, error) {
	claimed, err := o.queue.ClaimNext(ctx, task.Priority, "coordinator-local", o.config.ClaimLease)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}
	o.tracer.Append(claimed.ID, trace.StageDispatch, types.TaskPending, types.TaskProcessing, "claimed by local pool")
	return claimed, nil
}

// executeLocal 本地执行一次任务：每次尝试都要过漂移检查与治理引擎，
// 调用后如实上报用量。超时与鉴权失败的尝试会查询降级链，
// 命中则切换 provider 后继续重试。
func (o *Orchestrator) executeLocal(ctx context.Context, task *types.Task) (json.RawMessage, error) {
	ctx, span := otelTracer.Start(ctx, "orchestrator.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.capability", task.Capability),
	)

	executor, ok := o.executors.Lookup(task.Capability)
	if !ok {
		return nil, types.NewError(types.ErrUnsupportedCapability, "executor unregistered mid-flight")
	}

	route := task.Route
	if route == nil {
		route = o.tracer.RouteOf(task.ID)
	}
	timeout := o.governor.Policy().Fallback().TimeoutThreshold

	var output json.RawMessage
	err := o.retrier.Do(ctx, func() error {
		// 在途漂移检查：路由表热替换后 config_hash 不一致即硬失败
		if driftErr := o.checkDrift(task, route); driftErr != nil {
			return driftErr
		}

		scope := o.scopeFor(task, route)
		if decision := o.governor.CheckOutbound(scope); !decision.Allowed {
			return types.NewError(decision.Reason, "outbound call denied").WithRetryable(false)
		}

		attemptCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		result, execErr := executor.Execute(attemptCtx, task.Payload)
		cancel()
		if execErr != nil {
			o.governor.RecordResponse(scope, false, 0, 0)
			o.tracer.Append(task.ID, trace.StageExecute, "", "", "attempt failed: "+execErr.Error())
			if next, reason := o.failover(task, scope, execErr, attemptCtx); next != nil {
				route = next
				return types.NewError(reason, "provider fallback engaged").
					WithCause(execErr).WithRetryable(true)
			}
			return execErr
		}
		o.governor.RecordResponse(scope, true, result.Cost, result.Tokens)

		out, contractErr := ResultOutput(result)
		if contractErr != nil {
			return contractErr
		}
		output = out
		return nil
	})
	if err != nil {
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	return output, nil
}

// checkDrift 比对任务记录的路由与当前路由表。
// 同一逻辑路由的 config_hash 变化或 provider 被移除即失败，
// 绝不在途静默切换。
func (o *Orchestrator) checkDrift(task *types.Task, route *types.ResolvedRoute) error {
	if route == nil {
		return nil
	}
	cr, ok := o.resolver.Routes(task.Capability)
	if !ok {
		return nil
	}
	live, ok := cr.Providers[route.Provider]
	if !ok {
		return types.NewError(types.ErrRoutingMismatch,
			fmt.Sprintf("provider %s removed from route table", route.Provider)).
			WithRetryable(false)
	}
	if live.ConfigHash != route.ConfigHash {
		return types.NewError(types.ErrRoutingMismatch,
			fmt.Sprintf("config hash drifted for provider %s", route.Provider)).
			WithRetryable(false)
	}
	return nil
}

// failover 把失败的尝试分类为降级触发器并查询降级链。
// 命中候选时切换任务路由并返回新路由；未命中返回 nil，
// 原始错误交回重试器。
func (o *Orchestrator) failover(task *types.Task, scope types.ProviderScope, execErr error, attemptCtx context.Context) (*types.ResolvedRoute, types.ErrorCode) {
	trigger := executionTrigger(execErr, attemptCtx)
	if trigger == "" {
		return nil, ""
	}
	candidate, reason := o.governor.ResolveFallback(scope, trigger)
	if candidate == "" {
		return nil, ""
	}
	cr, ok := o.resolver.Routes(task.Capability)
	if !ok {
		return nil, ""
	}
	live, ok := cr.Providers[candidate]
	if !ok {
		o.logger.Warn("fallback provider has no route for capability",
			zap.String("task_id", task.ID),
			zap.String("provider", candidate),
			zap.String("capability", task.Capability))
		return nil, ""
	}

	next := &types.ResolvedRoute{
		Provider:   candidate,
		Endpoint:   live.Endpoint,
		ConfigHash: live.ConfigHash,
	}
	o.tracer.AppendRoute(task.ID, *next)
	o.tracer.Append(task.ID, trace.StageExecute, "", "",
		fmt.Sprintf("fallback %s -> %s (%s)", scope.Provider, candidate, reason))
	task.Route = next
	return next, reason
}

// executionTrigger 把执行错误映射到降级触发器；
// 无映射的错误（业务失败、契约违规）不走降级链。
func executionTrigger(execErr error, attemptCtx context.Context) governor.FallbackTrigger {
	if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return governor.TriggerTimeout
	}
	if types.CodeOf(execErr) == types.ErrUnauthorized {
		return governor.TriggerAuthError
	}
	return ""
}

// scopeFor 任务出站调用的治理 scope
func (o *Orchestrator) scopeFor(task *types.Task, route *types.ResolvedRoute) types.ProviderScope {
	method := "EXECUTE"
	if cr, ok := o.resolver.Routes(task.Capability); ok {
		method = cr.Method
	}
	provider := "local"
	if route != nil {
		provider = route.Provider
	}
	return types.ScopeOf(provider, method)
}

// dispatchRemote 集群执行：任务留在队列等待节点认领，
// 这里只做一次可调度性检查并留痕
func (o *Orchestrator) dispatchRemote(ctx context.Context, task *types.Task) error {
	requirements := types.NodeRequirements{Capability: task.Capability}
	if cr, ok := o.resolver.Routes(task.Capability); ok {
		requirements.RequireGPU = cr.RequireGPU
	}

	if o.balancer != nil {
		nodeID, err := o.balancer.SelectNode(requirements)
		if err != nil {
			// 门 (a) 已确认过能力存在；这里的失败意味着节点刚下线
			return o.failAtGate(ctx, task, types.CodeOf(err), "no schedulable node for capability")
		}
		o.tracer.Append(task.ID, trace.StageDispatch, "", "",
			fmt.Sprintf("queued for cluster, least-loaded candidate %s", nodeID))
	} else {
		o.tracer.Append(task.ID, trace.StageDispatch, "", "", "queued for cluster")
	}
	return nil
}

// -----------------------------------------------------------------------------
// 终态回调
// -----------------------------------------------------------------------------

// HandleResult 执行结果回调，集群节点与本地池共用。
// 对已终态任务的重复回调是无害的空操作：留一条警告轨迹，
// 从不向调用方报错。
func (o *Orchestrator) HandleResult(ctx context.Context, taskID string, result json.RawMessage, execErr error) error {
	if execErr == nil {
		err := o.queue.UpdateStatus(ctx, taskID, types.TaskCompleted, result, "", "")
		return o.finishCallback(ctx, taskID, types.TaskCompleted, err)
	}

	code := types.CodeOf(execErr)
	err := o.queue.UpdateStatus(ctx, taskID, types.TaskFailed, nil, code, execErr.Error())
	return o.finishCallback(ctx, taskID, types.TaskFailed, err)
}

func (o *Orchestrator) finishCallback(ctx context.Context, taskID string, status types.TaskStatus, err error) error {
	switch {
	case err == nil:
		o.tracer.Append(taskID, trace.StageCallback, types.TaskProcessing, status, "terminal callback")
		o.archiveTask(ctx, taskID)
		return nil
	case errors.Is(err, queue.ErrAlreadyTerminal):
		o.tracer.Append(taskID, trace.StageCallback, "", "", "duplicate terminal callback ignored")
		o.logger.Warn("duplicate terminal callback", zap.String("task_id", taskID))
		return nil
	default:
		return err
	}
}

// archiveTask 终态任务落归档（归档未配置时跳过）
func (o *Orchestrator) archiveTask(ctx context.Context, taskID string) {
	if o.archive == nil {
		return
	}
	task, err := o.queue.Get(ctx, taskID)
	if err != nil {
		return
	}
	if !task.Status.IsTerminal() {
		return
	}
	if err := o.archive.Archive(ctx, task); err != nil {
		o.logger.Error("archive failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// recordToTask 归档记录还原为任务快照
func recordToTask(record *persistence.TaskRecord) *types.Task {
	task := &types.Task{
		ID:           record.ID,
		Capability:   record.Capability,
		Priority:     types.TaskPriority(record.Priority),
		Status:       types.TaskStatus(record.Status),
		ErrorCode:    types.ErrorCode(record.ErrorCode),
		ErrorDetails: record.ErrorDetails,
		AssignedNode: record.AssignedNode,
		AttemptCount: record.AttemptCount,
		CreatedAt:    record.CreatedAt,
	}
	if record.Payload != "" {
		task.Payload = json.RawMessage(record.Payload)
	}
	if record.Result != "" {
		task.Result = json.RawMessage(record.Result)
	}
	return task
}
