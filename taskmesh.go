// Package taskmesh provides a top-level convenience entry point for embedding
// the orchestrator in-process with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/taskmesh"
//
//	mesh, err := taskmesh.New(
//	    taskmesh.WithCapability("echo", "local", "ECHO", echoExecutor),
//	    taskmesh.WithLogger(logger),
//	)
//	taskID, err := mesh.Submit(ctx, payload, "echo", types.PriorityHigh)
//
// The facade wires a memory queue, default governance limits and a local
// executor registry. Services that need Redis, archival or the HTTP surface
// should assemble the packages directly the way cmd/taskmesh does.
package taskmesh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/foreman"
	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/orchestrator"
	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/trace"
	"github.com/BaSui01/taskmesh/types"
)

// Mesh 是单进程装配好的任务编排栈
type Mesh struct {
	orch     *orchestrator.Orchestrator
	queue    queue.TaskQueue
	governor *governor.Governor
	tracer   *trace.Tracer
}

type meshOptions struct {
	logger     *zap.Logger
	limits     *governor.Limits
	queue      queue.TaskQueue
	classifier orchestrator.Classifier
	routes     orchestrator.RouteTable
	executors  map[string]orchestrator.Executor
}

// Option 配置 [New] 创建的 Mesh
type Option func(*meshOptions)

// WithLogger 设置自定义 zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *meshOptions) { o.logger = logger }
}

// WithLimits 覆盖默认治理限额
func WithLimits(limits governor.Limits) Option {
	return func(o *meshOptions) { o.limits = &limits }
}

// WithQueue 替换默认的内存队列
func WithQueue(q queue.TaskQueue) Option {
	return func(o *meshOptions) { o.queue = q }
}

// WithClassifier 设置自然语言到能力标签的分类器
func WithClassifier(c orchestrator.Classifier) Option {
	return func(o *meshOptions) { o.classifier = c }
}

// WithCapability 注册一种能力：执行器加一条指向 provider 的单路由。
// method 构成该能力出站调用的治理 scope。
func WithCapability(capability, provider, method string, executor orchestrator.Executor) Option {
	return func(o *meshOptions) {
		o.executors[capability] = executor
		o.routes[capability] = orchestrator.CapabilityRoutes{
			Primary: provider,
			Method:  method,
			Providers: map[string]orchestrator.Route{
				provider: {
					Endpoint:   "local",
					ConfigHash: configHash(capability, provider, method),
				},
			},
		}
	}
}

// WithRoutes 直接提供完整路由表（与 WithCapability 互斥使用）
func WithRoutes(table orchestrator.RouteTable) Option {
	return func(o *meshOptions) { o.routes = table }
}

// New 装配一个进程内 Mesh。至少要注册一种能力。
func New(opts ...Option) (*Mesh, error) {
	o := &meshOptions{
		routes:    orchestrator.RouteTable{},
		executors: map[string]orchestrator.Executor{},
	}
	for _, opt := range opts {
		opt(o)
	}

	if len(o.routes) == 0 {
		return nil, fmt.Errorf("at least one capability is required")
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	limits := governor.DefaultLimits()
	if o.limits != nil {
		limits = *o.limits
	}
	policy, err := governor.NewPolicyStore(limits)
	if err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}
	gov := governor.New(policy, governor.DefaultConfig(), o.logger)

	resolver, err := orchestrator.NewResolver(o.routes, gov, o.logger)
	if err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}

	executors := orchestrator.NewExecutorRegistry()
	for capability, executor := range o.executors {
		if err := executors.Register(capability, executor); err != nil {
			return nil, err
		}
	}

	q := o.queue
	if q == nil {
		q = queue.NewMemoryQueue(o.logger)
	}

	registry := foreman.NewRegistry(foreman.DefaultRegistryConfig(), o.logger)
	tracer := trace.NewTracer(trace.DefaultConfig(), o.logger)

	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Options{
		Queue:      q,
		Governor:   gov,
		Resolver:   resolver,
		Executors:  executors,
		Classifier: o.classifier,
		Registry:   registry,
		Balancer:   foreman.NewBalancer(registry, o.logger),
		Tracer:     tracer,
		Logger:     o.logger,
	})
	if err != nil {
		return nil, err
	}

	return &Mesh{
		orch:     orch,
		queue:    q,
		governor: gov,
		tracer:   tracer,
	}, nil
}

// Submit 受理一个任务并返回任务 ID
func (m *Mesh) Submit(ctx context.Context, payload json.RawMessage, capability string, priority types.TaskPriority) (string, error) {
	return m.orch.Submit(ctx, payload, capability, priority)
}

// Get 查询任务当前状态
func (m *Mesh) Get(ctx context.Context, taskID string) (*types.Task, error) {
	return m.orch.Get(ctx, taskID)
}

// Cancel 取消任务
func (m *Mesh) Cancel(ctx context.Context, taskID string) error {
	return m.orch.Cancel(ctx, taskID)
}

// Trace 返回任务执行轨迹
func (m *Mesh) Trace(taskID string) []trace.Entry {
	return m.orch.Trace(taskID)
}

// Governor 暴露治理引擎（限额热更新、审计日志）
func (m *Mesh) Governor() *governor.Governor {
	return m.governor
}

// Queue 暴露底层任务队列
func (m *Mesh) Queue() queue.TaskQueue {
	return m.queue
}

// Close 关闭编排器
func (m *Mesh) Close() {
	m.orch.Close()
}

// configHash 为单路由能力生成稳定的配置指纹
func configHash(capability, provider, method string) string {
	sum := sha256.Sum256([]byte(capability + "|" + provider + "|" + method))
	return hex.EncodeToString(sum[:8])
}
