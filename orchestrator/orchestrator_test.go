package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskmesh/foreman"
	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/internal/pool"
	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/retry"
	"github.com/BaSui01/taskmesh/trace"
	"github.com/BaSui01/taskmesh/types"
)

type fixture struct {
	queue        *queue.MemoryQueue
	governor     *governor.Governor
	resolver     *Resolver
	executors    *ExecutorRegistry
	registry     *foreman.Registry
	tracer       *trace.Tracer
	orchestrator *Orchestrator
}

func testRouteTable() RouteTable {
	return RouteTable{
		"chat": {
			Primary: "ollama",
			Method:  "CHAT",
			Providers: map[string]Route{
				"ollama": {Endpoint: "http://127.0.0.1:11434", ConfigHash: "hash-ollama-1"},
				"vllm":   {Endpoint: "http://127.0.0.1:8000", ConfigHash: "hash-vllm-1"},
				"openai": {Endpoint: "https://api.openai.com", ConfigHash: "hash-openai-1"},
			},
		},
		"render": {
			Primary:    "ollama",
			Method:     "RENDER",
			RequireGPU: true,
			Providers: map[string]Route{
				"ollama": {Endpoint: "http://127.0.0.1:11434", ConfigHash: "hash-render-1"},
			},
		},
	}
}

func newFixture(t *testing.T, limits governor.Limits) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := governor.NewPolicyStore(limits)
	require.NoError(t, err)
	gov := governor.New(store, governor.DefaultConfig(), logger)

	resolver, err := NewResolver(testRouteTable(), gov, logger)
	require.NoError(t, err)

	q := queue.NewMemoryQueue(logger)
	t.Cleanup(func() { _ = q.Close() })

	executors := NewExecutorRegistry()
	registry := foreman.NewRegistry(foreman.DefaultRegistryConfig(), logger)
	tracer := trace.NewTracer(trace.DefaultConfig(), logger)

	config := DefaultConfig()
	config.Retry = &retry.Policy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	config.Pool = pool.Config{MaxWorkers: 4, QueueSize: 16, IdleTimeout: time.Second}

	orch, err := New(config, Options{
		Queue:     q,
		Governor:  gov,
		Resolver:  resolver,
		Executors: executors,
		Registry:  registry,
		Balancer:  foreman.NewBalancer(registry, logger),
		Tracer:    tracer,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return &fixture{
		queue:        q,
		governor:     gov,
		resolver:     resolver,
		executors:    executors,
		registry:     registry,
		tracer:       tracer,
		orchestrator: orch,
	}
}

// waitTerminal 轮询直到任务进入终态
func waitTerminal(t *testing.T, f *fixture, taskID string) *types.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		task, err := f.orchestrator.Get(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status.IsTerminal() {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached terminal state (now %s)", taskID, task.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func echoExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error) {
		return &ExecutionResult{Output: payload, Cost: 0.01, Tokens: 10}, nil
	})
}

func TestSubmitLocalSuccess(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())
	require.NoError(t, f.executors.Register("chat", echoExecutor()))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{"q":"hi"}`), "chat", types.PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.JSONEq(t, `{"q":"hi"}`, string(task.Result))

	// 轨迹覆盖 提交→门→路由→下发→回调
	entries := f.orchestrator.Trace(taskID)
	require.NotEmpty(t, entries)
	assert.Equal(t, trace.StageSubmit, entries[0].Stage)
	assert.Equal(t, trace.StageCallback, entries[len(entries)-1].Stage)

	route := f.tracer.RouteOf(taskID)
	require.NotNil(t, route)
	assert.Equal(t, "ollama", route.Provider)
}

func TestSubmitRejectsBadRequest(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())

	_, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{broken`), "chat", types.PriorityHigh)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))

	_, err = f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", "urgent")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.CodeOf(err))
}

// TestSubmitUnsupportedCapability 能力门失败：直接终态失败，
// 不调用任何后端，绝不偷换泛化执行器。
func TestSubmitUnsupportedCapability(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())
	require.NoError(t, f.executors.Register("chat", echoExecutor()))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "time-travel", types.PriorityHigh)
	require.NoError(t, err)

	task, err := f.orchestrator.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrUnsupportedCapability, task.ErrorCode)
}

func TestSubmitUsesClassifier(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())
	require.NoError(t, f.executors.Register("chat", echoExecutor()))

	classified := ""
	f.orchestrator.classifier = ClassifierFunc(func(ctx context.Context, text string) (string, error) {
		classified = text
		return "chat", nil
	})

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{"q":"hello"}`), "", types.PriorityBackground)
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":"hello"}`, classified)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, "chat", task.Capability)
	assert.Equal(t, types.TaskCompleted, task.Status)
}

// TestSubmitBudgetFallback 主 provider 预算超限且降级开关开启时
// 走降级链，任务仍然完成。
func TestSubmitBudgetFallback(t *testing.T) {
	limits := governor.DefaultLimits()
	limits.ProviderBudgets = map[string]governor.BudgetConfig{
		"ollama": {SoftLimit: 1, HardLimit: 5, Window: time.Hour},
	}
	limits.Fallback = governor.FallbackConfig{
		Chain:            []string{"ollama", "vllm", "openai"},
		OnBudgetExceeded: true,
		TimeoutThreshold: time.Second,
	}

	f := newFixture(t, limits)
	require.NoError(t, f.executors.Register("chat", echoExecutor()))

	// 烧穿 ollama 的硬限额
	scope := types.ScopeOf("ollama", "CHAT")
	f.governor.RecordResponse(scope, true, 6.0, 0)

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, types.TaskCompleted, task.Status)

	route := f.tracer.RouteOf(taskID)
	require.NotNil(t, route)
	assert.Equal(t, "vllm", route.Provider)

	// 降级进入审计日志
	audit := f.governor.Audit()
	require.NotEmpty(t, audit)
	assert.Equal(t, "ollama", audit[len(audit)-1].FromProvider)
	assert.Equal(t, "vllm", audit[len(audit)-1].ToProvider)
}

// TestSubmitDenialWithoutFallback 降级开关关闭时治理拒绝原样上报
func TestSubmitDenialWithoutFallback(t *testing.T) {
	limits := governor.DefaultLimits()
	limits.ProviderBudgets = map[string]governor.BudgetConfig{
		"ollama": {SoftLimit: 1, HardLimit: 5, Window: time.Hour},
	}

	f := newFixture(t, limits)
	require.NoError(t, f.executors.Register("chat", echoExecutor()))

	f.governor.RecordResponse(types.ScopeOf("ollama", "CHAT"), true, 6.0, 0)

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	task, err := f.orchestrator.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrProviderBudgetExceeded, task.ErrorCode)
}

func TestSubmitRemoteQueuesTask(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())

	// 集群节点声明 chat 能力，本地无执行器
	require.NoError(t, f.registry.Register("node-1", []string{"chat"}, false))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	task, err := f.orchestrator.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)

	// 节点认领后回调
	claimed, err := f.queue.ClaimNext(context.Background(), types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, taskID, claimed.ID)

	require.NoError(t, f.orchestrator.HandleResult(context.Background(), taskID, json.RawMessage(`{"ok":true}`), nil))
	task, err = f.orchestrator.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
}

// TestDuplicateTerminalCallback 重复终态回调是无害空操作，
// result 不被改写。
func TestDuplicateTerminalCallback(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())
	require.NoError(t, f.registry.Register("node-1", []string{"chat"}, false))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)
	_, err = f.queue.ClaimNext(context.Background(), types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.HandleResult(context.Background(), taskID, json.RawMessage(`{"answer":1}`), nil))
	// 第二个回调带不同结果
	require.NoError(t, f.orchestrator.HandleResult(context.Background(), taskID, json.RawMessage(`{"answer":2}`), nil))

	task, err := f.orchestrator.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":1}`, string(task.Result))

	// 重复回调留下警告轨迹
	entries := f.orchestrator.Trace(taskID)
	last := entries[len(entries)-1]
	assert.Contains(t, last.Detail, "duplicate")
}

func TestExecutionFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())

	attempts := 0
	require.NoError(t, f.executors.Register("chat", ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error) {
		attempts++
		return nil, errors.New("backend unreachable")
	})))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrMaxRetriesExceeded, task.ErrorCode)
	// 首次 + 2 次重试
	assert.Equal(t, 3, attempts)
}

func TestExecutionContractViolation(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())

	require.NoError(t, f.executors.Register("chat", ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error) {
		return &ExecutionResult{Output: json.RawMessage(`not-json`)}, nil
	})))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrExecutionContractViolation, task.ErrorCode)
}

func TestCancelPendingTask(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())
	require.NoError(t, f.registry.Register("node-1", []string{"chat"}, false))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Cancel(context.Background(), taskID))

	task, err := f.orchestrator.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrCancelled, task.ErrorCode)

	// 已取消任务不再被认领
	claimed, err := f.queue.ClaimNext(context.Background(), types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

// TestCancelProcessingDiscardsLateResult 处理中任务尽力取消后，
// 晚到的执行结果被丢弃。
func TestCancelProcessingDiscardsLateResult(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())
	require.NoError(t, f.registry.Register("node-1", []string{"chat"}, false))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)
	_, err = f.queue.ClaimNext(context.Background(), types.PriorityHigh, "node-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Cancel(context.Background(), taskID))

	task, err := f.orchestrator.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrCancelled, task.ErrorCode)

	// 晚到的结果是无害的重复终态回调
	require.NoError(t, f.orchestrator.HandleResult(context.Background(), taskID, json.RawMessage(`{"late":true}`), nil))
	task, err = f.orchestrator.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Empty(t, string(task.Result))
	assert.Equal(t, types.ErrCancelled, task.ErrorCode)
}

// TestExecutionTimeoutFallback 单次尝试超过超时阈值后切换到
// 降级链上的下一个 provider，切换记入审计日志，任务仍然完成。
func TestExecutionTimeoutFallback(t *testing.T) {
	limits := governor.DefaultLimits()
	limits.Fallback = governor.FallbackConfig{
		Chain:            []string{"ollama", "vllm", "openai"},
		OnTimeout:        true,
		TimeoutThreshold: 20 * time.Millisecond,
	}
	f := newFixture(t, limits)

	var calls atomic.Int32
	require.NoError(t, f.executors.Register("chat", ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error) {
		if calls.Add(1) == 1 {
			// 首次调用挂死到截止时间，模拟无响应的后端
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &ExecutionResult{Output: payload, Cost: 0.01, Tokens: 5}, nil
	})))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{"q":"hi"}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, types.TaskCompleted, task.Status)

	route := f.tracer.RouteOf(taskID)
	require.NotNil(t, route)
	assert.Equal(t, "vllm", route.Provider)

	audit := f.governor.Audit()
	require.NotEmpty(t, audit)
	last := audit[len(audit)-1]
	assert.Equal(t, "ollama", last.FromProvider)
	assert.Equal(t, "vllm", last.ToProvider)
	assert.Equal(t, types.FallbackTimeout, last.Reason)
}

// TestExecutionAuthErrorFallback 鉴权失败本身不可重试，但开启
// OnAuthError 后会切换 provider 继续执行。
func TestExecutionAuthErrorFallback(t *testing.T) {
	limits := governor.DefaultLimits()
	limits.Fallback = governor.FallbackConfig{
		Chain:       []string{"ollama", "vllm", "openai"},
		OnAuthError: true,
	}
	f := newFixture(t, limits)

	var calls atomic.Int32
	require.NoError(t, f.executors.Register("chat", ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error) {
		if calls.Add(1) == 1 {
			return nil, types.NewError(types.ErrUnauthorized, "api key rejected").WithRetryable(false)
		}
		return &ExecutionResult{Output: payload, Cost: 0.01, Tokens: 5}, nil
	})))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, types.TaskCompleted, task.Status)

	audit := f.governor.Audit()
	require.NotEmpty(t, audit)
	assert.Equal(t, types.FallbackAuthError, audit[len(audit)-1].Reason)
}

// TestExecutionTimeoutWithoutFallback 超时开关关闭时仍按阈值
// 截止每次尝试；重试耗尽后终态失败，不产生审计记录。
func TestExecutionTimeoutWithoutFallback(t *testing.T) {
	limits := governor.DefaultLimits()
	limits.Fallback = governor.FallbackConfig{
		Chain:            []string{"ollama", "vllm"},
		TimeoutThreshold: 10 * time.Millisecond,
	}
	f := newFixture(t, limits)

	require.NoError(t, f.executors.Register("chat", ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrMaxRetriesExceeded, task.ErrorCode)
	assert.Empty(t, f.governor.Audit())
}

// TestRouteTableDriftFailsMidFlight 路由表热替换改变 config_hash 后，
// 在途任务的下一次尝试以 routing_mismatch 终止，绝不静默切换。
func TestRouteTableDriftFailsMidFlight(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, f.executors.Register("chat", ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil, errors.New("backend unreachable")
	})))

	taskID, err := f.orchestrator.Submit(context.Background(), json.RawMessage(`{}`), "chat", types.PriorityHigh)
	require.NoError(t, err)

	// 首次尝试挂起期间热替换路由表，改变 ollama 的 config_hash
	<-entered
	table := testRouteTable()
	chat := table["chat"]
	chat.Providers["ollama"] = Route{Endpoint: "http://127.0.0.1:11434", ConfigHash: "hash-ollama-2"}
	table["chat"] = chat
	require.NoError(t, f.resolver.ReplaceTable(table))
	close(release)

	task := waitTerminal(t, f, taskID)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, types.ErrRoutingMismatch, task.ErrorCode)
	// 第二次尝试在漂移检查处终止，未到达执行器
	assert.Equal(t, int32(1), calls.Load())
}

// TestReplaceTableRejectsInvalid 非法新表被拒绝，旧表继续生效
func TestReplaceTableRejectsInvalid(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())

	err := f.resolver.ReplaceTable(RouteTable{"chat": {Method: "CHAT"}})
	require.Error(t, err)

	cr, ok := f.resolver.Routes("chat")
	require.True(t, ok)
	assert.Equal(t, "ollama", cr.Primary)
}

// TestResolveOfflinePrimaryFallsBack 主 provider 离线时无条件降级
func TestResolveOfflinePrimaryFallsBack(t *testing.T) {
	limits := governor.DefaultLimits()
	limits.Fallback = governor.FallbackConfig{Chain: []string{"ollama", "vllm"}}
	f := newFixture(t, limits)

	f.governor.SetProviderStatus("ollama", governor.StatusOffline)

	route, reason := f.resolver.Resolve("chat")
	require.NotNil(t, route)
	assert.Equal(t, "vllm", route.Provider)
	assert.Equal(t, types.FallbackOffline, reason)
}

func TestGetUnknownTask(t *testing.T) {
	f := newFixture(t, governor.DefaultLimits())

	_, err := f.orchestrator.Get(context.Background(), "no-such-task")
	require.Error(t, err)
	assert.Equal(t, types.ErrTaskNotFound, types.CodeOf(err))
}
