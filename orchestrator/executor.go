package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🔌 执行器边界
// =============================================================================

// ExecutionResult 执行器返回的结果与用量
type ExecutionResult struct {
	// Output 任务结果，必须是合法 JSON
	Output json.RawMessage `json:"output"`

	// Cost 本次调用的计费成本
	Cost float64 `json:"cost,omitempty"`

	// Tokens 本次调用消耗的 token 数
	Tokens int `json:"tokens,omitempty"`
}

// Executor 能力执行器。编排器只通过这一个契约与执行器交互，
// 从不窥探其内部实现。
type Executor interface {
	// Execute 执行任务载荷并返回结果
	Execute(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error)
}

// ExecutorFunc 函数式执行器适配
type ExecutorFunc func(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error)

// Execute 实现 Executor
func (f ExecutorFunc) Execute(ctx context.Context, payload json.RawMessage) (*ExecutionResult, error) {
	return f(ctx, payload)
}

// ExecutorRegistry 能力标签到执行器的封闭映射。
// 新增能力是注册一个新变体，而不是在分支链里加 if。
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewExecutorRegistry 创建执行器注册表
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]Executor)}
}

// Register 注册能力执行器；重复注册同一能力标签是错误
func (r *ExecutorRegistry) Register(capability string, executor Executor) error {
	if capability == "" {
		return fmt.Errorf("capability label is required")
	}
	if executor == nil {
		return fmt.Errorf("executor is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[capability]; exists {
		return fmt.Errorf("capability %q already registered", capability)
	}
	r.executors[capability] = executor
	return nil
}

// Lookup 返回能力对应的执行器
func (r *ExecutorRegistry) Lookup(capability string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[capability]
	return executor, ok
}

// Capabilities 返回已注册的能力标签（排序后）
func (r *ExecutorRegistry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.executors))
	for c := range r.executors {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Classifier 把自然语言请求解析为能力标签的外部纯函数边界
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// ClassifierFunc 函数式分类器适配
type ClassifierFunc func(ctx context.Context, text string) (string, error)

// Classify 实现 Classifier
func (f ClassifierFunc) Classify(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// ResultOutput 校验执行结果符合契约（结果必须是合法 JSON）。
// 编排器本地池与工作节点共用同一契约检查。
func ResultOutput(res *ExecutionResult) (json.RawMessage, error) {
	if res == nil {
		return nil, types.NewError(types.ErrExecutionContractViolation, "executor returned no result")
	}
	if len(res.Output) > 0 && !json.Valid(res.Output) {
		return nil, types.NewError(types.ErrExecutionContractViolation, "executor output is not valid JSON")
	}
	if len(res.Output) == 0 {
		return json.RawMessage(`null`), nil
	}
	return res.Output, nil
}
