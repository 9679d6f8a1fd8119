// MockExecutor 与 MockClassifier 的测试模拟实现。
//
// 支持固定结果、错误注入与前 N 次失败场景。
package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BaSui01/taskmesh/orchestrator"
)

// MockExecutor 是能力执行器的模拟实现
type MockExecutor struct {
	mu sync.RWMutex

	// 响应配置
	result *orchestrator.ExecutionResult
	err    error

	// failFirst 前 N 次调用返回 failErr，之后返回 result
	failFirst int
	failErr   error

	// 调用记录
	calls []json.RawMessage
}

// NewMockExecutor 创建默认返回 {"ok":true} 的模拟执行器
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		result: &orchestrator.ExecutionResult{Output: json.RawMessage(`{"ok":true}`)},
	}
}

// WithResult 设置固定返回结果
func (m *MockExecutor) WithResult(output json.RawMessage, cost float64, tokens int) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = &orchestrator.ExecutionResult{Output: output, Cost: cost, Tokens: tokens}
	return m
}

// WithError 设置固定返回错误
func (m *MockExecutor) WithError(err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// FailFirst 让前 n 次调用失败，之后恢复成功（测试重试路径）
func (m *MockExecutor) FailFirst(n int, err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
	m.failErr = err
	return m
}

// Execute 实现 orchestrator.Executor
func (m *MockExecutor) Execute(ctx context.Context, payload json.RawMessage) (*orchestrator.ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, append(json.RawMessage(nil), payload...))

	if m.failFirst > 0 {
		m.failFirst--
		return nil, m.failErr
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// CallCount 返回已执行次数
func (m *MockExecutor) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Calls 返回收到的载荷快照
func (m *MockExecutor) Calls() []json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]json.RawMessage(nil), m.calls...)
}

// MockClassifier 是能力分类器的模拟实现
type MockClassifier struct {
	mu sync.RWMutex

	capability string
	err        error
	calls      []string
}

// NewMockClassifier 创建固定返回 capability 的模拟分类器
func NewMockClassifier(capability string) *MockClassifier {
	return &MockClassifier{capability: capability}
}

// WithError 设置分类失败
func (m *MockClassifier) WithError(err error) *MockClassifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Classify 实现 orchestrator.Classifier
func (m *MockClassifier) Classify(ctx context.Context, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, text)
	if m.err != nil {
		return "", m.err
	}
	return m.capability, nil
}

// Calls 返回收到的输入快照
func (m *MockClassifier) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.calls...)
}
