package mocks

import (
	"sync"

	"github.com/BaSui01/taskmesh/types"
)

// MockCoordinator 记录节点注册与心跳的协调器模拟实现
type MockCoordinator struct {
	mu sync.RWMutex

	registerErr  error
	heartbeatErr error

	registered []RegisteredNode
	heartbeats []types.NodeHealth
}

// RegisteredNode 一次注册调用的参数
type RegisteredNode struct {
	NodeID       string
	Capabilities []string
	HasGPU       bool
}

// NewMockCoordinator 创建协调器模拟
func NewMockCoordinator() *MockCoordinator {
	return &MockCoordinator{}
}

// WithRegisterError 注入注册失败
func (m *MockCoordinator) WithRegisterError(err error) *MockCoordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerErr = err
	return m
}

// WithHeartbeatError 注入心跳失败
func (m *MockCoordinator) WithHeartbeatError(err error) *MockCoordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatErr = err
	return m
}

// Register 实现 worker.Coordinator
func (m *MockCoordinator) Register(nodeID string, capabilities []string, hasGPU bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return m.registerErr
	}
	m.registered = append(m.registered, RegisteredNode{
		NodeID:       nodeID,
		Capabilities: append([]string(nil), capabilities...),
		HasGPU:       hasGPU,
	})
	return nil
}

// Heartbeat 实现 worker.Coordinator
func (m *MockCoordinator) Heartbeat(nodeID string, health types.NodeHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeatErr != nil {
		return m.heartbeatErr
	}
	m.heartbeats = append(m.heartbeats, health)
	return nil
}

// Registered 返回注册调用快照
func (m *MockCoordinator) Registered() []RegisteredNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RegisteredNode(nil), m.registered...)
}

// Heartbeats 返回心跳调用快照
func (m *MockCoordinator) Heartbeats() []types.NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.NodeHealth(nil), m.heartbeats...)
}
