package foreman

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 📇 节点注册表
// =============================================================================

// ErrNodeUnknown 节点未注册
var ErrNodeUnknown = errors.New("node not registered")

// RegistryConfig 注册表配置
type RegistryConfig struct {
	// OfflineTimeout 心跳中断超过该时长标记离线（不再参与选择）
	OfflineTimeout time.Duration

	// EvictTimeout 离线超过该时长后从注册表移除，需重新注册
	EvictTimeout time.Duration
}

// DefaultRegistryConfig 返回默认配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		OfflineTimeout: 30 * time.Second,
		EvictTimeout:   5 * time.Minute,
	}
}

// Registry 维护集群节点的健康档案。并发安全。
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*types.NodeHealth
	config RegistryConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry 创建节点注册表
func NewRegistry(config RegistryConfig, logger *zap.Logger) *Registry {
	if config.OfflineTimeout <= 0 {
		config.OfflineTimeout = DefaultRegistryConfig().OfflineTimeout
	}
	if config.EvictTimeout <= 0 {
		config.EvictTimeout = DefaultRegistryConfig().EvictTimeout
	}
	return &Registry{
		nodes:  make(map[string]*types.NodeHealth),
		config: config,
		logger: logger.With(zap.String("component", "registry")),
		now:    time.Now,
	}
}

// Register 注册节点（重复注册视为重新上线）
func (r *Registry) Register(nodeID string, capabilities []string, hasGPU bool) error {
	if nodeID == "" {
		return fmt.Errorf("node id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[nodeID] = &types.NodeHealth{
		NodeID:        nodeID,
		Capabilities:  append([]string(nil), capabilities...),
		HasGPU:        hasGPU,
		LastHeartbeat: r.now(),
		IsOnline:      true,
	}
	r.logger.Info("node registered",
		zap.String("node_id", nodeID),
		zap.Strings("capabilities", capabilities),
		zap.Bool("has_gpu", hasGPU))
	return nil
}

// Heartbeat 更新节点健康状况。未注册的节点返回 ErrNodeUnknown，
// 迫使被驱逐的节点走完整注册流程。
func (r *Registry) Heartbeat(nodeID string, health types.NodeHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeUnknown
	}

	node.CPUPct = health.CPUPct
	node.MemPct = health.MemPct
	node.ActiveTaskCount = health.ActiveTaskCount
	if len(health.Capabilities) > 0 {
		node.Capabilities = append([]string(nil), health.Capabilities...)
	}
	node.HasGPU = health.HasGPU
	node.LastHeartbeat = r.now()
	node.IsOnline = true
	return nil
}

// Node 返回节点档案快照
func (r *Registry) Node(nodeID string) (*types.NodeHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, ErrNodeUnknown
	}
	cp := *node
	cp.Capabilities = append([]string(nil), node.Capabilities...)
	return &cp, nil
}

// Nodes 返回全部节点档案快照
func (r *Registry) Nodes() []*types.NodeHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.NodeHealth, 0, len(r.nodes))
	for _, node := range r.nodes {
		cp := *node
		cp.Capabilities = append([]string(nil), node.Capabilities...)
		out = append(out, &cp)
	}
	return out
}

// OnlineNodes 返回在线节点快照
func (r *Registry) OnlineNodes() []*types.NodeHealth {
	all := r.Nodes()
	out := all[:0]
	for _, node := range all {
		if node.IsOnline {
			out = append(out, node)
		}
	}
	return out
}

// Sweep 按超时策略刷新在线标记并驱逐长期离线节点。
// 由看门狗周期性调用。返回本轮新标记为离线的节点 ID。
func (r *Registry) Sweep() []string {
	now := r.now()
	offlineCutoff := now.Add(-r.config.OfflineTimeout)
	evictCutoff := now.Add(-r.config.EvictTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var wentOffline []string
	for id, node := range r.nodes {
		if node.LastHeartbeat.Before(evictCutoff) {
			delete(r.nodes, id)
			r.logger.Warn("node evicted after prolonged absence", zap.String("node_id", id))
			continue
		}
		if node.IsOnline && node.LastHeartbeat.Before(offlineCutoff) {
			node.IsOnline = false
			wentOffline = append(wentOffline, id)
			r.logger.Warn("node marked offline",
				zap.String("node_id", id),
				zap.Time("last_heartbeat", node.LastHeartbeat))
		}
	}
	return wentOffline
}

// IsAlive 判断节点在线且心跳在给定窗口内
func (r *Registry) IsAlive(nodeID string, window time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	return node.IsOnline && !node.LastHeartbeat.Before(r.now().Add(-window))
}
