package foreman

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// ⚖️ 负载均衡
// =============================================================================

// Balancer 在满足硬性要求的在线节点中挑选负载得分最低者
type Balancer struct {
	registry *Registry
	logger   *zap.Logger
}

// NewBalancer 创建负载均衡器
func NewBalancer(registry *Registry, logger *zap.Logger) *Balancer {
	return &Balancer{
		registry: registry,
		logger:   logger.With(zap.String("component", "balancer")),
	}
}

// SelectNode 返回满足要求且负载最低的节点 ID。
// 无可用节点时返回 no_provider_available。
func (b *Balancer) SelectNode(req types.NodeRequirements) (string, error) {
	var best *types.NodeHealth
	var bestScore float64

	for _, node := range b.registry.OnlineNodes() {
		if !satisfies(node, req) {
			continue
		}
		score := node.LoadScore()
		if best == nil || score < bestScore {
			best = node
			bestScore = score
		}
	}

	if best == nil {
		return "", types.NewError(types.ErrNoProviderAvailable, "no online node satisfies requirements").
			WithHTTPStatus(http.StatusServiceUnavailable)
	}

	b.logger.Debug("node selected",
		zap.String("node_id", best.NodeID),
		zap.Float64("load_score", bestScore))
	return best.NodeID, nil
}

// satisfies 检查节点是否满足硬性要求
func satisfies(node *types.NodeHealth, req types.NodeRequirements) bool {
	if req.RequireGPU && !node.HasGPU {
		return false
	}
	if req.Capability == "" {
		return true
	}
	for _, c := range node.Capabilities {
		if c == req.Capability {
			return true
		}
	}
	return false
}
