package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/foreman"
	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🌐 集群 Handler
// =============================================================================

// ClusterHandler 队列与集群状态处理器，同时承载
// 工作节点的注册与心跳端点。
type ClusterHandler struct {
	queue    queue.TaskQueue
	registry *foreman.Registry
	logger   *zap.Logger
}

// RegisterNodeRequest 节点注册请求
type RegisterNodeRequest struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
	HasGPU       bool     `json:"has_gpu"`
}

// NodeStatus 单个节点的状态行
type NodeStatus struct {
	NodeID        string    `json:"node_id"`
	CPUPct        float64   `json:"cpu_pct"`
	MemPct        float64   `json:"mem_pct"`
	ActiveTasks   int       `json:"active_tasks"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	HasGPU        bool      `json:"has_gpu"`
	LoadScore     float64   `json:"load_score"`
	IsOnline      bool      `json:"is_online"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ClusterStatusResponse 集群状态响应
type ClusterStatusResponse struct {
	TotalNodes  int          `json:"total_nodes"`
	OnlineNodes int          `json:"online_nodes"`
	Nodes       []NodeStatus `json:"nodes"`
}

// NewClusterHandler 创建集群处理器
func NewClusterHandler(q queue.TaskQueue, registry *foreman.Registry, logger *zap.Logger) *ClusterHandler {
	return &ClusterHandler{
		queue:    q,
		registry: registry,
		logger:   logger.With(zap.String("component", "cluster_handler")),
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleQueueStats 处理 GET /queue/stats
// @Summary 队列深度统计
// @Tags 集群
// @Produce json
// @Success 200 {object} Response{data=queue.Stats} "队列统计"
// @Router /queue/stats [get]
func (h *ClusterHandler) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeAnyError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, stats)
}

// HandleClusterStatus 处理 GET /cluster/status
// @Summary 集群节点状态
// @Description 返回节点表，含负载评分与在线状态
// @Tags 集群
// @Produce json
// @Success 200 {object} Response{data=ClusterStatusResponse} "集群状态"
// @Router /cluster/status [get]
func (h *ClusterHandler) HandleClusterStatus(w http.ResponseWriter, r *http.Request) {
	nodes := h.registry.Nodes()

	resp := ClusterStatusResponse{
		TotalNodes: len(nodes),
		Nodes:      make([]NodeStatus, 0, len(nodes)),
	}
	for _, n := range nodes {
		if n.IsOnline {
			resp.OnlineNodes++
		}
		resp.Nodes = append(resp.Nodes, NodeStatus{
			NodeID:        n.NodeID,
			CPUPct:        n.CPUPct,
			MemPct:        n.MemPct,
			ActiveTasks:   n.ActiveTaskCount,
			Capabilities:  n.Capabilities,
			HasGPU:        n.HasGPU,
			LoadScore:     n.LoadScore(),
			IsOnline:      n.IsOnline,
			LastHeartbeat: n.LastHeartbeat,
		})
	}

	WriteSuccess(w, r, resp)
}

// HandleRegisterNode 处理 POST /cluster/nodes。
// 重复注册视为节点重新上线。
// @Summary 注册工作节点
// @Tags 集群
// @Accept json
// @Produce json
// @Param request body RegisterNodeRequest true "节点注册请求"
// @Success 200 {object} Response "已注册"
// @Failure 400 {object} Response "请求无效"
// @Router /cluster/nodes [post]
func (h *ClusterHandler) HandleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterNodeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.NodeID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "node_id is required", h.logger)
		return
	}

	if err := h.registry.Register(req.NodeID, req.Capabilities, req.HasGPU); err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "node registration failed").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	WriteSuccess(w, r, map[string]string{"node_id": req.NodeID})
}

// HandleHeartbeat 处理 POST /cluster/nodes/{id}/heartbeat。
// 未注册的节点收到 404，必须重新走注册流程。
// @Summary 节点心跳
// @Tags 集群
// @Accept json
// @Produce json
// @Param id path string true "节点 ID"
// @Param request body types.NodeHealth true "健康上报"
// @Success 200 {object} Response "已记录"
// @Failure 404 {object} Response "节点未注册"
// @Router /cluster/nodes/{id}/heartbeat [post]
func (h *ClusterHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := extractNodeID(r)
	if nodeID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "node ID is required", h.logger)
		return
	}

	var health types.NodeHealth
	if err := DecodeJSONBody(w, r, &health, h.logger); err != nil {
		return
	}

	if err := h.registry.Heartbeat(nodeID, health); err != nil {
		if errors.Is(err, foreman.ErrNodeUnknown) {
			WriteError(w, r, types.NewError(types.ErrNodeNotFound, "node not registered").
				WithHTTPStatus(http.StatusNotFound), h.logger)
			return
		}
		writeAnyError(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, map[string]string{"node_id": nodeID})
}

// extractNodeID 从 URL 路径提取节点 ID
func extractNodeID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	path := strings.TrimPrefix(r.URL.Path, "/cluster/nodes/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	if path != r.URL.Path {
		return path
	}
	return ""
}
