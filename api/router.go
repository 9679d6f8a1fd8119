package api

import (
	"net/http"

	"github.com/BaSui01/taskmesh/api/handlers"
)

// =============================================================================
// 🧭 路由表
// =============================================================================

// Handlers 汇总路由需要的全部处理器。
// Health 之外的字段为 nil 时对应路由不注册。
type Handlers struct {
	Tasks      *handlers.TaskHandler
	Governance *handlers.GovernanceHandler
	Cluster    *handlers.ClusterHandler
	Health     *handlers.HealthHandler

	// Version/BuildTime/GitCommit 注入 /version 端点
	Version   string
	BuildTime string
	GitCommit string
}

// NewRouter 构建 TaskMesh 协调器的完整路由表
func NewRouter(h Handlers) *http.ServeMux {
	mux := http.NewServeMux()

	if h.Tasks != nil {
		mux.HandleFunc("POST /tasks", h.Tasks.HandleSubmit)
		mux.HandleFunc("GET /tasks/{id}", h.Tasks.HandleGet)
		mux.HandleFunc("GET /tasks/{id}/trace", h.Tasks.HandleTrace)
		mux.HandleFunc("POST /tasks/{id}/cancel", h.Tasks.HandleCancel)
	}

	if h.Governance != nil {
		mux.HandleFunc("GET /governance/status", h.Governance.HandleStatus)
		mux.HandleFunc("GET /governance/limits", h.Governance.HandleGetLimits)
		mux.HandleFunc("POST /governance/limits", h.Governance.HandleSetLimits)
		mux.HandleFunc("POST /governance/reset-usage", h.Governance.HandleResetUsage)
		mux.HandleFunc("GET /governance/audit", h.Governance.HandleAudit)
	}

	if h.Cluster != nil {
		mux.HandleFunc("GET /queue/stats", h.Cluster.HandleQueueStats)
		mux.HandleFunc("GET /cluster/status", h.Cluster.HandleClusterStatus)
		mux.HandleFunc("POST /cluster/nodes", h.Cluster.HandleRegisterNode)
		mux.HandleFunc("POST /cluster/nodes/{id}/heartbeat", h.Cluster.HandleHeartbeat)
	}

	if h.Health != nil {
		mux.HandleFunc("GET /healthz", h.Health.HandleHealthz)
		mux.HandleFunc("GET /ready", h.Health.HandleReady)
		mux.HandleFunc("GET /version", h.Health.HandleVersion(h.Version, h.BuildTime, h.GitCommit))
	}

	return mux
}
