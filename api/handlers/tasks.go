package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/orchestrator"
	"github.com/BaSui01/taskmesh/trace"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 📋 任务 Handler
// =============================================================================

// TaskHandler 任务提交与查询处理器
type TaskHandler struct {
	orch    *orchestrator.Orchestrator
	metrics *metrics.Collector
	logger  *zap.Logger
}

// SubmitTaskRequest 任务提交请求
type SubmitTaskRequest struct {
	Payload    json.RawMessage `json:"payload"`
	Capability string          `json:"capability_label"`
	Priority   string          `json:"priority"`
}

// SubmitTaskResponse 任务提交响应
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse 任务状态响应
type TaskStatusResponse struct {
	TaskID       string          `json:"task_id"`
	Capability   string          `json:"capability_label"`
	Priority     string          `json:"priority"`
	Status       string          `json:"status"`
	AssignedNode string          `json:"assigned_node,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    types.ErrorCode `json:"error_code,omitempty"`
	ErrorDetails string          `json:"error_details,omitempty"`
}

// NewTaskHandler 创建任务处理器。metrics 可为 nil。
func NewTaskHandler(orch *orchestrator.Orchestrator, collector *metrics.Collector, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		orch:    orch,
		metrics: collector,
		logger:  logger.With(zap.String("component", "task_handler")),
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleSubmit 处理 POST /tasks
// @Summary 提交任务
// @Description 提交一个新任务，返回任务 ID
// @Tags 任务
// @Accept json
// @Produce json
// @Param request body SubmitTaskRequest true "任务提交请求"
// @Success 202 {object} Response{data=SubmitTaskResponse} "已接受"
// @Failure 400 {object} Response "请求无效"
// @Router /tasks [post]
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	taskID, err := h.orch.Submit(r.Context(), req.Payload, req.Capability, types.TaskPriority(req.Priority))
	if err != nil {
		writeAnyError(w, r, err, h.logger)
		return
	}

	if h.metrics != nil {
		priority := req.Priority
		if priority == "" {
			priority = string(types.PriorityBackground)
		}
		h.metrics.RecordTaskSubmitted(req.Capability, priority)
	}

	h.logger.Info("task submitted",
		zap.String("task_id", taskID),
		zap.String("capability", req.Capability),
		zap.String("priority", req.Priority))

	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      SubmitTaskResponse{TaskID: taskID},
		Timestamp: time.Now(),
	})
}

// HandleGet 处理 GET /tasks/{id}。
// 在途队列查不到时由编排器回查归档。
// @Summary 任务状态
// @Tags 任务
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} Response{data=TaskStatusResponse} "任务状态"
// @Failure 404 {object} Response "任务不存在"
// @Router /tasks/{id} [get]
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	taskID := extractTaskID(r)
	if taskID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "task ID is required", h.logger)
		return
	}

	task, err := h.orch.Get(r.Context(), taskID)
	if err != nil {
		writeAnyError(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, toTaskStatus(task))
}

// HandleCancel 处理 POST /tasks/{id}/cancel。
// PENDING 任务直接移除；PROCESSING 任务尽力取消。
// @Summary 取消任务
// @Tags 任务
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} Response "已取消"
// @Failure 404 {object} Response "任务不存在"
// @Router /tasks/{id}/cancel [post]
func (h *TaskHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := extractTaskID(r)
	if taskID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "task ID is required", h.logger)
		return
	}

	if err := h.orch.Cancel(r.Context(), taskID); err != nil {
		writeAnyError(w, r, err, h.logger)
		return
	}

	h.logger.Info("task cancelled", zap.String("task_id", taskID))
	WriteSuccess(w, r, map[string]string{"task_id": taskID, "status": "cancelled"})
}

// HandleTrace 处理 GET /tasks/{id}/trace
// @Summary 任务执行轨迹
// @Tags 任务
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} Response{data=[]trace.Entry} "轨迹条目"
// @Router /tasks/{id}/trace [get]
func (h *TaskHandler) HandleTrace(w http.ResponseWriter, r *http.Request) {
	taskID := extractTaskID(r)
	if taskID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "task ID is required", h.logger)
		return
	}

	entries := h.orch.Trace(taskID)
	if entries == nil {
		entries = []trace.Entry{}
	}
	WriteSuccess(w, r, entries)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func toTaskStatus(task *types.Task) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:       task.ID,
		Capability:   task.Capability,
		Priority:     string(task.Priority),
		Status:       string(task.Status),
		AssignedNode: task.AssignedNode,
		AttemptCount: task.AttemptCount,
		CreatedAt:    task.CreatedAt,
		Result:       task.Result,
		ErrorCode:    task.ErrorCode,
		ErrorDetails: task.ErrorDetails,
	}
}

// extractTaskID 从 URL 路径提取任务 ID。
// 支持 Go 1.22+ PathValue 与前缀裁剪两种路由方式。
func extractTaskID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	if path != r.URL.Path {
		return path
	}
	return ""
}
