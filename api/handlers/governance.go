package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🛡️ 出站治理 Handler
// =============================================================================

// GovernanceHandler 治理状态查询与限额管理处理器
type GovernanceHandler struct {
	gov    *governor.Governor
	logger *zap.Logger
}

// NewGovernanceHandler 创建治理处理器
func NewGovernanceHandler(gov *governor.Governor, logger *zap.Logger) *GovernanceHandler {
	return &GovernanceHandler{
		gov:    gov,
		logger: logger.With(zap.String("component", "governance_handler")),
	}
}

// HandleStatus 处理 GET /governance/status
// @Summary 治理状态快照
// @Description 返回预算、熔断器、限流桶与 provider 状态
// @Tags 治理
// @Produce json
// @Success 200 {object} Response{data=governor.Status} "治理状态"
// @Router /governance/status [get]
func (h *GovernanceHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.gov.Status())
}

// HandleGetLimits 处理 GET /governance/limits
// @Summary 当前限额配置
// @Tags 治理
// @Produce json
// @Success 200 {object} Response{data=governor.Limits} "限额配置"
// @Router /governance/limits [get]
func (h *GovernanceHandler) HandleGetLimits(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.gov.Policy().Limits())
}

// HandleSetLimits 处理 POST /governance/limits。
// 校验失败时保留原限额不变。
// @Summary 热更新限额
// @Tags 治理
// @Accept json
// @Produce json
// @Param request body governor.Limits true "新限额"
// @Success 200 {object} Response "已生效"
// @Failure 400 {object} Response "限额无效"
// @Router /governance/limits [post]
func (h *GovernanceHandler) HandleSetLimits(w http.ResponseWriter, r *http.Request) {
	var limits governor.Limits
	if err := DecodeJSONBody(w, r, &limits, h.logger); err != nil {
		return
	}

	if err := h.gov.Policy().SetLimits(limits); err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "invalid limits").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	h.logger.Info("governance limits updated",
		zap.Float64("default_rate_capacity", limits.DefaultRateLimit.Capacity),
		zap.Float64("global_hard_limit", limits.GlobalBudget.HardLimit),
		zap.Strings("fallback_chain", limits.Fallback.Chain))

	WriteSuccess(w, r, map[string]any{
		"applied_at": time.Now().UTC(),
	})
}

// HandleResetUsage 处理 POST /governance/reset-usage
// @Summary 重置用量计数
// @Description 清零所有预算计数器与限流桶
// @Tags 治理
// @Produce json
// @Success 200 {object} Response "已重置"
// @Router /governance/reset-usage [post]
func (h *GovernanceHandler) HandleResetUsage(w http.ResponseWriter, r *http.Request) {
	h.gov.ResetUsage()
	h.logger.Info("governance usage counters reset")
	WriteSuccess(w, r, map[string]any{
		"reset_at": time.Now().UTC(),
	})
}

// HandleAudit 处理 GET /governance/audit
// @Summary 降级审计日志
// @Description 返回最近的降级决策记录，时间升序
// @Tags 治理
// @Produce json
// @Success 200 {object} Response{data=[]governor.AuditEntry} "审计记录"
// @Router /governance/audit [get]
func (h *GovernanceHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	entries := h.gov.Audit()
	if entries == nil {
		entries = []governor.AuditEntry{}
	}
	WriteSuccess(w, r, entries)
}
