package trace

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 📜 执行轨迹
// =============================================================================

// Stage 标识轨迹条目所处的处理阶段
type Stage string

const (
	// StageSubmit 任务提交
	StageSubmit Stage = "submit"

	// StageGate 决策门（能力/路由/漂移检查）
	StageGate Stage = "gate"

	// StageRoute 运行时路由解析
	StageRoute Stage = "route"

	// StageDispatch 任务下发（本地执行或入队）
	StageDispatch Stage = "dispatch"

	// StageExecute 执行中事件（重试、降级）
	StageExecute Stage = "execute"

	// StageCallback 执行器结果回调
	StageCallback Stage = "callback"

	// StageWatchdog 看门狗动作（僵尸回收、超限失败）
	StageWatchdog Stage = "watchdog"
)

// Entry 一条轨迹记录。Seq 在单个任务内严格递增。
type Entry struct {
	TaskID     string           `json:"task_id"`
	Seq        int              `json:"seq"`
	Timestamp  time.Time        `json:"timestamp"`
	Stage      Stage            `json:"stage"`
	FromStatus types.TaskStatus `json:"from_status,omitempty"`
	ToStatus   types.TaskStatus `json:"to_status,omitempty"`
	Detail     string           `json:"detail,omitempty"`

	// Route 在 StageRoute 条目上记录解析到的路由，
	// 后续漂移检查与之比对。
	Route *types.ResolvedRoute `json:"route,omitempty"`
}

// taskLog 单个任务的只增日志
type taskLog struct {
	entries      []Entry
	lastActivity time.Time
	terminal     bool
}

// Config 轨迹记录器配置
type Config struct {
	// StallWindow 超过该时长无活动且未终态的任务被视为停滞
	StallWindow time.Duration

	// MaxEntriesPerTask 单任务轨迹上限，超出后丢弃最旧条目
	// (防御失控重试把内存打爆)。0 表示不设限。
	MaxEntriesPerTask int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		StallWindow:       5 * time.Minute,
		MaxEntriesPerTask: 256,
	}
}

// Tracer 并发安全的执行轨迹记录器
type Tracer struct {
	mu     sync.Mutex
	logs   map[string]*taskLog
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewTracer 创建轨迹记录器
func NewTracer(config Config, logger *zap.Logger) *Tracer {
	if config.StallWindow <= 0 {
		config.StallWindow = DefaultConfig().StallWindow
	}
	return &Tracer{
		logs:   make(map[string]*taskLog),
		config: config,
		logger: logger.With(zap.String("component", "tracer")),
		now:    time.Now,
	}
}

// Append 追加一条轨迹。同一任务内的条目按调用顺序严格有序；
// 多个在途任务可并发写入。
func (t *Tracer) Append(taskID string, stage Stage, from, to types.TaskStatus, detail string) {
	t.append(taskID, stage, from, to, detail, nil)
}

// AppendRoute 记录路由解析结果
func (t *Tracer) AppendRoute(taskID string, route types.ResolvedRoute) {
	r := route
	t.append(taskID, StageRoute, "", "", "route resolved", &r)
}

func (t *Tracer) append(taskID string, stage Stage, from, to types.TaskStatus, detail string, route *types.ResolvedRoute) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	log, ok := t.logs[taskID]
	if !ok {
		log = &taskLog{}
		t.logs[taskID] = log
	}

	entry := Entry{
		TaskID:     taskID,
		Seq:        t.nextSeq(log),
		Timestamp:  now,
		Stage:      stage,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		Route:      route,
	}
	log.entries = append(log.entries, entry)
	if t.config.MaxEntriesPerTask > 0 && len(log.entries) > t.config.MaxEntriesPerTask {
		log.entries = log.entries[len(log.entries)-t.config.MaxEntriesPerTask:]
	}
	log.lastActivity = now
	if to.IsTerminal() {
		log.terminal = true
	}
}

// nextSeq 要求已持有 t.mu
func (t *Tracer) nextSeq(log *taskLog) int {
	if len(log.entries) == 0 {
		return 0
	}
	return log.entries[len(log.entries)-1].Seq + 1
}

// RouteOf 返回该任务最近一次记录的路由；无记录返回 nil。
func (t *Tracer) RouteOf(taskID string) *types.ResolvedRoute {
	t.mu.Lock()
	defer t.mu.Unlock()

	log, ok := t.logs[taskID]
	if !ok {
		return nil
	}
	for i := len(log.entries) - 1; i >= 0; i-- {
		if log.entries[i].Route != nil {
			r := *log.entries[i].Route
			return &r
		}
	}
	return nil
}

// TaskTrace 返回任务的全部轨迹条目（拷贝）
func (t *Tracer) TaskTrace(taskID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	log, ok := t.logs[taskID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(log.entries))
	copy(out, log.entries)
	return out
}

// StalledTasks 返回超过停滞窗口仍未终态的任务 ID
func (t *Tracer) StalledTasks() []string {
	cutoff := t.now().Add(-t.config.StallWindow)

	t.mu.Lock()
	defer t.mu.Unlock()

	var stalled []string
	for id, log := range t.logs {
		if !log.terminal && log.lastActivity.Before(cutoff) {
			stalled = append(stalled, id)
		}
	}
	return stalled
}

// Forget 删除任务轨迹（归档完成后调用）
func (t *Tracer) Forget(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.logs, taskID)
}

// RunStallMonitor 周期性扫描停滞任务并告警，直到 ctx 取消。
// 该监视器只观测不动作 —— 回收僵尸任务属于集群看门狗的职责。
func (t *Tracer) RunStallMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range t.StalledTasks() {
				t.logger.Warn("task has had no activity past stall window",
					zap.String("task_id", id),
					zap.Duration("stall_window", t.config.StallWindow))
			}
		}
	}
}
