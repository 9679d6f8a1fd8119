package types

import (
	"testing"

	"pgregory.net/rapid"
)

var allStatuses = []TaskStatus{
	TaskPending, TaskProcessing, TaskCompleted, TaskFailed, TaskLost,
}

// 任务状态机属性测试：对随机状态转换序列，凡是 CanTransition 允许的序列
// 必须满足 —— 终态之后不再移动；唯一的回退边是 PROCESSING -> PENDING。
func TestTaskStatusTransitionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		status := TaskPending
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")

		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(allStatuses).Draw(rt, "next")

			if status.IsTerminal() {
				// 终态不允许任何出边
				if status.CanTransition(next) {
					rt.Fatalf("terminal status %s allowed transition to %s", status, next)
				}
				continue
			}

			if !status.CanTransition(next) {
				continue
			}

			// 合法回退只有 zombie requeue 这一条边
			if rank(next) < rank(status) && !(status == TaskProcessing && next == TaskPending) {
				rt.Fatalf("illegal backward transition %s -> %s", status, next)
			}

			status = next
		}
	})
}

// rank 给状态一个单调序号，用于检测回退
func rank(s TaskStatus) int {
	switch s {
	case TaskPending:
		return 0
	case TaskProcessing:
		return 1
	default:
		return 2
	}
}
