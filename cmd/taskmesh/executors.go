package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/taskmesh/orchestrator"
)

// builtinExecutors 返回二进制自带的能力集。
// 真实部署通过库入口注册自己的执行器；内置的 echo/sleep
// 用于冒烟验证队列、认领与回执链路。
func builtinExecutors() *orchestrator.ExecutorRegistry {
	registry := orchestrator.NewExecutorRegistry()

	// echo 原样返回载荷
	registry.Register("echo", orchestrator.ExecutorFunc(
		func(ctx context.Context, payload json.RawMessage) (*orchestrator.ExecutionResult, error) {
			return &orchestrator.ExecutionResult{Output: payload}, nil
		}))

	// sleep 按 {"duration_ms": N} 休眠后返回，用于验证租约与看门狗
	registry.Register("sleep", orchestrator.ExecutorFunc(
		func(ctx context.Context, payload json.RawMessage) (*orchestrator.ExecutionResult, error) {
			var req struct {
				DurationMS int `json:"duration_ms"`
			}
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(req.DurationMS) * time.Millisecond):
			}
			out := fmt.Sprintf(`{"slept_ms":%d}`, req.DurationMS)
			return &orchestrator.ExecutionResult{Output: json.RawMessage(out)}, nil
		}))

	return registry
}
