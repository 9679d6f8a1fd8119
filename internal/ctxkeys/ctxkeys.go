package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	taskIDKey    contextKey = "task_id"
	nodeIDKey    contextKey = "node_id"
)

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTaskID 设置任务 ID
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskID 获取任务 ID
func TaskID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(taskIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithNodeID 设置节点 ID
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey, nodeID)
}

// NodeID 获取节点 ID
func NodeID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(nodeIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
