package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 💾 Redis 队列
// =============================================================================

// RedisConfig Redis 队列配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultRedisConfig 返回默认配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "taskmesh:",
		PoolSize:  10,
	}
}

// claimScript 原子认领：出队、标记 PROCESSING、盖 owner 与心跳截止时间
// 在同一条脚本里完成，跨节点并发认领不可能出现双持有者。
var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
local tkey = ARGV[1] .. id
local raw = redis.call('HGET', tkey, 'json')
if not raw then
  return false
end
local task = cjson.decode(raw)
if task['status'] ~= 'PENDING' then
  return false
end
task['status'] = 'PROCESSING'
task['assigned_node'] = ARGV[2]
task['claim_deadline'] = ARGV[3]
raw = cjson.encode(task)
redis.call('HSET', tkey, 'json', raw)
redis.call('SADD', KEYS[2], id)
return raw
`)

// updateScript 终态守卫 + 合法边校验 + 状态写入，单脚本原子完成
var updateScript = redis.NewScript(`
local tkey = ARGV[1] .. ARGV[2]
local raw = redis.call('HGET', tkey, 'json')
if not raw then
  return 'NOT_FOUND'
end
local task = cjson.decode(raw)
local cur = task['status']
if cur == 'COMPLETED' or cur == 'FAILED' or cur == 'LOST' then
  return 'TERMINAL'
end
local nxt = ARGV[3]
local legal = false
if cur == 'PENDING' then
  legal = (nxt == 'PROCESSING' or nxt == 'FAILED')
elseif cur == 'PROCESSING' then
  legal = (nxt == 'PENDING' or nxt == 'COMPLETED' or nxt == 'FAILED' or nxt == 'LOST')
end
if not legal then
  return 'INVALID'
end
task['status'] = nxt
if nxt == 'COMPLETED' then
  if ARGV[4] ~= '' then
    task['result'] = cjson.decode(ARGV[4])
  end
  task['assigned_node'] = nil
  redis.call('INCR', KEYS[2])
elseif nxt == 'FAILED' or nxt == 'LOST' then
  task['error_code'] = ARGV[5]
  task['error_details'] = ARGV[6]
  task['assigned_node'] = nil
  redis.call('INCR', KEYS[3])
end
redis.call('SREM', KEYS[1], ARGV[2])
redis.call('HSET', tkey, 'json', cjson.encode(task))
return 'OK'
`)

// requeueScript 僵尸回收：PROCESSING -> PENDING，attempt_count 恰好加一
var requeueScript = redis.NewScript(`
local tkey = ARGV[1] .. ARGV[2]
local raw = redis.call('HGET', tkey, 'json')
if not raw then
  return 'NOT_FOUND'
end
local task = cjson.decode(raw)
if task['status'] ~= 'PROCESSING' then
  return 'INVALID'
end
task['status'] = 'PENDING'
task['assigned_node'] = nil
task['claim_deadline'] = nil
task['attempt_count'] = (task['attempt_count'] or 0) + 1
redis.call('HSET', tkey, 'json', cjson.encode(task))
redis.call('SREM', KEYS[1], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[2])
return 'OK'
`)

// cancelScript 仅允许取消 PENDING 任务：摘出队列并置为 FAILED:cancelled
var cancelScript = redis.NewScript(`
local tkey = ARGV[1] .. ARGV[2]
local raw = redis.call('HGET', tkey, 'json')
if not raw then
  return 'NOT_FOUND'
end
local task = cjson.decode(raw)
if task['status'] ~= 'PENDING' then
  return 'NOT_PENDING'
end
redis.call('LREM', KEYS[1], 1, ARGV[2])
task['status'] = 'FAILED'
task['error_code'] = 'cancelled'
task['error_details'] = 'cancelled while pending'
redis.call('HSET', tkey, 'json', cjson.encode(task))
redis.call('INCR', KEYS[2])
return 'OK'
`)

// RedisQueue 基于 Redis 的分布式任务队列
type RedisQueue struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisQueue 创建 Redis 队列并验证连通性
func NewRedisQueue(cfg RedisConfig, logger *zap.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "taskmesh:"
	}

	return &RedisQueue{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "queue")),
		now:    time.Now,
	}, nil
}

// NewRedisQueueWithClient 复用已有客户端创建队列（测试与共享连接场景）
func NewRedisQueueWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisQueue {
	if prefix == "" {
		prefix = "taskmesh:"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "queue")),
		now:    time.Now,
	}
}

func (q *RedisQueue) taskPrefix() string { return q.prefix + "task:" }

func (q *RedisQueue) pendingKey(p types.TaskPriority) string {
	return q.prefix + "pending:" + string(p)
}

func (q *RedisQueue) processingKey() string { return q.prefix + "processing" }
func (q *RedisQueue) completedKey() string  { return q.prefix + "stats:completed" }
func (q *RedisQueue) failedKey() string     { return q.prefix + "stats:failed" }

// Enqueue 实现 TaskQueue.Enqueue
func (q *RedisQueue) Enqueue(ctx context.Context, task *types.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task must have an ID")
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", task.Priority)
	}

	cp := task.Clone()
	cp.Status = types.TaskPending
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	// SETNX 语义防止重复入队
	ok, err := q.client.HSetNX(ctx, q.taskPrefix()+cp.ID, "json", raw).Result()
	if err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s already enqueued", cp.ID)
	}

	if err := q.client.RPush(ctx, q.pendingKey(cp.Priority), cp.ID).Err(); err != nil {
		return fmt.Errorf("push task: %w", err)
	}

	q.logger.Debug("task enqueued",
		zap.String("task_id", cp.ID),
		zap.String("priority", string(cp.Priority)))
	return nil
}

// ClaimNext 实现 TaskQueue.ClaimNext
func (q *RedisQueue) ClaimNext(ctx context.Context, priority types.TaskPriority, owner string, lease time.Duration) (*types.Task, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	deadline := q.now().Add(lease).UTC().Format(time.RFC3339Nano)
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.pendingKey(priority), q.processingKey()},
		q.taskPrefix(), owner, deadline,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}

	var task types.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("unmarshal claimed task: %w", err)
	}
	return &task, nil
}

// UpdateStatus 实现 TaskQueue.UpdateStatus
func (q *RedisQueue) UpdateStatus(ctx context.Context, taskID string, status types.TaskStatus, result json.RawMessage, errCode types.ErrorCode, errDetails string) error {
	res, err := updateScript.Run(ctx, q.client,
		[]string{q.processingKey(), q.completedKey(), q.failedKey()},
		q.taskPrefix(), taskID, string(status), string(result), string(errCode), errDetails,
	).Text()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	switch res {
	case "OK":
		return nil
	case "NOT_FOUND":
		return ErrTaskNotFound
	case "TERMINAL":
		return ErrAlreadyTerminal
	default:
		return fmt.Errorf("%w: -> %s", ErrInvalidTransition, status)
	}
}

// Requeue 实现 TaskQueue.Requeue
func (q *RedisQueue) Requeue(ctx context.Context, taskID string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}

	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.processingKey(), q.pendingKey(task.Priority)},
		q.taskPrefix(), taskID,
	).Text()
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}

	switch res {
	case "OK":
		q.logger.Info("task requeued", zap.String("task_id", taskID))
		return nil
	case "NOT_FOUND":
		return ErrTaskNotFound
	default:
		return fmt.Errorf("%w: requeue of non-processing task", ErrInvalidTransition)
	}
}

// Cancel 实现 TaskQueue.Cancel
func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}

	res, err := cancelScript.Run(ctx, q.client,
		[]string{q.pendingKey(task.Priority), q.failedKey()},
		q.taskPrefix(), taskID,
	).Text()
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	switch res {
	case "OK":
		return nil
	case "NOT_FOUND":
		return ErrTaskNotFound
	default:
		return ErrNotClaimable
	}
}

// Get 实现 TaskQueue.Get
func (q *RedisQueue) Get(ctx context.Context, taskID string) (*types.Task, error) {
	raw, err := q.client.HGet(ctx, q.taskPrefix()+taskID, "json").Result()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task types.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// ListProcessing 实现 TaskQueue.ListProcessing
func (q *RedisQueue) ListProcessing(ctx context.Context) ([]*types.Task, error) {
	ids, err := q.client.SMembers(ctx, q.processingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list processing: %w", err)
	}

	out := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		task, err := q.Get(ctx, id)
		if err == ErrTaskNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if task.Status == types.TaskProcessing {
			out = append(out, task)
		}
	}
	return out, nil
}

// Stats 实现 TaskQueue.Stats
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	high := pipe.LLen(ctx, q.pendingKey(types.PriorityHigh))
	background := pipe.LLen(ctx, q.pendingKey(types.PriorityBackground))
	processing := pipe.SCard(ctx, q.processingKey())
	completed := pipe.Get(ctx, q.completedKey())
	failed := pipe.Get(ctx, q.failedKey())

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}

	stats := Stats{
		PendingHigh:       high.Val(),
		PendingBackground: background.Val(),
		Processing:        processing.Val(),
	}
	if v, err := completed.Int64(); err == nil {
		stats.Completed = v
	}
	if v, err := failed.Int64(); err == nil {
		stats.Failed = v
	}
	return stats, nil
}

// Close 实现 TaskQueue.Close
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
