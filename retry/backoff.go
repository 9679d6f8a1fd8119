// Package retry 提供带指数退避与随机抖动的重试能力，
// 供编排器在执行失败时做有界重试。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// Policy 重试策略配置
type Policy struct {
	MaxRetries   int           // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration // 初始延迟
	MaxDelay     time.Duration // 最大延迟上限
	Multiplier   float64       // 指数退避倍增因子
	Jitter       bool          // 是否添加随机抖动（防止雪崩）

	// OnRetry 每次重试前回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 返回默认重试策略
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时按策略重试
	Do(ctx context.Context, fn func() error) error
}

// backoffRetryer 指数退避重试器实现
type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}

	// 参数校验
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}

	return &backoffRetryer{policy: policy, logger: logger}
}

// Do 实现 Retryer.Do
// 核心逻辑：指数退避 + 抖动 + 不可重试错误短路
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		// 门禁失败等不可重试错误直接短路
		if !isRetryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return lastErr
		}

		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)

	return types.NewError(types.ErrMaxRetriesExceeded,
		fmt.Sprintf("still failing after %d retries", r.policy.MaxRetries)).
		WithCause(lastErr)
}

// Delay 计算第 attempt 次重试前的延迟
func (r *backoffRetryer) Delay(attempt int) time.Duration {
	// delay = initial * multiplier^(attempt-1)
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	// ±25% 抖动，避免多个节点同时重试
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}

	return time.Duration(delay)
}

// isRetryable 判断错误是否允许重试。
// 未包装为 *types.Error 的原生错误（网络错误等）默认可重试；
// *types.Error 按其 Retryable 标记判断。
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *types.Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}
