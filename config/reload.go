// 配置热重载管理器实现。
//
// 监听配置文件变化，重新加载并校验后原子替换当前配置。
// 校验失败的新配置被拒绝，旧配置继续生效。
package config

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ReloadCallback 配置成功重载后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// ReloadManager 管理配置热重载
type ReloadManager struct {
	mu sync.RWMutex

	// 当前配置
	current    *Config
	configPath string
	envPrefix  string

	// 文件观察者
	watcher *ConfigWatcher

	// 回调
	callbacks []ReloadCallback

	// 记录器
	logger *zap.Logger

	running bool
}

// NewReloadManager 创建热重载管理器。
// initial 为已加载的当前配置；后续重载都从 configPath 重新读取。
func NewReloadManager(configPath string, initial *Config, logger *zap.Logger) (*ReloadManager, error) {
	if initial == nil {
		return nil, fmt.Errorf("initial config is required")
	}

	watcher, err := NewConfigWatcher(configPath,
		WithWatcherLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	return &ReloadManager{
		current:    initial,
		configPath: configPath,
		envPrefix:  "TASKMESH",
		watcher:    watcher,
		logger:     logger.With(zap.String("component", "config_reload")),
	}, nil
}

// OnReload 注册重载回调
func (m *ReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start 开始监听配置文件
func (m *ReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("reload manager already running")
	}
	m.running = true
	m.mu.Unlock()

	m.watcher.OnChange(func(event ChangeEvent) {
		if event.Kind == ChangeRemoved {
			m.logger.Warn("config file removed, keeping current config",
				zap.String("path", event.Path))
			return
		}
		if err := m.Reload(); err != nil {
			m.logger.Error("config reload rejected", zap.Error(err))
		}
	})

	if err := m.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}

	m.logger.Info("config hot reload enabled", zap.String("path", m.configPath))
	return nil
}

// Stop 停止监听
func (m *ReloadManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	return m.watcher.Stop()
}

// Reload 手动触发一次重载。
// 新配置未通过校验时返回错误，当前配置保持不变。
func (m *ReloadManager) Reload() error {
	newCfg, err := NewLoader().
		WithConfigPath(m.configPath).
		WithEnvPrefix(m.envPrefix).
		Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	m.mu.Lock()
	oldCfg := m.current
	m.current = newCfg
	callbacks := make([]ReloadCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}

	m.logger.Info("config reloaded", zap.String("path", m.configPath))
	return nil
}

// Current 返回当前生效的配置
func (m *ReloadManager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
