// 配置文件变更监听器实现。
//
// 单文件轮询 + 内容指纹比对：mtime 在容器卷挂载等场景下不可靠，
// 因此以 SHA-256 指纹判定实际变更，并在防抖窗口内合并连续写入。
package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeKind 文件变更类型
type ChangeKind int

const (
	// ChangeModified 文件内容发生变化
	ChangeModified ChangeKind = iota
	// ChangeCreated 文件从不存在变为存在
	ChangeCreated
	// ChangeRemoved 文件被删除
	ChangeRemoved
)

// String returns the string representation of ChangeKind
func (k ChangeKind) String() string {
	switch k {
	case ChangeModified:
		return "MODIFIED"
	case ChangeCreated:
		return "CREATED"
	case ChangeRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent 一次已去抖的文件变更
type ChangeEvent struct {
	Path      string     `json:"path"`
	Kind      ChangeKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
}

// --- 监听器选项 ---

// WatcherOption configures the ConfigWatcher
type WatcherOption func(*ConfigWatcher)

// WithPollInterval sets how often the file is re-checked
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *ConfigWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounceDelay sets the quiet window before a change is dispatched
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *ConfigWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *ConfigWatcher) {
		w.logger = logger
	}
}

// --- 监听器实现 ---

// ConfigWatcher 监听单个配置文件的内容变化。
// 编辑器的原子替换（写临时文件再 rename）与直接覆写都能被指纹比对捕获。
type ConfigWatcher struct {
	mu sync.Mutex

	path     string
	interval time.Duration
	debounce time.Duration

	running  bool
	stopChan chan struct{}

	callbacks []func(ChangeEvent)

	// 上一次观测到的内容指纹；exists 为 false 时指纹无意义
	fingerprint [sha256.Size]byte
	exists      bool

	logger *zap.Logger
}

// NewConfigWatcher creates a watcher for a single configuration file.
// 文件暂不存在不算错误：创建后会以 ChangeCreated 事件通知。
func NewConfigWatcher(path string, opts ...WatcherOption) (*ConfigWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	w := &ConfigWatcher{
		path:     path,
		interval: 1 * time.Second,
		debounce: 100 * time.Millisecond,
		stopChan: make(chan struct{}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if data, err := os.ReadFile(path); err == nil {
		w.fingerprint = sha256.Sum256(data)
		w.exists = true
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	} else {
		w.logger.Warn("config file does not exist, watching for creation",
			zap.String("path", path))
	}

	return w, nil
}

// OnChange registers a callback invoked after each debounced change
func (w *ConfigWatcher) OnChange(callback func(ChangeEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Path returns the watched file path
func (w *ConfigWatcher) Path() string {
	return w.path
}

// IsRunning returns whether the poll loop is active
func (w *ConfigWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start begins the poll loop
func (w *ConfigWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	go w.pollLoop(ctx)

	w.logger.Info("config file watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.interval),
		zap.Duration("debounce", w.debounce))
	return nil
}

// Stop halts the poll loop. 幂等：重复调用无副作用。
func (w *ConfigWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	close(w.stopChan)
	w.running = false
	w.logger.Info("config file watcher stopped")
	return nil
}

func (w *ConfigWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if event, ok := w.check(); ok {
				w.settleAndDispatch(ctx, event)
			}
		}
	}
}

// check 比对当前内容指纹，返回待分发事件
func (w *ConfigWatcher) check() (ChangeEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) && w.exists {
			w.exists = false
			return ChangeEvent{Path: w.path, Kind: ChangeRemoved, Timestamp: time.Now()}, true
		}
		return ChangeEvent{}, false
	}

	sum := sha256.Sum256(data)
	switch {
	case !w.exists:
		w.exists = true
		w.fingerprint = sum
		return ChangeEvent{Path: w.path, Kind: ChangeCreated, Timestamp: time.Now()}, true
	case sum != w.fingerprint:
		w.fingerprint = sum
		return ChangeEvent{Path: w.path, Kind: ChangeModified, Timestamp: time.Now()}, true
	default:
		return ChangeEvent{}, false
	}
}

// settleAndDispatch 等待防抖窗口，吸收窗口内的后续写入后再通知回调。
// 连续写入只产生一次回调，事件取最后一次观测结果。
func (w *ConfigWatcher) settleAndDispatch(ctx context.Context, event ChangeEvent) {
	timer := time.NewTimer(w.debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-timer.C:
			w.dispatch(event)
			return
		case <-time.After(w.interval):
			if next, ok := w.check(); ok {
				event = next
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}
		}
	}
}

func (w *ConfigWatcher) dispatch(event ChangeEvent) {
	w.mu.Lock()
	callbacks := make([]func(ChangeEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Debug("dispatching config change",
		zap.String("path", event.Path),
		zap.String("kind", event.Kind.String()))
	for _, cb := range callbacks {
		cb(event)
	}
}
