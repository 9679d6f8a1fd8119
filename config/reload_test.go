// 热重载管理器测试。
package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newTestReloadManager(t *testing.T) (*ReloadManager, string) {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	writeConfigFile(t, configPath, "server:\n  http_port: 8080\n")

	initial := MustLoad(configPath)
	m, err := NewReloadManager(configPath, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m, configPath
}

func TestReloadManager_ManualReload(t *testing.T) {
	m, configPath := newTestReloadManager(t)
	assert.Equal(t, 8080, m.Current().Server.HTTPPort)

	writeConfigFile(t, configPath, "server:\n  http_port: 9090\n")
	require.NoError(t, m.Reload())

	assert.Equal(t, 9090, m.Current().Server.HTTPPort)
}

func TestReloadManager_InvalidConfigRejected(t *testing.T) {
	m, configPath := newTestReloadManager(t)

	// 无效端口：重载被拒绝，旧配置保持生效
	writeConfigFile(t, configPath, "server:\n  http_port: -1\n")
	assert.Error(t, m.Reload())
	assert.Equal(t, 8080, m.Current().Server.HTTPPort)
}

func TestReloadManager_CallbackReceivesOldAndNew(t *testing.T) {
	m, configPath := newTestReloadManager(t)

	var mu sync.Mutex
	var gotOld, gotNew int
	m.OnReload(func(oldCfg, newCfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		gotOld = oldCfg.Server.HTTPPort
		gotNew = newCfg.Server.HTTPPort
	})

	writeConfigFile(t, configPath, "server:\n  http_port: 9191\n")
	require.NoError(t, m.Reload())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 8080, gotOld)
	assert.Equal(t, 9191, gotNew)
}

func TestReloadManager_WatchesFileChanges(t *testing.T) {
	m, configPath := newTestReloadManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	// 轮询兜底 1s 一次，留出足够余量
	time.Sleep(50 * time.Millisecond)
	writeConfigFile(t, configPath, "server:\n  http_port: 7070\n")

	assert.Eventually(t, func() bool {
		return m.Current().Server.HTTPPort == 7070
	}, 5*time.Second, 100*time.Millisecond)
}

func TestReloadManager_GovernanceLimitsReload(t *testing.T) {
	m, configPath := newTestReloadManager(t)

	writeConfigFile(t, configPath, `
server:
  http_port: 8080
governance:
  limits:
    default_rate_limit:
      capacity: 99
      refill_rate: 9
`)
	require.NoError(t, m.Reload())

	limits := m.Current().Governance.Limits
	assert.Equal(t, 99.0, limits.DefaultRateLimit.Capacity)
	assert.Equal(t, 9.0, limits.DefaultRateLimit.RefillRate)
}

func TestReloadManager_StartTwiceFails(t *testing.T) {
	m, _ := newTestReloadManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	assert.Error(t, m.Start(ctx))
}
