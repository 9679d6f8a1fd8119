package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/internal/tlsutil"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🌐 远程协调器客户端
// =============================================================================

// RemoteCoordinator 通过协调器的集群 API 完成注册与心跳，
// 供跨进程部署的工作节点使用。实现 Coordinator 接口。
type RemoteCoordinator struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// RemoteConfig 远程协调器客户端配置
type RemoteConfig struct {
	// BaseURL 协调器地址，如 "https://coordinator:8080"
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey 随请求发送的 X-API-Key；为空则不发送
	APIKey string `yaml:"api_key" json:"api_key"`

	// Timeout 单次请求超时
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// NewRemoteCoordinator 创建远程协调器客户端。
// 出站连接走加固的 TLS 配置。
func NewRemoteCoordinator(config RemoteConfig, logger *zap.Logger) (*RemoteCoordinator, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("coordinator base URL is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &RemoteCoordinator{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		client:  tlsutil.SecureHTTPClient(timeout),
		logger:  logger.With(zap.String("component", "remote_coordinator")),
	}, nil
}

// Register 实现 Coordinator.Register
func (c *RemoteCoordinator) Register(nodeID string, capabilities []string, hasGPU bool) error {
	body := map[string]any{
		"node_id":      nodeID,
		"capabilities": capabilities,
		"has_gpu":      hasGPU,
	}
	return c.post("/cluster/nodes", body)
}

// Heartbeat 实现 Coordinator.Heartbeat
func (c *RemoteCoordinator) Heartbeat(nodeID string, health types.NodeHealth) error {
	return c.post("/cluster/nodes/"+nodeID+"/heartbeat", health)
}

func (c *RemoteCoordinator) post(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("coordinator rejected request",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("POST %s: coordinator returned %d: %s", path, resp.StatusCode, snippet)
	}
	return nil
}
