package ota

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🔧 更新应用（节点侧）
// =============================================================================

// ErrNotTargeted 更新定向到其他节点，本节点跳过
var ErrNotTargeted = errors.New("update not targeted at this node")

// ApplierConfig 节点侧更新配置
type ApplierConfig struct {
	// NodeID 本节点标识
	NodeID string

	// InstallPath 被替换的程序包文件
	InstallPath string

	// BackupDir 替换前的备份目录
	BackupDir string

	// MinInterval 两次应用之间的最小间隔，限制误广播的影响面
	MinInterval time.Duration
}

// DefaultApplierConfig 返回默认配置
func DefaultApplierConfig(nodeID string) ApplierConfig {
	return ApplierConfig{
		NodeID:      nodeID,
		InstallPath: "taskmesh-bundle",
		BackupDir:   "backups",
		MinInterval: time.Hour,
	}
}

// Applier 校验并应用更新包。
// 完整性失败（摘要不符、来源未认证）对该更新是致命的：
// 记录日志、不落盘、不自动重试。
type Applier struct {
	config ApplierConfig
	signer *queue.Signer
	store  PayloadStore
	logger *zap.Logger
	now    func() time.Time

	// restart 应用成功后触发进程重启；nil 表示由外层负责
	restart func() error

	lastApplied    time.Time
	currentVersion string
}

// NewApplier 创建更新应用器
func NewApplier(config ApplierConfig, signer *queue.Signer, store PayloadStore, logger *zap.Logger) *Applier {
	if config.MinInterval <= 0 {
		config.MinInterval = time.Hour
	}
	return &Applier{
		config: config,
		signer: signer,
		store:  store,
		logger: logger.With(zap.String("component", "ota_applier")),
		now:    time.Now,
	}
}

// CurrentVersion 返回最近一次成功应用的版本
func (a *Applier) CurrentVersion() string {
	return a.currentVersion
}

// HandleBroadcast 处理一条 UPDATE_SYSTEM 广播：校验来源、检查定向、
// 应用更新，并返回一个已签名的回执信封供节点发布。
func (a *Applier) HandleBroadcast(env *queue.Envelope) (*queue.Envelope, error) {
	msg, err := a.authenticate(env)
	if err != nil {
		return nil, err
	}

	if len(msg.TargetNodes) > 0 && !contains(msg.TargetNodes, a.config.NodeID) {
		return nil, ErrNotTargeted
	}

	if applyErr := a.Apply(msg.Package); applyErr != nil {
		ack, ackErr := a.ack(msg.Package.Version, false, types.CodeOf(applyErr))
		if ackErr != nil {
			return nil, ackErr
		}
		return ack, applyErr
	}
	return a.ack(msg.Package.Version, true, "")
}

// authenticate 校验广播来源并解出更新消息
func (a *Applier) authenticate(env *queue.Envelope) (*UpdateMessage, error) {
	if env.Command != queue.CommandUpdateSystem {
		return nil, fmt.Errorf("not an update broadcast: %s", env.Command)
	}
	if err := a.signer.Verify(env); err != nil {
		a.logger.Error("update broadcast failed source authentication", zap.Error(err))
		return nil, err
	}

	var msg UpdateMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return nil, types.NewError(types.ErrUnauthenticatedSource, "malformed update message").WithCause(err)
	}
	return &msg, nil
}

// Apply 拉取载荷、复核摘要并原子替换程序包。
// 任何校验失败都发生在写盘之前，失败不会留下半成品。
func (a *Applier) Apply(pkg types.UpdatePackage) error {
	if !a.lastApplied.IsZero() && a.now().Sub(a.lastApplied) < a.config.MinInterval {
		return types.NewError(types.ErrUpdateRateLimited,
			fmt.Sprintf("update applied %s ago, minimum interval %s", a.now().Sub(a.lastApplied), a.config.MinInterval))
	}

	payload, err := a.store.Get(pkg.PayloadRef)
	if err != nil {
		return fmt.Errorf("fetch payload %s: %w", pkg.PayloadRef, err)
	}

	if digest := types.DigestOf(payload); digest != pkg.Digest {
		a.logger.Error("update digest mismatch",
			zap.String("version", pkg.Version),
			zap.String("advertised", pkg.Digest),
			zap.String("computed", digest))
		return types.NewError(types.ErrDigestMismatch,
			fmt.Sprintf("package %s digest does not match payload", pkg.Version))
	}

	if err := a.backupCurrent(pkg.Version); err != nil {
		return fmt.Errorf("backup before apply: %w", err)
	}

	if err := a.replace(payload); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}

	a.lastApplied = a.now()
	a.currentVersion = pkg.Version
	a.logger.Info("update applied",
		zap.String("version", pkg.Version),
		zap.String("digest", pkg.Digest))

	if a.restart != nil {
		return a.restart()
	}
	return nil
}

// backupCurrent 备份现有程序包；节点首次安装时无包可备
func (a *Applier) backupCurrent(version string) error {
	current, err := os.ReadFile(a.config.InstallPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(a.config.BackupDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.bak", filepath.Base(a.config.InstallPath), version)
	return os.WriteFile(filepath.Join(a.config.BackupDir, name), current, 0o644)
}

// replace 先写临时文件再重命名，替换本身是原子的
func (a *Applier) replace(payload []byte) error {
	if dir := filepath.Dir(a.config.InstallPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := a.config.InstallPath + ".staging"
	if err := os.WriteFile(tmp, payload, 0o755); err != nil {
		return err
	}
	return os.Rename(tmp, a.config.InstallPath)
}

// ack 构造签名回执
func (a *Applier) ack(version string, applied bool, reason types.ErrorCode) (*queue.Envelope, error) {
	return a.signer.NewEnvelope(queue.CommandUpdateAck, AckMessage{
		NodeID:  a.config.NodeID,
		Version: version,
		Applied: applied,
		Reason:  string(reason),
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
