package ota

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 📦 更新分发（协调者侧）
// =============================================================================

// UpdateMessage UPDATE_SYSTEM 广播的数据体
type UpdateMessage struct {
	// Package 更新包元数据（含摘要）
	Package types.UpdatePackage `json:"package"`

	// TargetNodes 为空表示全体节点
	TargetNodes []string `json:"target_nodes,omitempty"`
}

// AckMessage UPDATE_ACK 回执的数据体
type AckMessage struct {
	NodeID  string `json:"node_id"`
	Version string `json:"version"`

	// Applied 为 false 表示节点拒绝了该更新
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Distributor 打包并广播更新，跟踪节点回执
type Distributor struct {
	signer      *queue.Signer
	broadcaster queue.Broadcaster
	store       PayloadStore
	logger      *zap.Logger
	now         func() time.Time

	mu   sync.Mutex
	acks map[string][]AckMessage
}

// NewDistributor 创建更新分发器
func NewDistributor(signer *queue.Signer, broadcaster queue.Broadcaster, store PayloadStore, logger *zap.Logger) *Distributor {
	return &Distributor{
		signer:      signer,
		broadcaster: broadcaster,
		store:       store,
		logger:      logger.With(zap.String("component", "ota_distributor")),
		now:         time.Now,
		acks:        make(map[string][]AckMessage),
	}
}

// CreatePackage 计算载荷摘要并写入载荷存储。
// 包一经创建即不可变，新版本是一个新包。
func (d *Distributor) CreatePackage(version string, payload []byte, description string) (types.UpdatePackage, error) {
	if version == "" {
		return types.UpdatePackage{}, fmt.Errorf("version is required")
	}
	if len(payload) == 0 {
		return types.UpdatePackage{}, fmt.Errorf("payload is empty")
	}

	ref := "update-" + version
	if err := d.store.Put(ref, payload); err != nil {
		return types.UpdatePackage{}, fmt.Errorf("store payload: %w", err)
	}

	pkg := types.UpdatePackage{
		Version:     version,
		Digest:      types.DigestOf(payload),
		PayloadRef:  ref,
		CreatedAt:   d.now().UTC(),
		Description: description,
	}
	d.logger.Info("update package created",
		zap.String("version", version),
		zap.String("digest", pkg.Digest),
		zap.Int("payload_bytes", len(payload)))
	return pkg, nil
}

// BroadcastUpdate 签名并广播更新包。targetNodes 为空表示全体节点。
func (d *Distributor) BroadcastUpdate(ctx context.Context, pkg types.UpdatePackage, targetNodes []string) error {
	env, err := d.signer.NewEnvelope(queue.CommandUpdateSystem, UpdateMessage{
		Package:     pkg,
		TargetNodes: targetNodes,
	})
	if err != nil {
		return fmt.Errorf("sign update broadcast: %w", err)
	}

	if err := d.broadcaster.Publish(ctx, env); err != nil {
		return fmt.Errorf("broadcast update: %w", err)
	}
	d.logger.Info("update broadcast sent",
		zap.String("version", pkg.Version),
		zap.Int("target_count", len(targetNodes)))
	return nil
}

// HandleAck 消费节点的 UPDATE_ACK 回执。
// 回执同样经过签名校验，伪造回执不会污染分发状态。
func (d *Distributor) HandleAck(env *queue.Envelope) error {
	if env.Command != queue.CommandUpdateAck {
		return fmt.Errorf("not an update ack: %s", env.Command)
	}
	if err := d.signer.Verify(env); err != nil {
		return err
	}

	var ack AckMessage
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}

	d.mu.Lock()
	d.acks[ack.Version] = append(d.acks[ack.Version], ack)
	d.mu.Unlock()

	if ack.Applied {
		d.logger.Info("node acknowledged update",
			zap.String("node_id", ack.NodeID),
			zap.String("version", ack.Version))
	} else {
		d.logger.Warn("node rejected update",
			zap.String("node_id", ack.NodeID),
			zap.String("version", ack.Version),
			zap.String("reason", ack.Reason))
	}
	return nil
}

// Acks 返回某版本已收到的回执快照
func (d *Distributor) Acks(version string) []AckMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]AckMessage(nil), d.acks[version]...)
}
