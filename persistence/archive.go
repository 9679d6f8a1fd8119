package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🗄️ 任务归档
// =============================================================================

// ErrRecordNotFound 归档中无此任务
var ErrRecordNotFound = errors.New("archived task not found")

// DatabaseConfig 归档数据库配置
type DatabaseConfig struct {
	// Driver 为 "sqlite" 或 "postgres"
	Driver string `yaml:"driver" json:"driver"`

	// DSN 连接串；sqlite 下为文件路径（":memory:" 为内存库）
	DSN string `yaml:"dsn" json:"dsn"`
}

// DefaultDatabaseConfig 返回默认配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver: "sqlite",
		DSN:    "taskmesh.db",
	}
}

// Open 按配置打开数据库连接
func Open(config DatabaseConfig) (*gorm.DB, error) {
	opts := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch config.Driver {
	case "sqlite", "":
		return gorm.Open(sqlite.Open(config.DSN), opts)
	case "postgres":
		return gorm.Open(postgres.Open(config.DSN), opts)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
}

// TaskRecord 归档表行。Payload/Result 以原始 JSON 文本存储，
// 归档层不解释其内容。
type TaskRecord struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Capability   string    `gorm:"size:128;index" json:"capability"`
	Priority     string    `gorm:"size:16" json:"priority"`
	Status       string    `gorm:"size:16;index" json:"status"`
	Payload      string    `gorm:"type:text" json:"payload,omitempty"`
	Result       string    `gorm:"type:text" json:"result,omitempty"`
	ErrorCode    string    `gorm:"size:64;index" json:"error_code,omitempty"`
	ErrorDetails string    `gorm:"type:text" json:"error_details,omitempty"`
	AssignedNode string    `gorm:"size:128" json:"assigned_node,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	ArchivedAt   time.Time `gorm:"index" json:"archived_at"`
}

// TableName gorm 表名
func (TaskRecord) TableName() string {
	return "task_archive"
}

// ArchiveStore 终态任务归档存储
type ArchiveStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewArchiveStore 创建归档存储并迁移表结构
func NewArchiveStore(db *gorm.DB, logger *zap.Logger) (*ArchiveStore, error) {
	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, fmt.Errorf("migrate task archive: %w", err)
	}
	return &ArchiveStore{
		db:     db,
		logger: logger.With(zap.String("component", "archive")),
		now:    time.Now,
	}, nil
}

// Archive 归档一个终态任务。重复归档同一任务是幂等的，
// 首次写入的记录不会被覆盖。
func (s *ArchiveStore) Archive(ctx context.Context, task *types.Task) error {
	if !task.Status.IsTerminal() {
		return fmt.Errorf("task %s is not terminal (%s)", task.ID, task.Status)
	}

	record := TaskRecord{
		ID:           task.ID,
		Capability:   task.Capability,
		Priority:     string(task.Priority),
		Status:       string(task.Status),
		Payload:      string(task.Payload),
		Result:       string(task.Result),
		ErrorCode:    string(task.ErrorCode),
		ErrorDetails: task.ErrorDetails,
		AssignedNode: task.AssignedNode,
		AttemptCount: task.AttemptCount,
		CreatedAt:    task.CreatedAt,
		ArchivedAt:   s.now().UTC(),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("archive task %s: %w", task.ID, err)
	}
	return nil
}

// Get 按 ID 读取归档记录
func (s *ArchiveStore) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	var record TaskRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get archived task: %w", err)
	}
	return &record, nil
}

// List 按状态筛选归档记录，按归档时间倒序
func (s *ArchiveStore) List(ctx context.Context, status types.TaskStatus, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.db.WithContext(ctx).Order("archived_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var records []TaskRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	return records, nil
}

// Purge 删除归档时间早于 cutoff 的记录，返回删除条数
func (s *ArchiveStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("archived_at < ?", cutoff).Delete(&TaskRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge archive: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("archive purged",
			zap.Int64("rows", res.RowsAffected),
			zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}
