// =============================================================================
// 📦 TaskMesh 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/internal/database"
	"github.com/BaSui01/taskmesh/orchestrator"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Queue:      DefaultQueueConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Governance: DefaultGovernanceConfig(),
		Routing:    orchestrator.RouteTable{},
		Cluster:    DefaultClusterConfig(),
		Worker:     DefaultWorkerConfig(),
		OTA:        DefaultOTAConfig(),
		Retry:      DefaultRetryConfig(),
		Trace:      DefaultTraceConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultQueueConfig 返回默认队列配置
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Backend: "memory",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		KeyPrefix: "taskmesh:",
		PoolSize:  10,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:           "sqlite",
		Name:             "taskmesh.db",
		Host:             "localhost",
		Port:             5432,
		User:             "taskmesh",
		SSLMode:          "disable",
		ArchiveRetention: 7 * 24 * time.Hour,
		Pool:             database.DefaultPoolConfig(),
	}
}

// DefaultGovernanceConfig 返回默认治理配置
func DefaultGovernanceConfig() GovernanceConfig {
	return GovernanceConfig{
		AuditLogSize: 128,
		Limits:       governor.DefaultLimits(),
	}
}

// DefaultClusterConfig 返回默认集群配置
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		OfflineTimeout:   30 * time.Second,
		EvictTimeout:     5 * time.Minute,
		WatchdogInterval: 10 * time.Second,
		ZombieTimeout:    60 * time.Second,
		MaxAttempts:      3,
		ClaimLease:       2 * time.Minute,
	}
}

// DefaultWorkerConfig 返回默认工作节点配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		CoordinatorURL:    "http://localhost:8080",
		NodeID:            "",
		HeartbeatInterval: 10 * time.Second,
		ClaimInterval:     time.Second,
		ClaimLease:        2 * time.Minute,
		Concurrency:       4,
	}
}

// DefaultOTAConfig 返回默认 OTA 配置
func DefaultOTAConfig() OTAConfig {
	return OTAConfig{
		Secret:      "",
		TokenTTL:    5 * time.Minute,
		InstallPath: "taskmesh-bundle",
		BackupDir:   "backups",
		MinInterval: time.Hour,
		PayloadDir:  "payloads",
	}
}

// DefaultRetryConfig 返回默认重试策略
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DefaultTraceConfig 返回默认轨迹配置
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{
		StallWindow:       5 * time.Minute,
		MaxEntriesPerTask: 256,
		MonitorInterval:   time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "taskmesh",
		SampleRate:   0.1,
	}
}
