// =============================================================================
// 📦 TaskMesh 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("TASKMESH").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/internal/database"
	"github.com/BaSui01/taskmesh/orchestrator"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 TaskMesh 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Queue 任务队列配置
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Redis Redis 配置（queue.backend 为 redis 时生效）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 归档数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Governance 出站治理限额
	Governance GovernanceConfig `yaml:"governance" env:"GOVERNANCE"`

	// Routing 能力到供应商的路由表
	Routing orchestrator.RouteTable `yaml:"routing" env:"-"`

	// Cluster 集群协调配置
	Cluster ClusterConfig `yaml:"cluster" env:"CLUSTER"`

	// Worker 工作节点配置
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// OTA 在线更新配置
	OTA OTAConfig `yaml:"ota" env:"OTA"`

	// Retry 出站调用重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Trace 执行轨迹配置
	Trace TraceConfig `yaml:"trace" env:"TRACE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 入站限速（每秒请求数，0 表示不限）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 入站限速突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// APIKeys 允许的客户端密钥，空表示不鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 是否允许通过 ?api_key= 查询参数传递密钥
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// JWTSecret 设置后启用 Bearer Token 鉴权（HS256），与 API Key 二选一通过即放行
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// CORS 允许的来源，空表示拒绝跨域请求
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	// 后端类型: memory, redis
	Backend string `yaml:"backend" env:"BACKEND"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// DatabaseConfig 归档数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 归档保留期，超期记录被周期清理（0 表示永久保留）
	ArchiveRetention time.Duration `yaml:"archive_retention" env:"ARCHIVE_RETENTION"`
	// 连接池配置
	Pool database.PoolConfig `yaml:"pool" env:"-"`
}

// GovernanceConfig 出站治理配置
type GovernanceConfig struct {
	// 降级审计日志容量
	AuditLogSize int `yaml:"audit_log_size" env:"AUDIT_LOG_SIZE"`
	// Limits 限流/预算/熔断/降级限额，结构与治理 API 一致
	Limits governor.Limits `yaml:"limits" env:"-"`
}

// ClusterConfig 集群协调配置
type ClusterConfig struct {
	// 心跳中断超过该时长标记节点离线
	OfflineTimeout time.Duration `yaml:"offline_timeout" env:"OFFLINE_TIMEOUT"`
	// 离线超过该时长后从注册表移除
	EvictTimeout time.Duration `yaml:"evict_timeout" env:"EVICT_TIMEOUT"`
	// 看门狗巡检周期
	WatchdogInterval time.Duration `yaml:"watchdog_interval" env:"WATCHDOG_INTERVAL"`
	// 僵尸判定窗口
	ZombieTimeout time.Duration `yaml:"zombie_timeout" env:"ZOMBIE_TIMEOUT"`
	// 任务重试上限
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 本地任务认领租约
	ClaimLease time.Duration `yaml:"claim_lease" env:"CLAIM_LEASE"`
}

// WorkerConfig 工作节点配置
type WorkerConfig struct {
	// 协调器地址
	CoordinatorURL string `yaml:"coordinator_url" env:"COORDINATOR_URL"`
	// 上报协调器时携带的 API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 节点唯一标识
	NodeID string `yaml:"node_id" env:"NODE_ID"`
	// 节点声明的能力标签
	Capabilities []string `yaml:"capabilities" env:"CAPABILITIES"`
	// 是否有 GPU
	HasGPU bool `yaml:"has_gpu" env:"HAS_GPU"`
	// 心跳上报周期
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// 队列空时的认领轮询间隔
	ClaimInterval time.Duration `yaml:"claim_interval" env:"CLAIM_INTERVAL"`
	// 认领租约时长
	ClaimLease time.Duration `yaml:"claim_lease" env:"CLAIM_LEASE"`
	// 并行执行的任务数上限
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
}

// OTAConfig 在线更新配置
type OTAConfig struct {
	// 集群共享签名密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// 签名令牌有效期
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	// 被替换的程序包文件
	InstallPath string `yaml:"install_path" env:"INSTALL_PATH"`
	// 替换前的备份目录
	BackupDir string `yaml:"backup_dir" env:"BACKUP_DIR"`
	// 两次应用之间的最小间隔
	MinInterval time.Duration `yaml:"min_interval" env:"MIN_INTERVAL"`
	// 更新包载荷目录
	PayloadDir string `yaml:"payload_dir" env:"PAYLOAD_DIR"`
}

// RetryConfig 出站调用重试策略
type RetryConfig struct {
	// 最大重试次数（0 表示不重试）
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// 最大延迟上限
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 指数退避倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 是否添加随机抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// TraceConfig 执行轨迹配置
type TraceConfig struct {
	// 超过该时长无活动且未终态的任务被视为停滞
	StallWindow time.Duration `yaml:"stall_window" env:"STALL_WINDOW"`
	// 单任务轨迹上限
	MaxEntriesPerTask int `yaml:"max_entries_per_task" env:"MAX_ENTRIES_PER_TASK"`
	// 停滞巡检周期
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TASKMESH",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	// 验证队列后端
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown queue backend %q", c.Queue.Backend))
	}

	// 验证集群配置
	if c.Cluster.ZombieTimeout <= 0 {
		errs = append(errs, "zombie_timeout must be positive")
	}
	if c.Cluster.MaxAttempts <= 0 {
		errs = append(errs, "max_attempts must be positive")
	}

	// 验证路由表
	if len(c.Routing) > 0 {
		if err := c.Routing.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
