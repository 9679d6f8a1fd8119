// =============================================================================
// TaskMesh 主入口
// =============================================================================
// 同一个二进制承载协调器与工作节点两种角色：
//
//	taskmesh serve                        # 启动协调器
//	taskmesh serve --config config.yaml   # 指定配置文件
//	taskmesh worker --config config.yaml  # 以工作节点模式运行
//	taskmesh version                      # 显示版本信息
//	taskmesh health                       # 健康检查
// =============================================================================

// @title TaskMesh API
// @version 1.0.0
// @description TaskMesh is a distributed task orchestration service: a priority
// @description task queue with governed outbound provider calls, load-balanced
// @description worker nodes and signed over-the-air updates.

// @contact.name TaskMesh Team
// @contact.url https://github.com/BaSui01/taskmesh

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/taskmesh/config"
	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/internal/telemetry"
	"github.com/BaSui01/taskmesh/ota"
	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/retry"
	"github.com/BaSui01/taskmesh/worker"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting TaskMesh coordinator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	server := NewServer(cfg, *configPath, logger, otelProviders)

	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	logger.Info("TaskMesh coordinator stopped")
}

// =============================================================================
// 🔧 worker 命令
// =============================================================================

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	nodeID := fs.String("node-id", "", "Override node ID")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *nodeID != "" {
		cfg.Worker.NodeID = *nodeID
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting TaskMesh worker",
		zap.String("version", Version),
		zap.String("node_id", cfg.Worker.NodeID),
	)

	// 工作节点通过共享队列认领任务，内存后端只在单进程内可见
	if cfg.Queue.Backend != "redis" {
		logger.Fatal("worker mode requires the redis queue backend",
			zap.String("backend", cfg.Queue.Backend))
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer client.Close()

	q := queue.NewRedisQueueWithClient(client, cfg.Redis.KeyPrefix, logger)
	broadcaster := queue.NewRedisBroadcaster(client, cfg.Redis.KeyPrefix+"broadcast", logger)
	defer broadcaster.Close()

	coordinator, err := worker.NewRemoteCoordinator(worker.RemoteConfig{
		BaseURL: cfg.Worker.CoordinatorURL,
		APIKey:  cfg.Worker.APIKey,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create coordinator client", zap.Error(err))
	}

	// 节点侧治理：与协调器相同的限额，出站调用在本地同样受检
	policy, err := governor.NewPolicyStore(cfg.Governance.Limits)
	if err != nil {
		logger.Fatal("Invalid governance limits", zap.Error(err))
	}
	gov := governor.New(policy, governor.Config{AuditLogSize: cfg.Governance.AuditLogSize}, logger)

	// OTA 应用器：校验签名与摘要后整体替换程序包
	signer := queue.NewSigner([]byte(cfg.OTA.Secret), cfg.OTA.TokenTTL)
	payloadStore, err := ota.NewFilePayloadStore(cfg.OTA.PayloadDir)
	if err != nil {
		logger.Fatal("Failed to open OTA payload store", zap.Error(err))
	}
	applier := ota.NewApplier(ota.ApplierConfig{
		NodeID:      cfg.Worker.NodeID,
		InstallPath: cfg.OTA.InstallPath,
		BackupDir:   cfg.OTA.BackupDir,
		MinInterval: cfg.OTA.MinInterval,
	}, signer, payloadStore, logger)

	node, err := worker.NewNode(worker.Config{
		NodeID:            cfg.Worker.NodeID,
		Capabilities:      cfg.Worker.Capabilities,
		HasGPU:            cfg.Worker.HasGPU,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ClaimInterval:     cfg.Worker.ClaimInterval,
		ClaimLease:        cfg.Worker.ClaimLease,
		Concurrency:       cfg.Worker.Concurrency,
	}, worker.Options{
		Coordinator: coordinator,
		Queue:       q,
		Executors:   builtinExecutors(),
		Governor:    gov,
		Broadcaster: broadcaster,
		Applier:     applier,
		Retry:       retryPolicyFromConfig(cfg.Retry),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("Failed to create worker node", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		logger.Fatal("Worker node exited", zap.Error(err))
	}

	logger.Info("TaskMesh worker stopped")
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("TaskMesh %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`TaskMesh - Distributed Task Orchestration

Usage:
  taskmesh <command> [options]

Commands:
  serve     Start the coordinator (HTTP API, queue, watchdog)
  worker    Run a worker node against a coordinator
  version   Show version information
  health    Check coordinator health
  help      Show this help message

Options for 'serve' and 'worker':
  --config <path>   Path to configuration file (YAML)

Options for 'worker':
  --node-id <id>    Override the node ID from config

Examples:
  taskmesh serve
  taskmesh serve --config /etc/taskmesh/config.yaml
  taskmesh worker --config /etc/taskmesh/config.yaml --node-id worker-1
  taskmesh health --addr http://localhost:8080
  taskmesh version`)
}

// =============================================================================
// 🔧 初始化辅助
// =============================================================================

func loadConfig(configPath string) *config.Config {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	return cfg
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}

// retryPolicyFromConfig 把配置节翻译成出站重试策略
func retryPolicyFromConfig(cfg config.RetryConfig) *retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialDelay > 0 {
		p.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	p.Jitter = cfg.Jitter
	return p
}
