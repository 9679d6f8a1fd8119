package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/api"
	"github.com/BaSui01/taskmesh/api/handlers"
	"github.com/BaSui01/taskmesh/config"
	"github.com/BaSui01/taskmesh/foreman"
	"github.com/BaSui01/taskmesh/governor"
	"github.com/BaSui01/taskmesh/internal/database"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/internal/server"
	"github.com/BaSui01/taskmesh/internal/telemetry"
	"github.com/BaSui01/taskmesh/orchestrator"
	"github.com/BaSui01/taskmesh/ota"
	"github.com/BaSui01/taskmesh/persistence"
	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/trace"
	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// 🖥️ 协调器 Server
// =============================================================================

// Server 是 TaskMesh 协调器进程：HTTP API、任务队列、
// 集群注册表、看门狗与 OTA 分发器的装配与生命周期。
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	collector   *metrics.Collector
	queue       queue.TaskQueue
	broadcaster queue.Broadcaster
	redisClient *redis.Client
	gov         *governor.Governor
	registry    *foreman.Registry
	watchdog    *foreman.Watchdog
	tracer      *trace.Tracer
	resolver    *orchestrator.Resolver
	orch        *orchestrator.Orchestrator
	distributor *ota.Distributor
	dbPool      *database.Pool
	archive     *persistence.ArchiveStore

	// 配置热重载
	reloadManager *config.ReloadManager

	// 后台循环与 rate limiter 生命周期
	bgCancel          context.CancelFunc
	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建协调器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 装配并启动所有组件
func (s *Server) Start() error {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s.bgCancel = bgCancel

	// 1. 指标收集器
	s.collector = metrics.NewCollector("taskmesh", s.logger)

	// 2. 队列与广播通道
	if err := s.initQueue(); err != nil {
		return fmt.Errorf("failed to init queue: %w", err)
	}

	// 3. 治理引擎与编排器
	if err := s.initOrchestrator(bgCtx); err != nil {
		return fmt.Errorf("failed to init orchestrator: %w", err)
	}

	// 4. 看门狗与指标巡检
	s.startBackgroundLoops(bgCtx)

	// 5. OTA 分发器
	if err := s.initDistributor(bgCtx); err != nil {
		return fmt.Errorf("failed to init ota distributor: %w", err)
	}

	// 6. 配置热重载
	if err := s.initReloadManager(bgCtx); err != nil {
		return fmt.Errorf("failed to init reload manager: %w", err)
	}

	// 7. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 8. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("queue_backend", s.cfg.Queue.Backend),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initQueue 按配置选择队列后端。redis 后端下队列与广播共用一个客户端。
func (s *Server) initQueue() error {
	switch s.cfg.Queue.Backend {
	case "redis":
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			PoolSize: s.cfg.Redis.PoolSize,
		})
		s.queue = queue.NewRedisQueueWithClient(s.redisClient, s.cfg.Redis.KeyPrefix, s.logger)
		s.broadcaster = queue.NewRedisBroadcaster(s.redisClient, s.cfg.Redis.KeyPrefix+"broadcast", s.logger)
	case "memory", "":
		s.queue = queue.NewMemoryQueue(s.logger)
		s.broadcaster = queue.NewMemoryBroadcaster(s.logger)
	default:
		return fmt.Errorf("unknown queue backend %q", s.cfg.Queue.Backend)
	}
	return nil
}

// initOrchestrator 装配治理引擎、路由解析器、集群注册表与编排器
func (s *Server) initOrchestrator(ctx context.Context) error {
	policy, err := governor.NewPolicyStore(s.cfg.Governance.Limits)
	if err != nil {
		return fmt.Errorf("invalid governance limits: %w", err)
	}
	s.gov = governor.New(policy, governor.Config{AuditLogSize: s.cfg.Governance.AuditLogSize}, s.logger)

	s.resolver, err = orchestrator.NewResolver(s.cfg.Routing, s.gov, s.logger)
	if err != nil {
		return fmt.Errorf("invalid route table: %w", err)
	}

	s.registry = foreman.NewRegistry(foreman.RegistryConfig{
		OfflineTimeout: s.cfg.Cluster.OfflineTimeout,
		EvictTimeout:   s.cfg.Cluster.EvictTimeout,
	}, s.logger)
	balancer := foreman.NewBalancer(s.registry, s.logger)

	s.tracer = trace.NewTracer(trace.Config{
		StallWindow:       s.cfg.Trace.StallWindow,
		MaxEntriesPerTask: s.cfg.Trace.MaxEntriesPerTask,
	}, s.logger)
	if s.cfg.Trace.MonitorInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tracer.RunStallMonitor(ctx, s.cfg.Trace.MonitorInterval)
		}()
	}

	// 归档是可选依赖：数据库不可用只降级到无归档，不阻塞启动
	s.initArchive(ctx)

	s.orch, err = orchestrator.New(orchestrator.Config{
		ClaimLease: s.cfg.Cluster.ClaimLease,
		Retry:      retryPolicyFromConfig(s.cfg.Retry),
	}, orchestrator.Options{
		Queue:     s.queue,
		Governor:  s.gov,
		Resolver:  s.resolver,
		Executors: builtinExecutors(),
		Registry:  s.registry,
		Balancer:  balancer,
		Tracer:    s.tracer,
		Archive:   s.archive,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	return nil
}

// initArchive 打开归档数据库并启动保留期清理循环
func (s *Server) initArchive(ctx context.Context) {
	if s.cfg.Database.Driver == "" {
		return
	}

	db, err := persistence.Open(persistence.DatabaseConfig{
		Driver: s.cfg.Database.Driver,
		DSN:    s.cfg.Database.DSN(),
	})
	if err != nil {
		s.logger.Warn("archive database not available, task history disabled", zap.Error(err))
		return
	}

	pool, err := database.NewPool(db, s.cfg.Database.Pool, s.logger)
	if err != nil {
		s.logger.Warn("failed to configure archive connection pool", zap.Error(err))
	} else {
		s.dbPool = pool
	}

	archive, err := persistence.NewArchiveStore(db, s.logger)
	if err != nil {
		s.logger.Warn("failed to init archive store, task history disabled", zap.Error(err))
		return
	}
	s.archive = archive

	if retention := s.cfg.Database.ArchiveRetention; retention > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.archiveRetentionLoop(ctx, retention)
		}()
	}
}

// archiveRetentionLoop 周期清理超过保留期的归档记录
func (s *Server) archiveRetentionLoop(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			purged, err := s.archive.Purge(purgeCtx, time.Now().Add(-retention))
			cancel()
			if err != nil {
				s.logger.Warn("archive retention purge failed", zap.Error(err))
			} else if purged > 0 {
				s.logger.Info("archive retention purge", zap.Int64("purged", purged))
			}
		}
	}
}

// startBackgroundLoops 启动看门狗与指标巡检
func (s *Server) startBackgroundLoops(ctx context.Context) {
	s.watchdog = foreman.NewWatchdog(foreman.WatchdogConfig{
		Interval:      s.cfg.Cluster.WatchdogInterval,
		ZombieTimeout: s.cfg.Cluster.ZombieTimeout,
		MaxAttempts:   s.cfg.Cluster.MaxAttempts,
	}, s.registry, s.queue, s.tracer, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchdog.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollMetrics(ctx)
	}()
}

// pollMetrics 把队列深度与在线节点数写入 Prometheus 指标
func (s *Server) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			stats, err := s.queue.Stats(statsCtx)
			cancel()
			if err == nil {
				s.collector.SetQueueDepth(string(types.PriorityHigh), int(stats.PendingHigh))
				s.collector.SetQueueDepth(string(types.PriorityBackground), int(stats.PendingBackground))
			}

			s.registry.Sweep()
			s.collector.SetNodesOnline(len(s.registry.OnlineNodes()))
		}
	}
}

// initDistributor 装配 OTA 分发器并订阅节点回执
func (s *Server) initDistributor(ctx context.Context) error {
	signer := queue.NewSigner([]byte(s.cfg.OTA.Secret), s.cfg.OTA.TokenTTL)

	var store ota.PayloadStore
	if s.cfg.OTA.PayloadDir != "" {
		fileStore, err := ota.NewFilePayloadStore(s.cfg.OTA.PayloadDir)
		if err != nil {
			return fmt.Errorf("open payload store: %w", err)
		}
		store = fileStore
	} else {
		store = ota.NewMemoryPayloadStore()
	}

	s.distributor = ota.NewDistributor(signer, s.broadcaster, store, s.logger)

	// 回执循环：UPDATE_ACK 回执进分发器，其余命令忽略
	sub, cancel, err := s.broadcaster.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe broadcast: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-sub:
				if !ok {
					return
				}
				if env.Command != queue.CommandUpdateAck {
					continue
				}
				if err := s.distributor.HandleAck(env); err != nil {
					s.logger.Warn("invalid update ack", zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// initReloadManager 监听配置文件并把新限额与路由表热应用到运行时
func (s *Server) initReloadManager(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}

	manager, err := config.NewReloadManager(s.configPath, s.cfg, s.logger)
	if err != nil {
		return err
	}

	manager.OnReload(func(oldConfig, newConfig *config.Config) {
		if err := s.gov.Policy().SetLimits(newConfig.Governance.Limits); err != nil {
			s.logger.Error("rejected reloaded governance limits, keeping previous",
				zap.Error(err))
			return
		}
		if err := s.resolver.ReplaceTable(newConfig.Routing); err != nil {
			s.logger.Error("rejected reloaded route table, keeping previous",
				zap.Error(err))
			return
		}
		s.cfg = newConfig
		s.logger.Info("governance limits and route table reloaded")
	})

	if err := manager.Start(ctx); err != nil {
		return err
	}

	s.reloadManager = manager
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 注册路由、构建中间件链并启动 HTTP 服务
func (s *Server) startHTTPServer() error {
	// 健康检查：进程存活之外挂上归档库与 Redis 的可达性
	healthHandler := handlers.NewHealthHandler(s.logger)
	if s.dbPool != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	}
	if s.redisClient != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return s.redisClient.Ping(ctx).Err()
		}))
	}

	mux := api.NewRouter(api.Handlers{
		Tasks:      handlers.NewTaskHandler(s.orch, s.collector, s.logger),
		Governance: handlers.NewGovernanceHandler(s.gov, s.logger),
		Cluster:    handlers.NewClusterHandler(s.queue, s.registry, s.logger),
		Health:     healthHandler,
		Version:    Version,
		BuildTime:  BuildTime,
		GitCommit:  GitCommit,
	})

	// OTA 管理端点：构包广播与回执查询
	mux.HandleFunc("POST /cluster/updates", s.handleBroadcastUpdate)
	mux.HandleFunc("GET /cluster/updates/{version}/acks", s.handleUpdateAcks)

	// 中间件链
	skipAuthPaths := []string{"/healthz", "/ready", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, s.cfg.Server.JWTSecret, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	}
	if s.cfg.Telemetry.Enabled {
		chain = append([]Middleware{OTelTracing()}, chain...)
	}
	handler := Chain(mux, chain...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📦 OTA 管理端点
// =============================================================================

// broadcastUpdateRequest POST /cluster/updates 请求体
type broadcastUpdateRequest struct {
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Payload     string   `json:"payload"` // base64 编码的更新包
	TargetNodes []string `json:"target_nodes,omitempty"`
}

// asTypesError 将任意 error 转成 *types.Error（与 handlers.writeAnyError 同语义）
func asTypesError(err error) *types.Error {
	if typed, ok := err.(*types.Error); ok {
		return typed
	}
	return types.NewError(types.ErrInternal, "operation failed").WithCause(err)
}

// handleBroadcastUpdate 构造签名更新包并广播给目标节点
func (s *Server) handleBroadcastUpdate(w http.ResponseWriter, r *http.Request) {
	var req broadcastUpdateRequest
	if err := handlers.DecodeJSONBody(w, r, &req, s.logger); err != nil {
		return
	}
	if req.Version == "" || req.Payload == "" {
		handlers.WriteError(w, r,
			types.NewError(types.ErrInvalidRequest, "version and payload are required"), s.logger)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		handlers.WriteError(w, r,
			types.NewError(types.ErrInvalidRequest, "payload must be base64 encoded"), s.logger)
		return
	}

	pkg, err := s.distributor.CreatePackage(req.Version, payload, req.Description)
	if err != nil {
		handlers.WriteError(w, r, asTypesError(err), s.logger)
		return
	}
	if err := s.distributor.BroadcastUpdate(r.Context(), pkg, req.TargetNodes); err != nil {
		handlers.WriteError(w, r, asTypesError(err), s.logger)
		return
	}

	s.logger.Info("update broadcast",
		zap.String("version", pkg.Version),
		zap.String("digest", pkg.Digest),
		zap.Int("target_nodes", len(req.TargetNodes)))
	handlers.WriteSuccess(w, r, pkg)
}

// handleUpdateAcks 返回某版本已收到的节点回执
func (s *Server) handleUpdateAcks(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	if version == "" {
		handlers.WriteError(w, r,
			types.NewError(types.ErrInvalidRequest, "update version is required"), s.logger)
		return
	}

	acks := s.distributor.Acks(version)
	if acks == nil {
		acks = []ota.AckMessage{}
	}
	handlers.WriteSuccess(w, r, map[string]any{
		"version": version,
		"acks":    acks,
	})
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动独立端口上的 Prometheus 端点
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止 rate limiter 清理协程与后台循环
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.bgCancel != nil {
		s.bgCancel()
	}

	// 2. 停止配置热重载
	if s.reloadManager != nil {
		if err := s.reloadManager.Stop(); err != nil {
			s.logger.Error("Reload manager shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 编排器、广播通道与存储
	if s.orch != nil {
		s.orch.Close()
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.Close(); err != nil {
			s.logger.Error("Broadcaster shutdown error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis client shutdown error", zap.Error(err))
		}
	}

	// 6. 遥测
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 7. 等待后台循环退出
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
