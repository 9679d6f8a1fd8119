/*
Package handlers 提供 TaskMesh HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 TaskMesh 所有 HTTP 端点的请求处理逻辑，
包括任务提交与查询、出站治理管理、集群/队列状态以及统一的
响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - TaskHandler       — 任务提交、状态查询、取消与执行轨迹
  - GovernanceHandler — 治理状态、限额热更新、用量重置与降级审计
  - ClusterHandler    — 队列统计、集群节点表、节点注册与心跳
  - HealthHandler     — 服务健康检查（/healthz, /ready, /version）
  - Response          — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo         — 错误信封，客户端只依赖 error_code
  - ResponseWriter    — 包装 http.ResponseWriter 以捕获状态码与响应大小

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（严格模式，拒绝未知字段）
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
