/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、任务、治理与集群四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 任务指标：提交总数、终态总数、端到端耗时、队列深度，
    按 capability/priority/status 分组。
  - 治理指标：出站拒绝计数、降级切换计数、供应商成本与 Token 用量，
    按 provider/reason/trigger 分组。
  - 集群指标：在线节点数 Gauge、看门狗回收计数、OTA 应用回执计数。
*/
package metrics
