/*
包 governor 提供对外部 Provider 调用的治理引擎：按 (provider, method)
作用域做令牌桶限流、滚动窗口预算控制、熔断保护与降级链路由。

# 概述

每一次出站调用必须先通过 CheckOutbound 获得放行，调用完成后必须通过
RecordResponse 上报结果 —— 这是所有外部集成的硬性契约。拒绝时返回稳定
的 reason code（rate_limit_requests_exceeded、circuit_open 等），上层
可据此按 FallbackPolicy 走降级链。

# 核心类型

  - Governor：治理引擎门面，聚合限流、预算、熔断与降级决策。
  - PolicyStore：限额与降级链的纯数据存储，支持校验与热更新。
  - RateLimiter：按作用域的令牌桶（请求桶 + Token 桶）。
  - BudgetManager：provider 级与全局滚动窗口预算计数器。
  - Breaker：Closed/Open/HalfOpen 三态熔断器，半开仅放行一个探测请求。
  - FallbackResolver：按配置顺序遍历降级链，跳过熔断/离线的 provider，
    并把每次降级决策写入有界审计日志。

# 并发模型

所有状态按作用域懒创建、进程生命周期驻留，内部用互斥锁保护，
CheckOutbound 与 RecordResponse 可被任意多个在途任务并发调用。
*/
package governor
