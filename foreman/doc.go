// Package foreman 管理工作节点的注册、心跳与选择。
//
// Registry 维护节点健康档案；Balancer 按负载得分挑选满足硬性
// 要求的节点；Watchdog 周期性回收僵尸任务（归属节点心跳中断的
// PROCESSING 任务）并在重试超限后将任务置为终态失败。
package foreman
