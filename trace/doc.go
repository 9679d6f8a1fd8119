// Package trace 提供任务执行轨迹记录。
//
// 每个任务的状态机转换按追加顺序严格有序地记录在只增日志中，
// 供排障与审计使用；跨任务之间不保证顺序。配套的活性监视器
// 定期扫描长时间无活动的任务并告警。
package trace
