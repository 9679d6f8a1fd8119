// Package persistence 提供终态任务的归档存储。
//
// 队列只保留在途与近期任务，终态任务落入 SQL 归档表供审计
// 与离线查询。支持 SQLite（单机）与 PostgreSQL（集群）。
package persistence
