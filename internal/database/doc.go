/*
包 database 管理归档数据库的连接池，提供健康检查、
统计信息采集与带重试的事务执行。

# 概述

本包通过 Pool 封装 GORM 与 database/sql 的连接池配置，
统一管理连接生命周期、空闲回收与最大连接数限制。后台健康
检查定时探活，异常时通过 zap 日志输出诊断信息。

# 核心类型

  - Pool：连接池，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时与健康检查间隔。
  - Stats：连接池统计快照，供健康端点序列化。

# 主要能力

  - 连接池调优：通过 MaxIdleConns/MaxOpenConns/ConnMaxLifetime 精细控制。
  - 健康检查：后台定时 PingContext 探活，输出连接数与空闲数。
  - 事务执行：WithTransaction 支持对死锁、序列化冲突等
    可重试错误做指数退避重试。
*/
package database
