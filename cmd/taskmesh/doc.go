// Package main 是 TaskMesh 的统一二进制入口。
//
// 同一个可执行文件承载两种角色：
//
//	serve  — 协调器：HTTP API、任务队列、治理引擎、集群看门狗、OTA 分发
//	worker — 工作节点：向协调器注册、认领任务、执行并回报结果
//
// 进程装配都在本包完成：config 加载、zap 日志、OTel 遥测、
// 队列后端选择（memory/redis）、中间件链与优雅关闭顺序。
// 业务逻辑全部在库包里，main 只做接线。
package main
