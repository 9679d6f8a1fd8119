// Package orchestrator 是任务编排的顶层状态机。
//
// 提交的任务依次通过三道决策门：能力可用门（无执行器直接失败，
// 绝不偷换泛化回答）、运行时解析门（治理引擎判定可用 provider）、
// 漂移门（同一逻辑路由的 config_hash 变化即失败）。通过后任务
// 被本地执行或入队等待集群节点认领，终态回调幂等。
package orchestrator
