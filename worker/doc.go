// Package worker 实现工作节点运行时。
//
// 节点注册后并行运行三条循环：心跳上报、任务认领执行、广播处理。
// 节点之间不共享内存，只通过任务队列、广播频道与注册表心跳交互。
package worker
