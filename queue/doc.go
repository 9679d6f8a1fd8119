/*
包 queue 提供集群唯一的共享可变状态：双优先级任务队列与广播通道。

# 任务队列

两条优先级队列（high / background）。Enqueue 为非阻塞追加；ClaimNext
是原子弹出 —— 在同一个操作里完成出队、标记 PROCESSING、盖上 owner 与
心跳截止时间，保证并发认领下同一任务至多一个持有者。已认领任务只能
通过 UpdateStatus 变更状态，终态之后的重复更新是带告警的空操作。

提供两个实现：

  - MemoryQueue：互斥锁保护的进程内实现，单机部署与测试用。
  - RedisQueue：go-redis 实现，认领走单条 Lua 脚本（EVAL），
    跨节点也保持原子性。

# 广播通道

Broadcaster 把消息投递给所有当前订阅的节点，尽力而为、不跨重启持久化；
唯一例外是 OTA 更新消息，节点必须显式确认。消息是带版本号、经过
schema 校验的 JSON 信封，携带协调者签发的认证令牌 —— 集群消息绝不使用
能在反序列化时执行代码的格式。
*/
package queue
