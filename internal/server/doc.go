/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

协调器进程持有两个 Manager 实例：API 端口与 Prometheus 指标端口，
二者共用同一套启动/停机语义。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供
    Start/StartTLS/Shutdown/WaitForShutdown 生命周期方法与
    异步错误通道。
  - Config：监听地址、读写/空闲超时、请求头上限与优雅关闭超时。

# 行为约定

  - Start/StartTLS 非阻塞，服务在后台 goroutine 中运行；
    StartTLS 使用 tlsutil 的加固基线。
  - Shutdown 幂等，在配置超时内完成请求排空；关闭后不可重启。
  - WaitForShutdown 监听 SIGINT/SIGTERM 或服务异常退出，
    任一发生即触发优雅关闭。
  - ListenAddr 返回实际监听地址，Addr 配置为 :0 时取系统分配端口。
*/
package server
