// Package ota 实现签名校验的在线更新分发。
//
// 协调者打包载荷并计算 SHA-256 摘要，经签名广播推送到工作节点；
// 节点侧重新计算摘要、校验来源令牌，任一不符即拒绝整个更新包。
// 应用过程先备份后原子替换，并限制更新频率以收敛误广播的影响面。
package ota
