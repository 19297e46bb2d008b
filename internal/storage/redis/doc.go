// Package redis 提供基于 Redis 的事件广播：编排状态迁移通过 PUBLISH 推送给
// 外部订阅者，任务取消请求在多个实例之间广播。
package redis
