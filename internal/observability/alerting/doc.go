// Package alerting 把需要人工关注的任务失败推送到日志与 Webhook。
package alerting
