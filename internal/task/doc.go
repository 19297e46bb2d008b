// Package task 负责任务的托管生命周期：提交、排队、领取、交给编排器执行、
// 记录子任务进度以及取消。存储支持内存、MySQL 与 SQLite，队列支持内存、
// Redis 与 RabbitMQ。
package task
