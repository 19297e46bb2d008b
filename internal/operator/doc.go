// Package operator 实现任务编排核心：把一个任务拆解为子任务，为每个子任务在账本上开启拍卖，
// 并发监控拍卖结果，把子任务派发给中标智能体执行，最后按原始顺序汇总结果。
//
// 编排器只通过接口与外部协作者交互：拆解引擎（Decomposer）、账本（ledger.Ledger）、
// 执行通道（agent.Executor）与状态事件接收方（EventSink）。单个子任务的失败只影响该子任务。
package operator
