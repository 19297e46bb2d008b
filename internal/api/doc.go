// Package api 提供 AuctionMesh 的 HTTP 接口：任务的提交、查询、统计与取消，
// 智能体列表，以及基于 WebSocket 的实时出价订阅。
package api
