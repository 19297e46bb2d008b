// Package metrics 提供 API 层的 Prometheus 指标与 /metrics 暴露。
package metrics
