package operator

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// retryPolicy 描述一组重试：首次调用之后最多 retries 次，间隔按 base 指数增长、不超过 max。
type retryPolicy struct {
	base    time.Duration
	max     time.Duration
	retries int
}

// backOff 为一次调用序列构造新的退避器，ctx 结束时停止重试。
func (p retryPolicy) backOff(ctx context.Context) backoff.BackOff {
	retries := p.retries
	if retries < 0 {
		retries = 0
	}
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.base > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.base
		exp.MaxInterval = p.max
		exp.Multiplier = 2
		exp.RandomizationFactor = 0.2
		exp.MaxElapsedTime = 0
		b = exp
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
