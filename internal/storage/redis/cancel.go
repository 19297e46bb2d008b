package redis

import (
	"context"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AuctionMesh/internal/errors"
)

// DefaultCancelChannel 是取消请求的默认频道。
const DefaultCancelChannel = "auctionmesh:cancel"

// CancelBus 通过 Redis Pub/Sub 在实例之间广播任务取消请求。
type CancelBus struct {
	client  goredis.UniversalClient
	channel string
}

// NewCancelBus 创建 CancelBus。
func NewCancelBus(client goredis.UniversalClient, channel string) *CancelBus {
	if channel == "" {
		channel = DefaultCancelChannel
	}
	return &CancelBus{client: client, channel: channel}
}

// Broadcast 发布取消请求。
func (b *CancelBus) Broadcast(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if err := b.client.Publish(ctx, b.channel, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "广播取消请求失败")
	}
	return nil
}

// Listen 订阅取消频道并回调任务 ID，直到 ctx 结束。
func (b *CancelBus) Listen(ctx context.Context, fn func(taskID string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "订阅取消频道失败")
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if id := strings.TrimSpace(msg.Payload); id != "" {
				fn(id)
			}
		}
	}
}
