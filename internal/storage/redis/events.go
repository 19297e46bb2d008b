package redis

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/operator"
)

// DefaultEventChannel 是状态迁移事件的默认频道。
const DefaultEventChannel = "auctionmesh:events"

// EventPublisher 把 operator.Event 编码为 JSON 后 PUBLISH 到频道。
type EventPublisher struct {
	client  goredis.UniversalClient
	channel string
}

// NewEventPublisher 创建 EventPublisher。
func NewEventPublisher(client goredis.UniversalClient, channel string) *EventPublisher {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &EventPublisher{client: client, channel: channel}
}

// Publish 实现 operator.EventSink 接口。
func (p *EventPublisher) Publish(ctx context.Context, event operator.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "发布事件失败")
	}
	return nil
}

// Subscribe 订阅事件频道并逐条回调，直到 ctx 结束。无法解析的消息会被跳过。
func (p *EventPublisher) Subscribe(ctx context.Context, fn func(operator.Event)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "订阅事件频道失败")
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
			var event operator.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			fn(event)
		}
	}
}

var _ operator.EventSink = (*EventPublisher)(nil)
