package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	xerrors "AuctionMesh/internal/errors"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpReply 是智能体在 reply 队列中返回的消息体。
type amqpReply struct {
	Output   string            `json:"output"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// AMQPExecutor 通过 RabbitMQ 的请求/应答模式派发子任务。每个智能体监听自己
// 的队列（默认 agent.<id>），结果投递到执行器独占的 reply 队列。
type AMQPExecutor struct {
	registry   *Registry
	conn       *amqp.Connection
	ch         *amqp.Channel
	replyQueue string

	pubMu   sync.Mutex
	mu      sync.Mutex
	pending map[string]chan amqpReply
	closed  chan struct{}
	once    sync.Once
}

// NewAMQPExecutor 连接 RabbitMQ 并声明独占的 reply 队列。
func NewAMQPExecutor(url string, registry *Registry) (*AMQPExecutor, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 reply 队列失败: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("订阅 reply 队列失败: %w", err)
	}

	e := &AMQPExecutor{
		registry:   registry,
		conn:       conn,
		ch:         ch,
		replyQueue: q.Name,
		pending:    make(map[string]chan amqpReply),
		closed:     make(chan struct{}),
	}
	go e.dispatch(deliveries)
	return e, nil
}

func (e *AMQPExecutor) dispatch(deliveries <-chan amqp.Delivery) {
	for msg := range deliveries {
		var reply amqpReply
		if err := json.Unmarshal(msg.Body, &reply); err != nil {
			reply = amqpReply{Error: fmt.Sprintf("无法解析的应答: %v", err)}
		}
		e.mu.Lock()
		waiter, ok := e.pending[msg.CorrelationId]
		delete(e.pending, msg.CorrelationId)
		e.mu.Unlock()
		if ok {
			waiter <- reply
		}
	}
	e.once.Do(func() { close(e.closed) })
}

// Execute 实现 Executor 接口。
func (e *AMQPExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	profile, err := e.registry.Resolve(req.AgentID)
	if err != nil {
		return nil, err
	}
	queue := strings.TrimSpace(profile.Queue)
	if queue == "" {
		queue = "agent." + profile.ID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化执行请求失败")
	}

	correlationID := uuid.NewString()
	waiter := make(chan amqpReply, 1)
	e.mu.Lock()
	e.pending[correlationID] = waiter
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, correlationID)
		e.mu.Unlock()
	}()

	e.pubMu.Lock()
	err = e.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       e.replyQueue,
		Body:          body,
	})
	e.pubMu.Unlock()
	if err != nil {
		return nil, classifyTransportError(ctx, err, fmt.Sprintf("向智能体 %s 投递任务失败", profile.ID))
	}

	select {
	case <-ctx.Done():
		return nil, xerrors.FromContext(ctx.Err(), fmt.Sprintf("等待智能体 %s 应答超时", profile.ID))
	case <-e.closed:
		return nil, xerrors.New(xerrors.CodeUnavailable, "RabbitMQ 连接已关闭")
	case reply := <-waiter:
		if reply.Error != "" {
			return nil, xerrors.New(xerrors.CodeRejected, fmt.Sprintf("智能体 %s 拒绝执行: %s", profile.ID, reply.Error))
		}
		return &Response{Output: reply.Output, Metadata: reply.Metadata}, nil
	}
}

// Close 关闭 RabbitMQ 连接。
func (e *AMQPExecutor) Close() error {
	if e == nil {
		return nil
	}
	if e.ch != nil {
		_ = e.ch.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
