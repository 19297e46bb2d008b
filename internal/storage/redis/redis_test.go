package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"AuctionMesh/internal/operator"
)

// 需要真实 Redis：设置 AUCTIONMESH_TEST_REDIS=127.0.0.1:6379 后运行。
func testClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("AUCTIONMESH_TEST_REDIS")
	if addr == "" {
		t.Skip("AUCTIONMESH_TEST_REDIS 未设置，跳过 Redis 测试")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := NewClient(ctx, Config{Address: addr})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestEventPublisherRoundTrip(t *testing.T) {
	client := testClient(t)
	publisher := NewEventPublisher(client, "auctionmesh:test:events:"+t.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan operator.Event, 1)
	go func() {
		_ = publisher.Subscribe(ctx, func(event operator.Event) {
			select {
			case received <- event:
			default:
			}
		})
	}()

	want := operator.Event{Type: operator.EventSubtaskStatus, TaskID: "t1", SubtaskID: "t1:0", Status: operator.SubtaskCompleted}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-received:
			if got.TaskID != want.TaskID || got.Status != want.Status {
				t.Fatalf("unexpected event %+v", got)
			}
			return
		case <-ticker.C:
			// 订阅建立前发布的消息会丢失，因此重复发布。
			if err := publisher.Publish(ctx, want); err != nil {
				t.Fatalf("publish: %v", err)
			}
		case <-ctx.Done():
			t.Fatal("event not received")
		}
	}
}

func TestCancelBusRoundTrip(t *testing.T) {
	client := testClient(t)
	bus := NewCancelBus(client, "auctionmesh:test:cancel:"+t.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan string, 1)
	go func() {
		_ = bus.Listen(ctx, func(taskID string) {
			select {
			case received <- taskID:
			default:
			}
		})
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-received:
			if got != "task-42" {
				t.Fatalf("unexpected task id %q", got)
			}
			return
		case <-ticker.C:
			if err := bus.Broadcast(ctx, "task-42"); err != nil {
				t.Fatalf("broadcast: %v", err)
			}
		case <-ctx.Done():
			t.Fatal("cancel request not received")
		}
	}
}
