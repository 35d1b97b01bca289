package sagabus

import (
	"context"
	"time"
)

// Subscription 订阅套接字。一个套接字只服务一个逻辑监听者：
// Next 会消费套接字上的全部订阅消息，多个 goroutine 并发排空同一套接字
// 会互相抢消息。
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Next 阻塞等待下一条消息；timeout<=0 时仅受 ctx 约束；
	// 等不到返回 ErrNoEvent。
	Next(ctx context.Context, timeout time.Duration) (channel string, body []byte, err error)
	Close() error
}

// Broker 发布订阅原语与持久订阅标记存储。
// 消息是瞬态广播：发布时没有订阅者则直接丢失，不为后来者缓冲。
type Broker interface {
	Publish(ctx context.Context, channel string, body []byte) error
	// NewSubscription 创建独立的订阅套接字。
	NewSubscription() Subscription

	// 持久订阅标记：发布方可据此确认监听者是否在线。
	SetMarker(ctx context.Context, key, value string, ttl time.Duration) error
	GetMarker(ctx context.Context, key string) (value string, ok bool, err error)
	DelMarker(ctx context.Context, key string) error

	Close(ctx context.Context) error
}

// TaskTransport 任务传输：按队列入队/出队。
type TaskTransport interface {
	// Enqueue 入队；delay>0 时由适配器保证到期前不投递。
	Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) error
	// Dequeue 阻塞弹出一条任务；超时返回 ErrNoEvent。
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	Close(ctx context.Context) error
}

// ResultStore 任务结果后端，独立于 TaskTransport（对应经典的
// broker/result-backend 分离）。
type ResultStore interface {
	Push(ctx context.Context, id string, body []byte, ttl time.Duration) error
	// Wait 阻塞等待调用结果；超时返回 ErrResultTimeout。
	Wait(ctx context.Context, id string, timeout time.Duration) ([]byte, error)
}
