package sagabus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestHandler_ReceiveShortCircuit(t *testing.T) {
	cli := newTestClient(t)
	h := cli.Handler()

	// 无人订阅时立即返回，不等满超时
	start := time.Now()
	_, err := h.Receive(context.Background(), "nobody_listens", 2*time.Second)
	if !errors.Is(err, ErrNoEvent) {
		t.Fatalf("got %v, want ErrNoEvent", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("short-circuit took %v", time.Since(start))
	}
}

func TestHandler_ReceiveWithSubscription(t *testing.T) {
	cli := newTestClient(t)
	ctx := context.Background()
	h := cli.Handler()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = cli.NewBus().Publish(ctx, "ping", Payload{"n": float64(1)})
	}()

	p, err := h.Receive(ctx, "ping", 2*time.Second, WithSubscription())
	if err != nil { t.Fatalf("receive: %v", err) }
	if p["n"] != float64(1) {
		t.Fatalf("payload: %v", p)
	}
}

func TestHandler_AsyncPublish(t *testing.T) {
	cli := newTestClient(t)
	ctx := context.Background()

	bus := cli.NewBus()
	defer bus.Close()
	if err := bus.Subscribe(ctx, "async_out"); err != nil { t.Fatalf("subscribe: %v", err) }

	start := time.Now()
	if err := cli.Handler().Publish(ctx, "async_out", Payload{"k": "v"}); err != nil { t.Fatalf("publish: %v", err) }
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("publish should not block: %v", time.Since(start))
	}

	p, err := bus.Receive(ctx, "async_out", 2*time.Second)
	if err != nil { t.Fatalf("receive: %v", err) }
	if p["k"] != "v" {
		t.Fatalf("payload: %v", p)
	}
}

func TestHandler_StartHandlers(t *testing.T) {
	cli := newTestClient(t)
	ctx := context.Background()
	h := cli.Handler()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 4)
	h.Bind(Binding{Channel: "user_created", Handler: func(ctx context.Context, e Event) error {
		mu.Lock()
		seen = append(seen, e.Payload["email"].(string))
		mu.Unlock()
		done <- struct{}{}
		return nil
	}})

	stop, err := h.StartHandlers(ctx)
	if err != nil { t.Fatalf("start: %v", err) }
	defer stop(ctx)

	// 等监听协程完成订阅
	waitFor(t, 2*time.Second, func() bool { return cli.NewBus().IsSubscribed(ctx, "user_created") })

	pub := cli.NewBus()
	defer pub.Close()
	if err := pub.Publish(ctx, "user_created", Payload{"email": "x@example.com"}); err != nil { t.Fatalf("publish: %v", err) }

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("handler not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "x@example.com" {
		t.Fatalf("seen: %v", seen)
	}
}

func TestHandler_HandlerErrorDoesNotKillListener(t *testing.T) {
	cli := newTestClient(t)
	ctx := context.Background()
	h := cli.Handler()

	calls := make(chan int, 8)
	var n int
	var mu sync.Mutex
	h.Bind(Binding{Channel: "flaky", Handler: func(ctx context.Context, e Event) error {
		mu.Lock()
		n++
		c := n
		mu.Unlock()
		calls <- c
		if c == 1 {
			return errors.New("boom")
		}
		return nil
	}})

	stop, err := h.StartHandlers(ctx)
	if err != nil { t.Fatalf("start: %v", err) }
	defer stop(ctx)
	waitFor(t, 2*time.Second, func() bool { return cli.NewBus().IsSubscribed(ctx, "flaky") })

	pub := cli.NewBus()
	defer pub.Close()
	if err := pub.Publish(ctx, "flaky", Payload{}); err != nil { t.Fatalf("publish: %v", err) }
	<-calls
	// 首次处理报错后监听循环必须继续消费
	if err := pub.Publish(ctx, "flaky", Payload{}); err != nil { t.Fatalf("publish: %v", err) }
	select {
	case got := <-calls:
		if got != 2 {
			t.Fatalf("call count: %d", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("listener died after handler error")
	}
}

func TestHandler_StartSubscribers(t *testing.T) {
	cli := newTestClient(t)
	ctx := context.Background()
	h := cli.Handler()

	h.AddSubscription("order_paid", "order_shipped")
	if err := h.StartSubscribers(ctx); err != nil { t.Fatalf("start subscribers: %v", err) }

	// 挂上订阅后标记可见，Receive 不再短路
	if !cli.NewBus().IsSubscribed(ctx, "order_paid") || !cli.NewBus().IsSubscribed(ctx, "order_shipped") {
		t.Fatalf("markers not set after StartSubscribers")
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = cli.NewBus().Publish(ctx, "order_paid", Payload{"order_id": "o-1"})
	}()
	p, err := h.Receive(ctx, "order_paid", 2*time.Second)
	if err != nil { t.Fatalf("receive: %v", err) }
	if p["order_id"] != "o-1" {
		t.Fatalf("payload: %v", p)
	}
}

func TestHandler_ConcurrentPublishClose(t *testing.T) {
	// 发布方与 Close 竞争时只允许 ErrClosed，绝不允许向已关闭通道发送
	for i := 0; i < 50; i++ {
		cli, err := New(context.Background(), Config{Namespace: "test-race"})
		if err != nil { t.Fatalf("new: %v", err) }
		h := cli.Handler()

		var wg sync.WaitGroup
		errCh := make(chan error, 64)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 8; j++ {
					if err := h.Publish(context.Background(), "race", Payload{}); err != nil {
						errCh <- err
						return
					}
				}
			}()
		}
		_ = cli.Close(context.Background())
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("unexpected publish error: %v", err)
			}
		}
	}
}

func TestHandler_PublishAfterClose(t *testing.T) {
	cli, err := New(context.Background(), Config{Namespace: "test-close"})
	if err != nil { t.Fatalf("new: %v", err) }
	h := cli.Handler()
	if err := cli.Close(context.Background()); err != nil { t.Fatalf("close: %v", err) }
	if err := h.Publish(context.Background(), "late", Payload{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
