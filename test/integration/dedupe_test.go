package integration

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sb "github.com/northseadl/sagabus"
)

func TestRedis_DedupeAutowire(t *testing.T) {
	cfg := redisConfig(t)
	cfg.Dedupe = sb.DedupeConfig{RedisAddr: cfg.Broker.Redis.Addr, Prefix: "it:dedupe", TTL: time.Minute}
	ctx := context.Background()
	cli, err := sb.New(ctx, cfg)
	if err != nil { t.Fatalf("new: %v", err) }
	defer cli.Close(ctx)

	var calls int64
	h := cli.Handler()
	h.Bind(sb.Binding{Channel: "it_dedupe", Handler: func(ctx context.Context, e sb.Event) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}})
	stop, err := h.StartHandlers(ctx)
	if err != nil { t.Fatalf("start handlers: %v", err) }
	defer stop(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !cli.NewBus().IsSubscribed(ctx, "it_dedupe") {
		time.Sleep(100 * time.Millisecond)
	}

	// idempotency key is sha1(name+payload): identical deliveries collapse to one;
	// nonce keeps runs from colliding within the dedupe TTL
	payload := sb.Payload{"nonce": fmt.Sprint(time.Now().UnixNano())}
	pub := cli.NewBus()
	defer pub.Close()
	if err := pub.Publish(ctx, "it_dedupe", payload); err != nil { t.Fatalf("publish: %v", err) }
	if err := pub.Publish(ctx, "it_dedupe", payload); err != nil { t.Fatalf("publish: %v", err) }

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt64(&calls) == 0 {
		time.Sleep(100 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond) // give the duplicate a chance to slip through
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("handler calls: %d, want 1 (duplicate not suppressed)", n)
	}
}
