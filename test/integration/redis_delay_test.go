package integration

import (
	"context"
	"testing"
	"time"

	sb "github.com/northseadl/sagabus"
)

func TestRedis_TaskCountdown(t *testing.T) {
	cfg := redisConfig(t)
	ctx := context.Background()
	cli, err := sb.New(ctx, cfg)
	if err != nil { t.Fatalf("new: %v", err) }
	defer cli.Close(ctx)

	var executedAt time.Time
	task, err := cli.Tasks().AddTask("it.delayed", func(ctx context.Context, args sb.Payload) (any, error) {
		executedAt = time.Now()
		return nil, nil
	})
	if err != nil { t.Fatalf("add task: %v", err) }
	stop, err := cli.Tasks().StartWorkers(ctx)
	if err != nil { t.Fatalf("start workers: %v", err) }
	defer stop(ctx)

	countdown := time.Second
	start := time.Now()
	if _, err := task.GetResultCountdown(ctx, nil, countdown); err != nil { t.Fatalf("get result: %v", err) }
	if executedAt.Sub(start) < countdown { t.Fatalf("executed too early: %v", executedAt.Sub(start)) }
}

func TestRedis_BeatDistributed(t *testing.T) {
	cfg := redisConfig(t)
	cfg.Beat = sb.BeatConfig{Distributed: true, LeaderLockKey: "it:beat:leader", LeaderTTL: 5 * time.Second}
	ctx := context.Background()

	// two instances, only the leader enqueues
	c1, err := sb.New(ctx, cfg)
	if err != nil { t.Fatalf("new c1: %v", err) }
	defer c1.Close(ctx)
	c2, err := sb.New(ctx, cfg)
	if err != nil { t.Fatalf("new c2: %v", err) }
	defer c2.Close(ctx)

	fired := make(chan struct{}, 16)
	register := func(cli sb.Client) {
		task, err := cli.Tasks().AddTask("it.tick", func(ctx context.Context, args sb.Payload) (any, error) {
			fired <- struct{}{}
			return nil, nil
		})
		if err != nil { t.Fatalf("add task: %v", err) }
		if err := cli.Tasks().AddPeriodicTask("it.tick", sb.Every(500*time.Millisecond), task, nil, ""); err != nil { t.Fatalf("register: %v", err) }
	}
	register(c1)
	register(c2)

	stop, err := c1.Tasks().StartWorkers(ctx)
	if err != nil { t.Fatalf("start workers: %v", err) }
	defer stop(ctx)
	if err := c1.Start(ctx); err != nil { t.Fatalf("start c1: %v", err) }
	if err := c2.Start(ctx); err != nil { t.Fatalf("start c2: %v", err) }

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("periodic task never fired")
	}
	// a second leader would roughly double the rate; tolerate jitter
	drained := 1
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case <-fired:
			drained++
		case <-deadline:
			break loop
		}
	}
	if drained > 8 { t.Fatalf("too many firings (%d), duplicate leader suspected", drained) }
}
