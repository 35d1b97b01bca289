package sagabus

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestBuildWRRSequence(t *testing.T) {
	seq := buildWRRSequence(DefaultQueues())
	want := []string{"tasks", "tasks", "tasks", "events", "events", "beats"}
	if !reflect.DeepEqual(seq, want) {
		t.Fatalf("seq: %v, want %v", seq, want)
	}
}

func TestBuildWRRSequence_ZeroPriority(t *testing.T) {
	// 优先级 0 的队列仍须每轮至少被探测一次（有界等待，不饿死）
	seq := buildWRRSequence([]QueueConfig{
		{Name: "hot", Priority: 2},
		{Name: "cold", Priority: 0},
	})
	want := []string{"hot", "hot", "cold"}
	if !reflect.DeepEqual(seq, want) {
		t.Fatalf("seq: %v, want %v", seq, want)
	}
}

func TestWorker_LowPriorityNotStarved(t *testing.T) {
	cli := newWorkerClient(t, Config{})
	ctx := context.Background()

	hot := make(chan struct{}, 64)
	cold := make(chan struct{}, 1)
	busy, err := cli.Tasks().AddTask("busy", func(ctx context.Context, args Payload) (any, error) {
		hot <- struct{}{}
		return nil, nil
	})
	if err != nil { t.Fatalf("add task: %v", err) }
	slow, err := cli.Tasks().AddTask("cleanup", func(ctx context.Context, args Payload) (any, error) {
		cold <- struct{}{}
		return nil, nil
	}, WithQueue(QueueBeats))
	if err != nil { t.Fatalf("add task: %v", err) }

	// 高优先级队列填入持续积压，再塞一条低优先级任务
	for i := 0; i < 32; i++ {
		if err := busy.Run(ctx, nil); err != nil { t.Fatalf("run: %v", err) }
	}
	if err := slow.Run(ctx, nil); err != nil { t.Fatalf("run: %v", err) }

	startWorkers(t, cli)

	select {
	case <-cold:
	case <-time.After(5 * time.Second):
		t.Fatalf("low priority queue starved")
	}
}

func TestStartWorkers_NoQueues(t *testing.T) {
	m := newTaskManager(nil, nil, NewScheduleTable(), nil, TaskConfig{WorkerConcurrency: 1}, time.Hour, defaultLogger{})
	if _, err := m.StartWorkers(context.Background()); err == nil {
		t.Fatalf("want error when no queues configured")
	}
}
