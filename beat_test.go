package sagabus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedule_CronSpec(t *testing.T) {
	if _, err := (Schedule{}).cronSpec(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty schedule: got %v", err)
	}
	if _, err := (Schedule{Every: time.Minute, Spec: "0 * * * * *"}).cronSpec(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ambiguous schedule: got %v", err)
	}
	spec, err := Every(30 * time.Second).cronSpec()
	if err != nil { t.Fatalf("interval: %v", err) }
	if spec != "@every 30s" {
		t.Fatalf("spec: %q", spec)
	}
	spec, err = Cron("0 0 3 * * *").cronSpec()
	if err != nil { t.Fatalf("cron: %v", err) }
	if spec != "0 0 3 * * *" {
		t.Fatalf("spec: %q", spec)
	}
	// 不可解析的表达式（含太阳历等扩展语法）在登记时拒绝
	if _, err := Cron("@sunset").cronSpec(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("solar spec: got %v", err)
	}
	if _, err := Cron("* * *").cronSpec(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("short spec: got %v", err)
	}
}

func TestAddPeriodicTask_UpsertIdempotent(t *testing.T) {
	cli := newWorkerClient(t, Config{})
	task, err := cli.Tasks().AddTask("session.cleanup", func(ctx context.Context, args Payload) (any, error) {
		return nil, nil
	})
	if err != nil { t.Fatalf("add task: %v", err) }

	// 多进程启动时的重复登记：同名覆盖，不产生重复条目
	if err := cli.Tasks().AddPeriodicTask("cleanup", Every(30*time.Second), task, nil, ""); err != nil { t.Fatalf("register: %v", err) }
	if err := cli.Tasks().AddPeriodicTask("cleanup", Every(time.Minute), task, nil, ""); err != nil { t.Fatalf("re-register: %v", err) }

	table := cli.Beat().Table()
	if table.Len() != 1 {
		t.Fatalf("entries: %d, want 1", table.Len())
	}
	e, ok := table.Get("cleanup")
	if !ok {
		t.Fatalf("entry missing")
	}
	if e.Schedule.Every != time.Minute {
		t.Fatalf("schedule not overwritten: %v", e.Schedule.Every)
	}
}

func TestAddPeriodicTask_Validation(t *testing.T) {
	cli := newWorkerClient(t, Config{})
	task, err := cli.Tasks().AddTask("noop", func(ctx context.Context, args Payload) (any, error) { return nil, nil })
	if err != nil { t.Fatalf("add task: %v", err) }

	if err := cli.Tasks().AddPeriodicTask("", Every(time.Second), task, nil, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty name: got %v", err)
	}
	if err := cli.Tasks().AddPeriodicTask("bad", Schedule{}, task, nil, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty schedule: got %v", err)
	}
	if err := cli.Tasks().AddPeriodicTask("bad", Every(time.Second), nil, nil, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil task: got %v", err)
	}
}

func TestBeat_EnqueuesOnSchedule(t *testing.T) {
	cli := newWorkerClient(t, Config{})
	ctx := context.Background()

	fired := make(chan struct{}, 16)
	task, err := cli.Tasks().AddTask("heartbeat", func(ctx context.Context, args Payload) (any, error) {
		fired <- struct{}{}
		return nil, nil
	})
	if err != nil { t.Fatalf("add task: %v", err) }
	if err := cli.Tasks().AddPeriodicTask("heartbeat", Every(200*time.Millisecond), task, nil, ""); err != nil { t.Fatalf("register: %v", err) }

	startWorkers(t, cli)
	if err := cli.Start(ctx); err != nil { t.Fatalf("start: %v", err) }

	// 两个周期内至少触发一次
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("periodic task never fired")
	}
}

func TestScheduleTable_EntriesSorted(t *testing.T) {
	table := NewScheduleTable()
	table.Upsert(ScheduleEntry{Name: "b"})
	table.Upsert(ScheduleEntry{Name: "a"})
	table.Upsert(ScheduleEntry{Name: "c"})
	entries := table.Entries()
	if len(entries) != 3 || entries[0].Name != "a" || entries[2].Name != "c" {
		t.Fatalf("entries: %v", entries)
	}
}
