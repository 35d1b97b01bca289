package sagabus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskFunc 业务任务函数：入参与结果走 JSON 序列化。
type TaskFunc func(ctx context.Context, args Payload) (any, error)

// invocation 一次任务调用：每次分发生成独立 ID 与瞬态结果槽。
type invocation struct {
	ID         string  `json:"id"`
	Task       string  `json:"task"`
	Args       Payload `json:"args,omitempty"`
	WantResult bool    `json:"want_result"`
	EnqueuedAt int64   `json:"enqueued_at"`
}

// resultEnvelope Worker 回写的结果信封；Error 非空表示执行失败。
type resultEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TaskError 任务在 Worker 侧执行失败，经 GetResult 传播给阻塞的调用方。
type TaskError struct {
	Task    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("sagabus: task %s failed: %s", e.Task, e.Message)
}

// TaskManager 任务队列管理：注册、分发（同步取结果/延时/即发即忘）
// 与周期任务登记。注册表是显式对象而非包级单例，每个测试可各建一份。
type TaskManager struct {
	transport TaskTransport
	results   ResultStore
	schedule  *ScheduleTable
	queues    []QueueConfig
	cfg       TaskConfig
	resultTTL time.Duration
	logger    Logger
	mws       []TaskMiddleware

	reg sync.Map // name -> *Task
}

func newTaskManager(transport TaskTransport, results ResultStore, schedule *ScheduleTable, queues []QueueConfig, cfg TaskConfig, resultTTL time.Duration, logger Logger, mws ...TaskMiddleware) *TaskManager {
	return &TaskManager{
		transport: transport,
		results:   results,
		schedule:  schedule,
		queues:    queues,
		cfg:       cfg,
		resultTTL: resultTTL,
		logger:    logger,
		mws:       mws,
	}
}

// TaskOption 注册选项。
type TaskOption func(*Task)

// WithQueue 指定任务归属队列；默认使用 TaskConfig.DefaultQueue。
func WithQueue(queue string) TaskOption {
	return func(t *Task) { t.queue = queue }
}

// AddTask 将函数注册为可远程调用的任务。name 需全局唯一；
// 重复注册同名任务覆盖旧注册。
func (m *TaskManager) AddTask(name string, fn TaskFunc, opts ...TaskOption) (*Task, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: task name empty", ErrInvalidArgument)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: nil task fn", ErrInvalidArgument)
	}
	t := &Task{m: m, name: name, queue: m.cfg.DefaultQueue, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	m.reg.Store(name, t)
	return t, nil
}

// AddPeriodicTask 登记周期任务：按 name 插入/覆盖调度表条目
// （幂等登记，多进程启动时重复注册安全）。
func (m *TaskManager) AddPeriodicTask(name string, sched Schedule, task *Task, args Payload, queue string) error {
	if name == "" {
		return fmt.Errorf("%w: periodic task name empty", ErrInvalidArgument)
	}
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidArgument)
	}
	if _, err := sched.cronSpec(); err != nil {
		return err
	}
	m.schedule.Upsert(ScheduleEntry{Name: name, Schedule: sched, Task: task.name, Args: args, Queue: queue})
	return nil
}

// dispatch 生成调用并入队；返回调用 ID。
func (m *TaskManager) dispatch(ctx context.Context, taskName, queue string, args Payload, countdown time.Duration, wantResult bool) (string, error) {
	inv := invocation{
		ID:         uuid.NewString(),
		Task:       taskName,
		Args:       args,
		WantResult: wantResult,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	body, err := json.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("%w: args not serializable: %v", ErrInvalidArgument, err)
	}
	if err := m.transport.Enqueue(ctx, queue, body, countdown); err != nil {
		return "", err
	}
	return inv.ID, nil
}

// enqueueByName 供 Beat 按名入队（即发即忘，不校验本进程是否注册了该任务）。
func (m *TaskManager) enqueueByName(ctx context.Context, taskName, queue string, args Payload) error {
	if queue == "" {
		queue = m.cfg.DefaultQueue
	}
	_, err := m.dispatch(ctx, taskName, queue, args, 0, false)
	return err
}

// Task 已注册任务的调用包装。
type Task struct {
	m     *TaskManager
	name  string
	queue string
	fn    TaskFunc
}

// Name 任务名。
func (t *Task) Name() string { return t.name }

// Run 即发即忘：入队后立即返回，不等待也不返回结果。
func (t *Task) Run(ctx context.Context, args Payload) error {
	_, err := t.m.dispatch(ctx, t.name, t.queue, args, 0, false)
	return err
}

// GetResult 分发任务并阻塞调用方直到 Worker 回写结果或超时：
// 异步传输之上的同步 RPC。Worker 侧失败以 *TaskError 传播；
// 超时返回 ErrResultTimeout。
func (t *Task) GetResult(ctx context.Context, args Payload) (json.RawMessage, error) {
	return t.getResult(ctx, args, 0)
}

// GetResultCountdown 同 GetResult，但 Worker 在 countdown 到期前不得开始执行。
func (t *Task) GetResultCountdown(ctx context.Context, args Payload, countdown time.Duration) (json.RawMessage, error) {
	return t.getResult(ctx, args, countdown)
}

func (t *Task) getResult(ctx context.Context, args Payload, countdown time.Duration) (json.RawMessage, error) {
	id, err := t.m.dispatch(ctx, t.name, t.queue, args, countdown, true)
	if err != nil {
		return nil, err
	}
	wait := t.m.cfg.ResultTimeout + countdown
	body, err := t.m.results.Wait(ctx, id, wait)
	if err != nil {
		return nil, err
	}
	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("sagabus: malformed result for task %s: %w", t.name, err)
	}
	if !env.OK {
		return nil, &TaskError{Task: t.name, Message: env.Error}
	}
	return env.Result, nil
}
