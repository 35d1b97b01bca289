package sagabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// wrrPollSlice 单队列一次阻塞弹出的时间片。加权轮询按此粒度在队列间切换，
// 低优先级队列的最坏等待被限制在一个完整轮询周期内（有界，不饿死）。
const wrrPollSlice = 100 * time.Millisecond

// buildWRRSequence 将队列拓扑展开为加权轮询序列：
// 队列按优先级降序排列，每个队列重复 priority 次（至少 1 次）。
func buildWRRSequence(queues []QueueConfig) []string {
	sorted := make([]QueueConfig, len(queues))
	copy(sorted, queues)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	var seq []string
	for _, q := range sorted {
		n := q.Priority
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			seq = append(seq, q.Name)
		}
	}
	return seq
}

// StartWorkers 启动 Worker 池：按加权轮询消费全部配置队列，
// 执行注册任务并回写结果。返回停止函数。
func (m *TaskManager) StartWorkers(ctx context.Context) (stop func(context.Context) error, err error) {
	seq := buildWRRSequence(m.queues)
	if len(seq) == 0 {
		return nil, fmt.Errorf("%w: no queues configured", ErrInvalidArgument)
	}
	handle := m.execute
	for i := len(m.mws) - 1; i >= 0; i-- {
		handle = m.mws[i](handle)
	}

	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go m.workerLoop(wctx, &wg, seq, handle)
	}
	stop = func(sctx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

func (m *TaskManager) workerLoop(ctx context.Context, wg *sync.WaitGroup, seq []string, handle TaskHandler) {
	defer wg.Done()
	idx := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		queue := seq[idx%len(seq)]
		idx++
		body, err := m.transport.Dequeue(ctx, queue, wrrPollSlice)
		if err != nil {
			if errors.Is(err, ErrNoEvent) || ctx.Err() != nil {
				continue
			}
			m.logger.Warn(ctx, "dequeue failed", "queue", queue, "error", err)
			continue
		}
		m.process(ctx, queue, body, handle)
	}
}

func (m *TaskManager) process(ctx context.Context, queue string, body []byte, handle TaskHandler) {
	var inv invocation
	if err := json.Unmarshal(body, &inv); err != nil {
		// 无关生产者的坏消息不应影响本消费者
		m.logger.Warn(ctx, "malformed invocation dropped", "queue", queue, "error", err)
		return
	}
	args, _ := json.Marshal(inv.Args)
	result, err := handle(ctx, inv.Task, inv.ID, args)
	if !inv.WantResult {
		if err != nil {
			m.logger.Error(ctx, "task failed", "task", inv.Task, "invocation", inv.ID, "error", err)
		}
		return
	}
	env := resultEnvelope{OK: err == nil, Result: result}
	if err != nil {
		env.Error = err.Error()
	}
	b, _ := json.Marshal(env)
	if perr := m.results.Push(ctx, inv.ID, b, m.resultTTL); perr != nil {
		m.logger.Error(ctx, "result push failed", "task", inv.Task, "invocation", inv.ID, "error", perr)
	}
}

// execute 终端处理：查注册表并执行任务函数，panic 折叠为错误。
func (m *TaskManager) execute(ctx context.Context, taskName string, id string, rawArgs json.RawMessage) (out json.RawMessage, err error) {
	v, ok := m.reg.Load(taskName)
	if !ok {
		m.logger.Warn(ctx, "task not registered, dropped", "task", taskName, "invocation", id)
		return nil, fmt.Errorf("%w: %s", ErrTaskNotRegistered, taskName)
	}
	t := v.(*Task)
	var args Payload
	if len(rawArgs) > 0 {
		if uerr := json.Unmarshal(rawArgs, &args); uerr != nil {
			return nil, fmt.Errorf("%w: malformed args: %v", ErrInvalidArgument, uerr)
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sagabus: task %s panicked: %v", taskName, rec)
		}
	}()
	res, err := t.fn(ctx, args)
	if err != nil {
		return nil, err
	}
	b, merr := json.Marshal(res)
	if merr != nil {
		return nil, fmt.Errorf("sagabus: task %s result not serializable: %v", taskName, merr)
	}
	return b, nil
}
