package sagabus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	cronv3 "github.com/robfig/cron/v3"
)

// Schedule 周期描述：固定间隔或 Cron 表达式，二者取其一。
type Schedule struct {
	Every time.Duration
	Spec  string
}

// Every 固定间隔调度。
func Every(d time.Duration) Schedule { return Schedule{Every: d} }

// Cron Cron 表达式调度（含秒位）。
func Cron(spec string) Schedule { return Schedule{Spec: spec} }

// cronParser 与 rebuild 中的 cron 实例保持同一方言（秒位必填，支持 @every）。
var cronParser = cronv3.NewParser(cronv3.Second | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

func (s Schedule) cronSpec() (string, error) {
	switch {
	case s.Every > 0 && s.Spec != "":
		return "", fmt.Errorf("%w: schedule has both interval and cron spec", ErrInvalidArgument)
	case s.Every > 0:
		return "@every " + s.Every.String(), nil
	case s.Spec != "":
		if _, err := cronParser.Parse(s.Spec); err != nil {
			return "", fmt.Errorf("%w: bad cron spec %q: %v", ErrInvalidArgument, s.Spec, err)
		}
		return s.Spec, nil
	default:
		return "", fmt.Errorf("%w: empty schedule", ErrInvalidArgument)
	}
}

// ScheduleEntry 调度表中的一条命名记录。
type ScheduleEntry struct {
	Name     string
	Schedule Schedule
	Task     string
	Args     Payload
	Queue    string
}

// ScheduleTable 共享调度表：按 Name 插入/覆盖，从不隐式删除。
// 显式对象而非包级单例，多进程幂等登记安全。
type ScheduleTable struct {
	mu      sync.Mutex
	entries map[string]ScheduleEntry
	version uint64
}

func NewScheduleTable() *ScheduleTable {
	return &ScheduleTable{entries: map[string]ScheduleEntry{}}
}

// Upsert 按 Name 覆盖写入。
func (t *ScheduleTable) Upsert(e ScheduleEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Name] = e
	t.version++
}

// Get 按 Name 查询。
func (t *ScheduleTable) Get(name string) (ScheduleEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	return e, ok
}

// Entries 返回按名称排序的条目快照。
func (t *ScheduleTable) Entries() []ScheduleEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ScheduleEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len 条目数。
func (t *ScheduleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *ScheduleTable) snapshot() (uint64, []ScheduleEntry) {
	t.mu.Lock()
	v := t.version
	t.mu.Unlock()
	return v, t.Entries()
}

// Beat 调度器：驱动调度表，按期将任务入队（即发即忘）。
// Distributed 模式下仅 Leader 实例入队，避免多进程重复触发。
type Beat struct {
	table  *ScheduleTable
	tasks  *TaskManager
	cfg    BeatConfig
	ns     string
	logger Logger
	rdb    *redis.Client

	mu     sync.Mutex
	cron   *cronv3.Cron
	cancel context.CancelFunc
}

func newBeat(table *ScheduleTable, tasks *TaskManager, cfg BeatConfig, ns string, rdb *redis.Client, logger Logger) *Beat {
	return &Beat{table: table, tasks: tasks, cfg: cfg, ns: ns, logger: logger, rdb: rdb}
}

// Table 暴露调度表（登记用）。
func (b *Beat) Table() *ScheduleTable { return b.table }

// Start 启动调度循环。Distributed 开启且有 Redis 时先竞选 Leader。
func (b *Beat) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	if b.cfg.Distributed && b.rdb != nil {
		go b.leaderLoop(rctx)
		return nil
	}
	go b.runLoop(rctx)
	return nil
}

// Stop 停止调度循环。
func (b *Beat) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.cron != nil {
		b.cron.Stop()
		b.cron = nil
	}
	return nil
}

// --- Leader 选举（仅 Distributed 模式） ---

func (b *Beat) lockKey() string {
	if b.cfg.LeaderLockKey != "" {
		return b.cfg.LeaderLockKey
	}
	return b.ns + ":beat:leader"
}

func (b *Beat) leaderLoop(ctx context.Context) {
	ttl := b.cfg.LeaderTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if b.tryAcquireLeader(ctx, ttl) {
			lctx, cancel := context.WithCancel(ctx)
			go b.renewLeader(lctx, ttl)
			b.runLoop(lctx)
			cancel()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *Beat) tryAcquireLeader(ctx context.Context, ttl time.Duration) bool {
	ok, err := b.rdb.SetNX(ctx, b.lockKey(), b.ns, ttl).Result()
	if err != nil {
		b.logger.Warn(ctx, "beat leader acquire failed", "error", err)
		return false
	}
	return ok
}

func (b *Beat) renewLeader(ctx context.Context, ttl time.Duration) {
	t := time.NewTicker(ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = b.rdb.Del(context.Background(), b.lockKey()).Result()
			return
		case <-t.C:
			_ = b.rdb.Expire(ctx, b.lockKey(), ttl).Err()
		}
	}
}

// --- 调度循环 ---

// runLoop 构建 cron 并跟踪调度表版本：表被重新登记时重建调度器。
func (b *Beat) runLoop(ctx context.Context) {
	version, entries := b.table.snapshot()
	b.rebuild(ctx, entries)
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			if b.cron != nil {
				b.cron.Stop()
				b.cron = nil
			}
			b.mu.Unlock()
			return
		case <-t.C:
			v, entries := b.table.snapshot()
			if v != version {
				version = v
				b.rebuild(ctx, entries)
			}
		}
	}
}

func (b *Beat) rebuild(ctx context.Context, entries []ScheduleEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cron != nil {
		b.cron.Stop()
	}
	loc := time.Local
	if tz := b.cfg.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	b.cron = cronv3.New(cronv3.WithSeconds(), cronv3.WithLocation(loc))
	for _, e := range entries {
		spec, err := e.Schedule.cronSpec()
		if err != nil {
			b.logger.Error(ctx, "invalid schedule entry skipped", "entry", e.Name, "error", err)
			continue
		}
		entry := e
		queue := entry.Queue
		if queue == "" {
			queue = b.cfg.Queue
		}
		_, err = b.cron.AddFunc(spec, func() {
			if err := b.tasks.enqueueByName(context.Background(), entry.Task, queue, entry.Args); err != nil {
				b.logger.Error(context.Background(), "beat enqueue failed", "entry", entry.Name, "task", entry.Task, "error", err)
			}
		})
		if err != nil {
			b.logger.Error(ctx, "beat cron add failed", "entry", e.Name, "error", err)
		}
	}
	b.cron.Start()
}
