package sagabus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client 对外统一入口，聚合 Broker/EventBus/Handler/Tasks/Beat。
// 通过 New 构造，按配置选择具体适配器。
// 所有阻塞方法要求调用方传递 context 控制超时/取消。
//
// 线程安全：实现需保障并发安全；但单个 EventBus 实例只服务一个监听者，
// 需要多个监听者时通过 NewBus 各取一个实例。
type Client interface {
	// Start 启动后台资源（Beat 调度循环）。
	Start(ctx context.Context) error
	// Close 优雅关闭，排空在途发布，遵循 ctx 超时。
	Close(ctx context.Context) error

	// NewBus 创建独立的事件总线实例（一个监听者一个实例）。
	NewBus() *EventBus
	// Handler 暴露事件运行层。
	Handler() *EventHandler
	// Tasks 暴露任务队列管理。
	Tasks() *TaskManager
	// Beat 暴露周期调度。
	Beat() *Beat
	// Saga 创建补偿事务执行器。
	Saga(name string) *Saga
}

// New 创建 Client 实例。
func New(ctx context.Context, cfg Config, opts ...Option) (Client, error) {
	cfg.withDefaults()
	c := &client{
		cfg:    cfg,
		logger: defaultLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "sagabus"
	}
	c.ns = ns

	// 根据 Provider 装配适配器
	switch cfg.Broker.Provider {
	case BrokerProviderRedis:
		ad, err := newRedisAdapter(cfg.Broker.Redis, ns, c.logger)
		if err != nil {
			return nil, err
		}
		c.broker, c.transport, c.results = ad, ad, ad
		c.leaderRdb = ad.rdb
		c.closers = append(c.closers, ad.Close)
	case BrokerProviderRabbitMQ:
		// 订阅标记与结果后端仍走 Redis（broker/result-backend 分离）
		resultRedis := cfg.Result.Redis
		if resultRedis.Addr == "" {
			return nil, fmt.Errorf("%w: rabbitmq provider requires Result.Redis", ErrBrokerUnavailable)
		}
		mra, err := newRedisAdapter(resultRedis, ns, c.logger)
		if err != nil {
			return nil, err
		}
		ra, err := newRabbitAdapter(cfg.Broker.RabbitMQ, cfg.Queues, ns, mra, c.logger)
		if err != nil {
			_ = mra.Close(ctx)
			return nil, err
		}
		c.broker, c.transport, c.results = ra, ra, mra
		c.leaderRdb = mra.rdb
		c.closers = append(c.closers, ra.Close, mra.Close)
	default:
		// memory：进程内实现，测试与示例用
		mem := newMemoryAdapter()
		c.broker, c.transport, c.results = mem, mem, mem
		c.closers = append(c.closers, mem.Close)
	}

	// 去重中间件集成（可选启用）：提供 KV 或 Redis 参数即开启
	if cfg.Dedupe.KV != nil || cfg.Dedupe.RedisAddr != "" {
		dcfg := cfg.Dedupe
		if dcfg.KV == nil {
			dcfg.KV = RedisKV{R: redis.NewClient(&redis.Options{Addr: dcfg.RedisAddr, Username: dcfg.RedisUsername, Password: dcfg.RedisPassword, DB: dcfg.RedisDB})}
		}
		c.eventMws = append([]EventMiddleware{NewEventDedupeMiddleware(dcfg)}, c.eventMws...)
		c.taskMws = append([]TaskMiddleware{NewTaskDedupeMiddleware(dcfg)}, c.taskMws...)
	}

	c.table = NewScheduleTable()
	c.tasks = newTaskManager(c.transport, c.results, c.table, cfg.Queues, cfg.Task, cfg.Result.TTL, c.logger, c.taskMws...)
	newBus := func() *EventBus { return newEventBus(c.broker, ns, c.logger) }
	c.newBus = newBus
	c.handler = newEventHandler(newBus, cfg.Handler.PublishBuffer, c.logger, c.eventMws...)
	c.beat = newBeat(c.table, c.tasks, cfg.Beat, ns, c.leaderRdb, c.logger)
	return c, nil
}

type client struct {
	cfg    Config
	ns     string
	logger Logger

	eventMws []EventMiddleware
	taskMws  []TaskMiddleware

	broker    Broker
	transport TaskTransport
	results   ResultStore
	leaderRdb *redis.Client

	table   *ScheduleTable
	tasks   *TaskManager
	handler *EventHandler
	beat    *Beat
	newBus  func() *EventBus

	closers []func(context.Context) error
}

func (c *client) Start(ctx context.Context) error { return c.beat.Start(ctx) }

func (c *client) Close(ctx context.Context) error {
	_ = c.beat.Stop(ctx)
	_ = c.handler.Close(ctx)
	for _, closeFn := range c.closers {
		_ = closeFn(ctx)
	}
	return nil
}

func (c *client) NewBus() *EventBus      { return c.newBus() }
func (c *client) Handler() *EventHandler { return c.handler }
func (c *client) Tasks() *TaskManager    { return c.tasks }
func (c *client) Beat() *Beat            { return c.beat }
func (c *client) Saga(name string) *Saga { return NewSaga(name, c.logger) }

// Option 允许注入替换默认行为（如 Logger）。
type Option func(*client)

// WithLogger 注入自定义日志实现。
func WithLogger(l Logger) Option {
	return func(c *client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEventMiddleware 追加事件处理链中间件。
func WithEventMiddleware(mws ...EventMiddleware) Option {
	return func(c *client) { c.eventMws = append(c.eventMws, mws...) }
}

// WithTaskMiddleware 追加任务执行链中间件。
func WithTaskMiddleware(mws ...TaskMiddleware) Option {
	return func(c *client) { c.taskMws = append(c.taskMws, mws...) }
}
