package sagabus

import (
	"time"
)

// BrokerProvider 选择 Broker 适配器。
type BrokerProvider string

const (
	BrokerProviderRedis    BrokerProvider = "redis"
	BrokerProviderRabbitMQ BrokerProvider = "rabbitmq"
	// BrokerProviderMemory 进程内实现，供测试与示例使用。
	BrokerProviderMemory BrokerProvider = "memory"
)

// DelayMode 用于 RabbitMQ 延时消息兼容模式。
type DelayMode string

const (
	DelayModeStandard DelayMode = "standard" // 使用 x-delayed-message 插件（x-delay）
	DelayModeAliyun   DelayMode = "aliyun"   // 使用阿里云原生（delay）
)

// 默认队列拓扑。数字越大越优先；具体映射属于部署策略，可按需覆盖。
const (
	QueueTasks  = "tasks"
	QueueEvents = "events"
	QueueBeats  = "beats"
)

// Config 为包总配置，应用通过 New 传入。
type Config struct {
	// Namespace 服务命名空间：用于隔离订阅标记、队列与锁键前缀。
	// 建议与服务名一致，例如："shop-core"。
	Namespace string
	Broker    BrokerAdapterConfig
	// Result 结果后端配置；与 Broker 独立（RabbitMQ 作 Broker 时结果仍走 Redis）。
	Result ResultConfig
	// Queues 队列拓扑；留空时使用默认三队列 tasks/events/beats。
	Queues  []QueueConfig
	Task    TaskConfig
	Beat    BeatConfig
	Handler HandlerConfig
	Saga    SagaConfig

	// Dedupe 可选配置：若提供 KV/Redis，则默认启用 Handler 与 Worker 的去重检查。
	Dedupe DedupeConfig
}

type BrokerAdapterConfig struct {
	Provider BrokerProvider
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

type RabbitMQConfig struct {
	URI             string
	Exchange        string
	DelayedExchange string
	Prefetch        int
	// DelayMode 选择延时消息兼容模式；默认 standard。
	DelayMode DelayMode
}

// ResultConfig 结果后端。Redis 留空且 Broker 为 Redis 时复用 Broker 连接参数。
type ResultConfig struct {
	Redis RedisConfig
	// TTL 结果过期时间；默认 1h。
	TTL time.Duration
}

// QueueConfig 单个逻辑队列：名称与优先级（越大越优先被调度）。
type QueueConfig struct {
	Name     string
	Priority int
}

// DefaultQueues 返回默认三队列拓扑：tasks > events > beats。
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: QueueTasks, Priority: 3},
		{Name: QueueEvents, Priority: 2},
		{Name: QueueBeats, Priority: 1},
	}
}

type TaskConfig struct {
	// DefaultQueue 注册任务未指定队列时的归属；默认 tasks。
	DefaultQueue string
	// ResultTimeout GetResult 的默认阻塞上限；默认 5s。
	ResultTimeout time.Duration
	// WorkerConcurrency Worker 并发度；默认 1。
	WorkerConcurrency int
}

type BeatConfig struct {
	Timezone string
	// Queue 周期任务默认入队目标；默认 beats。
	Queue string
	// Distributed 开启分布式调度：仅 Leader 实例执行入队。
	Distributed bool
	// LeaderLockKey 分布式锁键（Redis）。
	LeaderLockKey string
	// LeaderTTL 锁过期时间。
	LeaderTTL time.Duration
}

type HandlerConfig struct {
	// PublishBuffer 异步发布队列容量；默认 64。队列满时 Publish 退化为阻塞。
	PublishBuffer int
}

type SagaConfig struct {
	// StepTimeout 同步任务步骤的默认超时；默认 5s。
	StepTimeout time.Duration
	// ReceiveTimeout 等待下游完成事件的默认超时；默认 3s。
	ReceiveTimeout time.Duration
}

// DedupeConfig 配置去重中间件。Broker 是 at-least-once 的，
// 重复投递由 SetNX 幂等键兜底。
type DedupeConfig struct {
	KV KV // 可选：键值存储（生产用 RedisKV）
	// 可选 Redis 连接参数（若 KV 为空则使用这些参数自动启用）
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int

	Prefix string        // key 前缀，如 "sb:dedupe"
	TTL    time.Duration // 幂等键过期时间
}

func (c *Config) withDefaults() {
	if len(c.Queues) == 0 {
		c.Queues = DefaultQueues()
	}
	if c.Task.DefaultQueue == "" {
		c.Task.DefaultQueue = QueueTasks
	}
	if c.Task.ResultTimeout <= 0 {
		c.Task.ResultTimeout = 5 * time.Second
	}
	if c.Task.WorkerConcurrency <= 0 {
		c.Task.WorkerConcurrency = 1
	}
	if c.Beat.Queue == "" {
		c.Beat.Queue = QueueBeats
	}
	if c.Handler.PublishBuffer <= 0 {
		c.Handler.PublishBuffer = 64
	}
	if c.Saga.StepTimeout <= 0 {
		c.Saga.StepTimeout = 5 * time.Second
	}
	if c.Saga.ReceiveTimeout <= 0 {
		c.Saga.ReceiveTimeout = 3 * time.Second
	}
	if c.Result.TTL <= 0 {
		c.Result.TTL = time.Hour
	}
}
