package sagabus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitAdapter 基于 RabbitMQ 实现 Broker（发布订阅）与 TaskTransport（优先级队列）。
// 事件走 topic exchange + 每订阅者独享的排他队列（瞬态广播，不为后来者缓冲）；
// 任务走持久队列，声明 x-max-priority 以与部署侧的优先级策略对齐。
// 订阅标记与任务结果仍由 Redis 承担（markers），对应 broker/result-backend 分离。

type rabbitAdapter struct {
	cfg     RabbitMQConfig
	queues  []QueueConfig
	ns      string
	mode    DelayMode
	logger  Logger
	markers *redisAdapter

	conn   *amqp.Connection
	connMu sync.Mutex

	consumeMu sync.Mutex
	consumers map[string]*rabbitQueueConsumer
}

func newRabbitAdapter(cfg RabbitMQConfig, queues []QueueConfig, ns string, markers *redisAdapter, logger Logger) (*rabbitAdapter, error) {
	if cfg.URI == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("%w: rabbitmq config invalid", ErrBrokerUnavailable)
	}
	mode := cfg.DelayMode
	if mode == "" {
		mode = DelayModeStandard
	}
	if mode == DelayModeStandard && cfg.DelayedExchange == "" {
		return nil, fmt.Errorf("%w: delayed exchange required in standard mode", ErrBrokerUnavailable)
	}
	ad := &rabbitAdapter{cfg: cfg, queues: queues, ns: ns, mode: mode, markers: markers, logger: logger, consumers: map[string]*rabbitQueueConsumer{}}
	if err := ad.ensureConnection(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if err := ad.declareTopology(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return ad, nil
}

func (r *rabbitAdapter) ensureConnection() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return nil
	}
	// amqp.Dial 自动支持 amqp:// 和 amqps://
	conn, err := amqp.Dial(r.cfg.URI)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

func (r *rabbitAdapter) queueName(q string) string { return r.ns + "." + q }

func (r *rabbitAdapter) declareTopology() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	// 事件交换机
	r.logger.Info(context.Background(), "declare exchange", "exchange", r.cfg.Exchange)
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	// 延时交换机仅在 standard 模式下声明
	if r.mode == DelayModeStandard {
		args := amqp.Table{"x-delayed-type": "topic"}
		r.logger.Info(context.Background(), "declare delayed exchange", "exchange", r.cfg.DelayedExchange)
		if err := ch.ExchangeDeclare(r.cfg.DelayedExchange, "x-delayed-message", true, false, false, false, args); err != nil {
			return err
		}
	}
	// 任务队列：持久，带 x-max-priority
	for _, q := range r.queues {
		name := r.queueName(q.Name)
		args := amqp.Table{"x-max-priority": int32(q.Priority)}
		r.logger.Info(context.Background(), "declare queue", "queue", name, "priority", q.Priority)
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return err
		}
		if r.mode == DelayModeStandard {
			if err := ch.QueueBind(name, name, r.cfg.DelayedExchange, false, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---- Broker ----

func (r *rabbitAdapter) Publish(ctx context.Context, channel string, body []byte) error {
	if err := r.ensureConnection(); err != nil {
		return fmt.Errorf("rabbitmq connection failed: %w", err)
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}
	defer ch.Close()
	err = ch.PublishWithContext(ctx, r.cfg.Exchange, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed (channel=%s): %w", channel, err)
	}
	return nil
}

func (r *rabbitAdapter) NewSubscription() Subscription {
	return &rabbitSubscription{ad: r}
}

func (r *rabbitAdapter) SetMarker(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.markers.SetMarker(ctx, key, value, ttl)
}
func (r *rabbitAdapter) GetMarker(ctx context.Context, key string) (string, bool, error) {
	return r.markers.GetMarker(ctx, key)
}
func (r *rabbitAdapter) DelMarker(ctx context.Context, key string) error {
	return r.markers.DelMarker(ctx, key)
}

// ---- TaskTransport ----

func (r *rabbitAdapter) Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if err := r.ensureConnection(); err != nil {
		return err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	name := r.queueName(queue)
	pub := amqp.Publishing{ContentType: "application/json", Timestamp: time.Now(), Body: body, DeliveryMode: amqp.Persistent}
	if delay <= 0 {
		return ch.PublishWithContext(ctx, "", name, false, false, pub)
	}
	ms := int64(delay / time.Millisecond)
	if r.mode == DelayModeAliyun {
		// 直接发布到默认交换机，使用 delay 头
		pub.Headers = amqp.Table{"delay": fmt.Sprintf("%d", ms)}
		return ch.PublishWithContext(ctx, "", name, false, false, pub)
	}
	// standard: 发布到延时交换机，使用 x-delay
	pub.Headers = amqp.Table{"x-delay": ms}
	return ch.PublishWithContext(ctx, r.cfg.DelayedExchange, name, false, false, pub)
}

func (r *rabbitAdapter) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	c, err := r.queueConsumer(queue)
	if err != nil {
		return nil, err
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		_ = d.Ack(false)
		return d.Body, nil
	case <-timer:
		return nil, ErrNoEvent
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type rabbitQueueConsumer struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (r *rabbitAdapter) queueConsumer(queue string) (*rabbitQueueConsumer, error) {
	r.consumeMu.Lock()
	defer r.consumeMu.Unlock()
	if c, ok := r.consumers[queue]; ok {
		return c, nil
	}
	if err := r.ensureConnection(); err != nil {
		return nil, err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	prefetch := r.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	_ = ch.Qos(prefetch, 0, false)
	msgs, err := ch.Consume(r.queueName(queue), "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	c := &rabbitQueueConsumer{ch: ch, deliveries: msgs}
	r.consumers[queue] = c
	return c, nil
}

func (r *rabbitAdapter) Close(ctx context.Context) error {
	r.consumeMu.Lock()
	for _, c := range r.consumers {
		_ = c.ch.Close()
	}
	r.consumers = map[string]*rabbitQueueConsumer{}
	r.consumeMu.Unlock()
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// rabbitSubscription 每订阅者独享排他队列；Subscribe 按通道名绑定。
type rabbitSubscription struct {
	ad *rabbitAdapter

	mu         sync.Mutex
	ch         *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

func (s *rabbitSubscription) ensure() error {
	if s.ch != nil {
		return nil
	}
	if err := s.ad.ensureConnection(); err != nil {
		return err
	}
	ch, err := s.ad.conn.Channel()
	if err != nil {
		return err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	s.ch = ch
	s.queue = q.Name
	s.deliveries = msgs
	return nil
}

func (s *rabbitSubscription) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(); err != nil {
		return err
	}
	for _, c := range channels {
		if err := s.ch.QueueBind(s.queue, c, s.ad.cfg.Exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *rabbitSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil
	}
	for _, c := range channels {
		if err := s.ch.QueueUnbind(s.queue, c, s.ad.cfg.Exchange, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *rabbitSubscription) Next(ctx context.Context, timeout time.Duration) (string, []byte, error) {
	s.mu.Lock()
	deliveries := s.deliveries
	s.mu.Unlock()
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	if deliveries == nil {
		// 尚未订阅任何通道：只剩等待超时
		select {
		case <-timer:
			return "", nil, ErrNoEvent
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	select {
	case d, ok := <-deliveries:
		if !ok {
			return "", nil, ErrClosed
		}
		return d.RoutingKey, d.Body, nil
	case <-timer:
		return "", nil, ErrNoEvent
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (s *rabbitSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
