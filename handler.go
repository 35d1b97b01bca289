package sagabus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc 处理一条已解码的事件。
type HandlerFunc func(ctx context.Context, e Event) error

// Binding 声明式绑定：通道名 → 处理函数。绑定表在进程引导期构建，
// 取代按命名约定反射发现处理方法。
type Binding struct {
	Channel string
	Handler HandlerFunc
}

// EventHandler 事件总线之上的运行层：异步发布、带订阅检查的接收、
// 以及由绑定表驱动的后台监听 goroutine 引导。
type EventHandler struct {
	newBus func() *EventBus
	bus    *EventBus
	logger Logger
	mws    []EventMiddleware

	mu       sync.Mutex
	bindings []Binding
	attaches []string

	// pubMu 保证 closed 检查与入队动作相对 Close 的原子性：
	// 否则在检查与发送之间关闭 pubCh 会让发送方 panic。
	pubMu  sync.RWMutex
	pubCh  chan pubRequest
	pubWG  sync.WaitGroup
	closed chan struct{}
}

type pubRequest struct {
	name    string
	payload any
}

func newEventHandler(newBus func() *EventBus, buffer int, logger Logger, mws ...EventMiddleware) *EventHandler {
	h := &EventHandler{
		newBus: newBus,
		bus:    newBus(),
		logger: logger,
		mws:    mws,
		pubCh:  make(chan pubRequest, buffer),
		closed: make(chan struct{}),
	}
	h.startPublishWorker()
	return h
}

// Bind 注册一条通道绑定；在 StartHandlers 之前调用。
func (h *EventHandler) Bind(b Binding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bindings = append(h.bindings, b)
}

// AddSubscription 注册仅需挂上订阅、无接收循环的通道；
// 由 StartSubscribers 统一生效。
func (h *EventHandler) AddSubscription(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attaches = append(h.attaches, names...)
}

// Publish 异步发布：请求线程只做入队，实际发布由专职 goroutine 完成，
// 慢 Broker 不阻塞调用方。队列满时退化为阻塞入队。
func (h *EventHandler) Publish(ctx context.Context, name string, payload any) error {
	if err := validateEventName(name); err != nil {
		return err
	}
	h.pubMu.RLock()
	defer h.pubMu.RUnlock()
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	select {
	case h.pubCh <- pubRequest{name: name, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *EventHandler) startPublishWorker() {
	h.pubWG.Add(1)
	go func() {
		defer h.pubWG.Done()
		ctx := context.Background()
		for req := range h.pubCh {
			if err := h.bus.Publish(ctx, req.name, req.payload); err != nil {
				h.logger.Error(ctx, "async publish failed", "event", req.name, "error", err)
			}
		}
	}()
}

// Subscribe 委托给总线。
func (h *EventHandler) Subscribe(ctx context.Context, names ...string) error {
	return h.bus.Subscribe(ctx, names...)
}

// Unsubscribe 委托给总线。
func (h *EventHandler) Unsubscribe(ctx context.Context, names ...string) error {
	return h.bus.Unsubscribe(ctx, names...)
}

// ReceiveOption 配置 Receive 行为。
type ReceiveOption func(*receiveOpts)

type receiveOpts struct {
	withSubscription bool
}

// WithSubscription 接收前先订阅（subscribe-then-block 习惯用法）。
func WithSubscription() ReceiveOption {
	return func(o *receiveOpts) { o.withSubscription = true }
}

// Receive 阻塞等待一条事件。未要求现场订阅且通道上没有任何监听者时，
// 直接短路返回 ErrNoEvent，避免在无人发布的通道上无限阻塞。
func (h *EventHandler) Receive(ctx context.Context, name string, timeout time.Duration, opts ...ReceiveOption) (Payload, error) {
	o := &receiveOpts{}
	for _, fn := range opts {
		fn(o)
	}
	if o.withSubscription {
		if err := h.bus.Subscribe(ctx, name); err != nil {
			return nil, err
		}
	} else if !h.bus.IsSubscribed(ctx, name) {
		return nil, ErrNoEvent
	}
	return h.bus.Receive(ctx, name, timeout)
}

// StartHandlers 为每条绑定启动一个长生命周期监听 goroutine：
// 订阅后循环 接收→处理。处理错误记录日志后继续；panic 对该监听者致命，
// 不自动重启（监控需能发现监听者的静默丢失）。
func (h *EventHandler) StartHandlers(ctx context.Context) (stop func(context.Context) error, err error) {
	h.mu.Lock()
	bindings := make([]Binding, len(h.bindings))
	copy(bindings, h.bindings)
	h.mu.Unlock()

	lctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, b := range bindings {
		final := b.Handler
		for i := len(h.mws) - 1; i >= 0; i-- {
			final = h.mws[i](final)
		}
		wg.Add(1)
		go h.runListener(lctx, &wg, b.Channel, final)
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

func (h *EventHandler) runListener(ctx context.Context, wg *sync.WaitGroup, channel string, handle HandlerFunc) {
	defer wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error(ctx, "listener crashed, not restarted", "channel", channel, "panic", fmt.Sprint(rec))
		}
	}()
	bus := h.newBus()
	defer bus.Close()
	if err := bus.Subscribe(ctx, channel); err != nil {
		h.logger.Error(ctx, "listener subscribe failed", "channel", channel, "error", err)
		return
	}
	for {
		p, err := bus.Receive(ctx, channel, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn(ctx, "listener receive failed", "channel", channel, "error", err)
			continue
		}
		e := Event{Name: channel, Payload: p, PublishedAt: time.Now()}
		if err := handle(ctx, e); err != nil {
			h.logger.Error(ctx, "handler failed", "channel", channel, "error", err)
		}
	}
}

// StartSubscribers 仅挂上订阅的对称引导，不启动接收循环。
func (h *EventHandler) StartSubscribers(ctx context.Context) error {
	h.mu.Lock()
	attaches := make([]string, len(h.attaches))
	copy(attaches, h.attaches)
	h.mu.Unlock()
	if len(attaches) == 0 {
		return nil
	}
	return h.bus.Subscribe(ctx, attaches...)
}

// Close 优雅关闭：排空异步发布队列后释放总线。
func (h *EventHandler) Close(ctx context.Context) error {
	h.pubMu.Lock()
	select {
	case <-h.closed:
		h.pubMu.Unlock()
		return nil
	default:
	}
	close(h.closed)
	close(h.pubCh)
	h.pubMu.Unlock()
	done := make(chan struct{})
	go func() { h.pubWG.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.bus.Close()
}
