package sagabus

import (
	"context"
	"sync"
	"time"
)

// memoryAdapter 进程内实现，供测试与示例使用。保持与真实 Broker 相同的
// 瞬态语义：发布时无订阅者则消息直接丢失。

type memoryAdapter struct {
	mu      sync.Mutex
	subs    map[*memorySubscription]struct{}
	markers map[string]memMarker
	queues  map[string]chan []byte
	results map[string]chan []byte
	timers  []*time.Timer
	closed  bool
}

type memMarker struct {
	value    string
	expireAt time.Time // 零值表示不过期
}

type memMsg struct {
	channel string
	body    []byte
}

func newMemoryAdapter() *memoryAdapter {
	return &memoryAdapter{
		subs:    map[*memorySubscription]struct{}{},
		markers: map[string]memMarker{},
		queues:  map[string]chan []byte{},
		results: map[string]chan []byte{},
	}
}

// ---- Broker ----

func (m *memoryAdapter) Publish(ctx context.Context, channel string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	b := make([]byte, len(body))
	copy(b, body)
	for s := range m.subs {
		s.deliver(channel, b)
	}
	return nil
}

func (m *memoryAdapter) NewSubscription() Subscription {
	s := &memorySubscription{ad: m, channels: map[string]struct{}{}, ch: make(chan memMsg, 256)}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s
}

func (m *memoryAdapter) SetMarker(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk := memMarker{value: value}
	if ttl > 0 {
		mk.expireAt = time.Now().Add(ttl)
	}
	m.markers[key] = mk
	return nil
}

func (m *memoryAdapter) GetMarker(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.markers[key]
	if !ok {
		return "", false, nil
	}
	if !mk.expireAt.IsZero() && time.Now().After(mk.expireAt) {
		delete(m.markers, key)
		return "", false, nil
	}
	return mk.value, true, nil
}

func (m *memoryAdapter) DelMarker(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, key)
	return nil
}

// ---- TaskTransport ----

func (m *memoryAdapter) queue(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan []byte, 1024)
		m.queues[name] = q
	}
	return q
}

func (m *memoryAdapter) Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	b := make([]byte, len(body))
	copy(b, body)
	if delay > 0 {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		t := time.AfterFunc(delay, func() {
			select {
			case m.queue(queue) <- b:
			default:
			}
		})
		m.timers = append(m.timers, t)
		m.mu.Unlock()
		return nil
	}
	select {
	case m.queue(queue) <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memoryAdapter) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case b := <-m.queue(queue):
		return b, nil
	case <-timer:
		return nil, ErrNoEvent
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- ResultStore ----

func (m *memoryAdapter) result(id string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		r = make(chan []byte, 1)
		m.results[id] = r
	}
	return r
}

func (m *memoryAdapter) Push(ctx context.Context, id string, body []byte, ttl time.Duration) error {
	b := make([]byte, len(body))
	copy(b, body)
	select {
	case m.result(id) <- b:
	default:
	}
	return nil
}

func (m *memoryAdapter) Wait(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case b := <-m.result(id):
		m.mu.Lock()
		delete(m.results, id)
		m.mu.Unlock()
		return b, nil
	case <-timer:
		return nil, ErrResultTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memoryAdapter) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	return nil
}

// memorySubscription 每个实例一个投递缓冲；仅投递已订阅的通道。
type memorySubscription struct {
	ad *memoryAdapter

	mu       sync.Mutex
	channels map[string]struct{}
	ch       chan memMsg
	closed   bool
}

func (s *memorySubscription) deliver(channel string, body []byte) {
	s.mu.Lock()
	_, ok := s.channels[channel]
	closed := s.closed
	s.mu.Unlock()
	if !ok || closed {
		return
	}
	select {
	case s.ch <- memMsg{channel: channel, body: body}:
	default:
		// 缓冲满则丢弃，与真实 Broker 的 best-effort 语义一致
	}
}

func (s *memorySubscription) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}
	return nil
}

func (s *memorySubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		delete(s.channels, c)
	}
	return nil
}

func (s *memorySubscription) Next(ctx context.Context, timeout time.Duration) (string, []byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case msg := <-s.ch:
		return msg.channel, msg.body, nil
	case <-timer:
		return "", nil, ErrNoEvent
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ad.mu.Lock()
	delete(s.ad.subs, s)
	s.ad.mu.Unlock()
	return nil
}
