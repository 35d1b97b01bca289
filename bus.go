package sagabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// EventBus 事件总线：发布、订阅、带超时的阻塞接收与持久订阅标记。
//
// 一个实例独占一个订阅套接字，Receive 会排空套接字上的全部消息，
// 因此应"一个逻辑监听者一个实例"；发布与接收并发安全性由适配器保证。
type EventBus struct {
	broker Broker
	sub    Subscription
	ns     string
	logger Logger
}

func newEventBus(broker Broker, ns string, logger Logger) *EventBus {
	return &EventBus{broker: broker, sub: broker.NewSubscription(), ns: ns, logger: logger}
}

func (b *EventBus) markerKey(name string) string {
	if b.ns == "" {
		return name + "_subscribed"
	}
	return b.ns + ":" + name + "_subscribed"
}

// Publish 序列化并广播事件；不确认投递，立即返回。
// payload 接受 Payload/map 或已序列化的 []byte / json.RawMessage / string。
func (b *EventBus) Publish(ctx context.Context, name string, payload any) error {
	if err := validateEventName(name); err != nil {
		return err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if err := b.broker.Publish(ctx, name, body); err != nil {
		return err
	}
	b.logger.Info(ctx, "publish event", "event", name, "data", string(body))
	return nil
}

// Subscribe 订阅一个或多个事件名；任一名字非法则整体拒绝。
// 订阅成功后写入持久订阅标记（不过期），供发布方 IsSubscribed 查询。
// 标记写入失败时回滚整个订阅，不留下"套接字已挂上但标记残缺"的中间态。
func (b *EventBus) Subscribe(ctx context.Context, names ...string) error {
	if err := validateEventNames(names); err != nil {
		return err
	}
	if err := b.sub.Subscribe(ctx, names...); err != nil {
		return err
	}
	for i, n := range names {
		if err := b.broker.SetMarker(ctx, b.markerKey(n), "true", 0); err != nil {
			_ = b.sub.Unsubscribe(ctx, names...)
			for _, done := range names[:i] {
				_ = b.broker.DelMarker(ctx, b.markerKey(done))
			}
			return err
		}
	}
	b.logger.Info(ctx, "subscribe events", "events", names)
	return nil
}

// Unsubscribe 退订并删除持久订阅标记。保留标记会让 IsSubscribed
// 产生陈旧的误报，违背标记存在的唯一目的。
func (b *EventBus) Unsubscribe(ctx context.Context, names ...string) error {
	if err := validateEventNames(names); err != nil {
		return err
	}
	if err := b.sub.Unsubscribe(ctx, names...); err != nil {
		return err
	}
	for _, n := range names {
		if err := b.broker.DelMarker(ctx, b.markerKey(n)); err != nil {
			return err
		}
	}
	b.logger.Info(ctx, "unsubscribe events", "events", names)
	return nil
}

// Receive 阻塞等待 name 通道上的下一条事件；timeout<=0 时仅受 ctx 约束。
// 其他通道的串扰消息被丢弃；载荷解码失败记录日志后继续等待，不向调用方传播。
// 超时返回 (nil, ErrNoEvent)。
func (b *EventBus) Receive(ctx context.Context, name string, timeout time.Duration) (Payload, error) {
	if err := validateEventName(name); err != nil {
		return nil, err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	b.logger.Info(ctx, "waiting for event", "event", name)
	for {
		remain := time.Duration(0)
		if timeout > 0 {
			remain = time.Until(deadline)
			if remain <= 0 {
				return nil, ErrNoEvent
			}
		}
		channel, body, err := b.sub.Next(ctx, remain)
		if err != nil {
			if errors.Is(err, ErrNoEvent) {
				return nil, ErrNoEvent
			}
			return nil, err
		}
		if channel != name {
			continue
		}
		var p Payload
		if err := json.Unmarshal(body, &p); err != nil {
			b.logger.Warn(ctx, "failed to decode event payload", "event", name, "error", err)
			continue
		}
		b.logger.Info(ctx, "receive event", "event", name, "data", string(body))
		return p, nil
	}
}

// IsSubscribed 读取持久订阅标记；缺失或不可解析时返回 false。
func (b *EventBus) IsSubscribed(ctx context.Context, name string) bool {
	v, ok, err := b.broker.GetMarker(ctx, b.markerKey(name))
	if err != nil || !ok {
		return false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return parsed
}

// Close 释放订阅套接字。
func (b *EventBus) Close() error { return b.sub.Close() }

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: payload not serializable: %v", ErrInvalidArgument, err)
		}
		return b, nil
	}
}
