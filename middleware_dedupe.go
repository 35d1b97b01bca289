package sagabus

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// KV 是去重中间件依赖的最小键值接口，便于单元测试注入 mock。
type KV interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// NewEventDedupeMiddleware 生成事件去重中间件。
// Broker 是 at-least-once 的：以 sha1(事件名+载荷) 为幂等键，
// 重复投递直接跳过。最终存储 key 为 Prefix + ":" + sha1(keyRaw)。
func NewEventDedupeMiddleware(cfg DedupeConfig) EventMiddleware {
	if cfg.KV == nil {
		panic("DedupeMiddleware requires KV")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sb:dedupe"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, e Event) error {
			body, _ := json.Marshal(e.Payload)
			ok, err := cfg.KV.SetNX(ctx, dedupeKey(prefix, e.Name+":"+string(body)), "1", ttl)
			if err != nil {
				return err
			}
			if !ok {
				return nil // 已处理，直接跳过
			}
			return next(ctx, e)
		}
	}
}

// NewTaskDedupeMiddleware 生成任务去重中间件，以调用 ID 为幂等键，
// 兜底传输层的重复投递。
func NewTaskDedupeMiddleware(cfg DedupeConfig) TaskMiddleware {
	if cfg.KV == nil {
		panic("DedupeMiddleware requires KV")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sb:dedupe"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(next TaskHandler) TaskHandler {
		return func(ctx context.Context, taskName string, id string, args json.RawMessage) (json.RawMessage, error) {
			if id == "" {
				return next(ctx, taskName, id, args)
			}
			ok, err := cfg.KV.SetNX(ctx, dedupeKey(prefix, "task:"+id), "1", ttl)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return next(ctx, taskName, id, args)
		}
	}
}

func dedupeKey(prefix, raw string) string {
	h := sha1.Sum([]byte(raw))
	return fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(h[:]))
}
