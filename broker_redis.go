package sagabus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAdapter 基于 Redis 实现 Broker、TaskTransport 与 ResultStore：
// 事件走原生 pub/sub，任务队列走 List（BRPOP），延时消息通过 ZSET 调度器转存，
// 结果通过 List（BLPOP）阻塞等待，订阅标记为普通键。

type redisAdapter struct {
	rdb    *redis.Client
	ns     string
	logger Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type redisDelayItem struct {
	Queue   string `json:"queue"`
	BodyB64 string `json:"body_b64"`
}

func newRedisAdapter(cfg RedisConfig, ns string, logger Logger) (*redisAdapter, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr empty", ErrBrokerUnavailable)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	ad := &redisAdapter{rdb: rdb, ns: ns, logger: logger, stopCh: make(chan struct{})}
	ad.startDelayScheduler()
	return ad, nil
}

func (r *redisAdapter) delayZKey() string { return r.ns + ":delay" }
func (r *redisAdapter) queueKey(q string) string {
	return r.ns + ":queue:" + q
}
func (r *redisAdapter) resultKey(id string) string {
	return r.ns + ":result:" + id
}

// ---- Broker ----

func (r *redisAdapter) Publish(ctx context.Context, channel string, body []byte) error {
	return r.rdb.Publish(ctx, channel, body).Err()
}

func (r *redisAdapter) NewSubscription() Subscription {
	return &redisSubscription{ps: r.rdb.Subscribe(context.Background())}
}

func (r *redisAdapter) SetMarker(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisAdapter) GetMarker(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisAdapter) DelMarker(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// ---- TaskTransport ----

func (r *redisAdapter) Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if delay > 0 {
		di := redisDelayItem{Queue: queue, BodyB64: base64.StdEncoding.EncodeToString(body)}
		b, _ := json.Marshal(di)
		score := float64(time.Now().Add(delay).UnixMilli())
		return r.rdb.ZAdd(ctx, r.delayZKey(), redis.Z{Score: score, Member: string(b)}).Err()
	}
	return r.rdb.LPush(ctx, r.queueKey(queue), body).Err()
}

func (r *redisAdapter) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if timeout < 0 {
		timeout = 0 // BRPOP 0 表示无限阻塞，仅受 ctx 约束
	}
	res, err := r.rdb.BRPop(ctx, timeout, r.queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEvent
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	// BRPOP 返回 [key, value]
	return []byte(res[1]), nil
}

// startDelayScheduler 周期性将到期的延时任务转存到目标队列。
func (r *redisAdapter) startDelayScheduler() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		for {
			select {
			case <-r.stopCh:
				return
			case <-time.After(200 * time.Millisecond):
				now := float64(time.Now().UnixMilli())
				items, err := r.rdb.ZRangeByScore(ctx, r.delayZKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now), Offset: 0, Count: 100}).Result()
				if err != nil {
					continue
				}
				for _, s := range items {
					var di redisDelayItem
					if json.Unmarshal([]byte(s), &di) == nil {
						body, _ := base64.StdEncoding.DecodeString(di.BodyB64)
						_ = r.rdb.LPush(ctx, r.queueKey(di.Queue), body).Err()
					}
					_, _ = r.rdb.ZRem(ctx, r.delayZKey(), s).Result()
				}
			}
		}
	}()
}

// ---- ResultStore ----

func (r *redisAdapter) Push(ctx context.Context, id string, body []byte, ttl time.Duration) error {
	key := r.resultKey(id)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, body)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisAdapter) Wait(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	if timeout < 0 {
		timeout = 0
	}
	res, err := r.rdb.BLPop(ctx, timeout, r.resultKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResultTimeout
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return []byte(res[1]), nil
}

func (r *redisAdapter) Close(ctx context.Context) error {
	close(r.stopCh)
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return r.rdb.Close()
}

// redisSubscription 包装 go-redis PubSub 为 Subscription。
type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *redisSubscription) Next(ctx context.Context, timeout time.Duration) (string, []byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var (
			raw interface{}
			err error
		)
		if timeout > 0 {
			remain := time.Until(deadline)
			if remain <= 0 {
				return "", nil, ErrNoEvent
			}
			raw, err = s.ps.ReceiveTimeout(ctx, remain)
		} else {
			raw, err = s.ps.Receive(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", nil, ErrNoEvent
			}
			return "", nil, err
		}
		switch m := raw.(type) {
		case *redis.Message:
			return m.Channel, []byte(m.Payload), nil
		default:
			// 订阅确认等控制帧，继续等待
		}
	}
}

func (s *redisSubscription) Close() error { return s.ps.Close() }
