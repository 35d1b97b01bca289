package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sagabus "github.com/northseadl/sagabus"
)

func main() {
	ctx := context.Background()

	cfg := sagabus.Config{Namespace: "example"}
	if addr := os.Getenv("SB_REDIS_ADDR"); addr != "" {
		cfg.Broker.Provider = sagabus.BrokerProviderRedis
		cfg.Broker.Redis.Addr = addr
		fmt.Println("[Bus] 使用 Redis Broker:", addr)
	} else {
		fmt.Println("[Bus] 未配置 Broker，使用 Memory（进程内路由）")
	}

	cli, err := sagabus.New(ctx, cfg)
	if err != nil { panic(err) }
	defer func() { _ = cli.Close(ctx) }()

	// 订阅先于发布：后订阅者会错过事件（总线不缓冲）
	bus := cli.NewBus()
	defer bus.Close()
	if err := bus.Subscribe(ctx, "user_created"); err != nil { panic(err) }
	fmt.Println("[Bus] is_subscribed(user_created) =", bus.IsSubscribed(ctx, "user_created"))

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = cli.Handler().Publish(ctx, "user_created", sagabus.Payload{"email": "a@example.com"})
	}()

	p, err := bus.Receive(ctx, "user_created", 2*time.Second)
	if err != nil { panic(err) }
	fmt.Printf("[Bus] 收到: %v\n", p)
	fmt.Println("[Bus] 结束")
}
