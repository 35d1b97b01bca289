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
		fmt.Println("[Beat] 使用 Redis Broker:", addr)
	} else {
		fmt.Println("[Beat] 未配置 Broker，使用 Memory（进程内路由）")
	}

	cli, err := sagabus.New(ctx, cfg)
	if err != nil { panic(err) }
	defer func() { _ = cli.Close(ctx) }()

	tasks := cli.Tasks()
	cleanup, err := tasks.AddTask("example.cleanup", func(ctx context.Context, args sagabus.Payload) (any, error) {
		fmt.Println("[Beat] cleanup 执行", args)
		return nil, nil
	})
	if err != nil { panic(err) }

	// 重复登记同名周期任务：覆盖而非叠加
	_ = tasks.AddPeriodicTask("cleanup", sagabus.Every(30*time.Second), cleanup, nil, "")
	_ = tasks.AddPeriodicTask("cleanup", sagabus.Every(1*time.Second), cleanup, sagabus.Payload{"scope": "sessions"}, "")
	fmt.Println("[Beat] 调度表条目数:", cli.Beat().Table().Len())

	stop, err := tasks.StartWorkers(ctx)
	if err != nil { panic(err) }
	defer func() { _ = stop(ctx) }()

	if err := cli.Start(ctx); err != nil { panic(err) }
	fmt.Println("[Beat] 已启动，本示例将运行约 3.5s...")
	time.Sleep(3500 * time.Millisecond)
	fmt.Println("[Beat] 结束")
}
