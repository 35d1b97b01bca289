package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	sagabus "github.com/northseadl/sagabus"
)

// 跨实体创建 Saga 示例："创建用户 → 等待用户档案创建完成"，
// 失败或超时则逆序补偿（删档案、删用户）。
// 用户创建走任务队列的同步取结果；档案创建由订阅 user_created 的
// 独立 Worker 完成并回发 profile_created。

type user struct {
	ID    string
	Email string
}

type userRepo struct {
	mu    sync.Mutex
	users map[string]user
}

func newUserRepo() *userRepo { return &userRepo{users: map[string]user{}} }

func (r *userRepo) Create(u user) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	return u.ID
}

func (r *userRepo) GetByEmail(email string) (user, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return u, true
		}
	}
	return user{}, false
}

func (r *userRepo) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[id]
	delete(r.users, id)
	return ok
}

type profile struct {
	UserID string
	Bio    string
}

type profileRepo struct {
	mu       sync.Mutex
	profiles map[string]profile
}

func newProfileRepo() *profileRepo { return &profileRepo{profiles: map[string]profile{}} }

func (r *profileRepo) Create(p profile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.UserID] = p
	return true
}

func (r *profileRepo) Delete(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.profiles[userID]
	delete(r.profiles, userID)
	return ok
}

func main() {
	ctx := context.Background()

	cfg := sagabus.Config{Namespace: "example"}
	if addr := os.Getenv("SB_REDIS_ADDR"); addr != "" {
		cfg.Broker.Provider = sagabus.BrokerProviderRedis
		cfg.Broker.Redis.Addr = addr
		fmt.Println("[Saga] 使用 Redis Broker:", addr)
	} else {
		fmt.Println("[Saga] 未配置 Broker，使用 Memory（进程内路由）")
	}

	cli, err := sagabus.New(ctx, cfg, sagabus.WithLogger(sagabus.NewZerologLogger(true)))
	if err != nil { panic(err) }
	defer func() { _ = cli.Close(ctx) }()

	users := newUserRepo()
	profiles := newProfileRepo()

	// 任务：创建用户（Worker 侧执行）
	createUser, err := cli.Tasks().AddTask("users.create", func(ctx context.Context, args sagabus.Payload) (any, error) {
		email, _ := args["email"].(string)
		id := users.Create(user{ID: uuid.NewString(), Email: email})
		fmt.Println("[Saga] 用户已创建:", id)
		return sagabus.Payload{"user_id": id}, nil
	})
	if err != nil { panic(err) }

	stopWorkers, err := cli.Tasks().StartWorkers(ctx)
	if err != nil { panic(err) }
	defer func() { _ = stopWorkers(ctx) }()

	// 档案 Worker：订阅 user_created，创建档案后回发 profile_created
	h := cli.Handler()
	h.Bind(sagabus.Binding{Channel: "user_created", Handler: func(ctx context.Context, e sagabus.Event) error {
		userID, _ := e.Payload["user_id"].(string)
		create, _ := e.Payload["profile_create"].(map[string]any)
		bio, _ := create["bio"].(string)
		created := profiles.Create(profile{UserID: userID, Bio: bio})
		fmt.Println("[Saga] 档案已创建:", userID)
		return h.Publish(ctx, "profile_created", sagabus.Payload{"user_id": userID, "is_created": created})
	}})
	stopHandlers, err := h.StartHandlers(ctx)
	if err != nil { panic(err) }
	defer func() { _ = stopHandlers(ctx) }()
	time.Sleep(100 * time.Millisecond) // 等监听者挂上订阅

	if err := registerUser(ctx, cli, createUser, users, profiles, "a@example.com"); err != nil {
		fmt.Println("[Saga] 注册失败:", err)
		return
	}
	fmt.Println("[Saga] 注册完成")
}

// registerUser 编排注册工作流。
func registerUser(ctx context.Context, cli sagabus.Client, createUser *sagabus.Task, users *userRepo, profiles *profileRepo, email string) error {
	var userID string

	saga := cli.Saga("register_user").
		AddStep(sagabus.Step{
			Name: "check_uniqueness",
			Forward: func(ctx context.Context) error {
				if _, exists := users.GetByEmail(email); exists {
					return fmt.Errorf("email already exists: %s", email)
				}
				return nil
			},
		}).
		AddStep(sagabus.Step{
			Name: "create_user",
			Forward: func(ctx context.Context) error {
				raw, err := createUser.GetResult(ctx, sagabus.Payload{"email": email})
				if err != nil {
					return err
				}
				var res struct {
					UserID string `json:"user_id"`
				}
				if err := json.Unmarshal(raw, &res); err != nil {
					return err
				}
				userID = res.UserID
				return nil
			},
			Compensate: func(ctx context.Context) error {
				if !users.Delete(userID) {
					return fmt.Errorf("user %s not found during compensation", userID)
				}
				fmt.Println("[Saga] 补偿: 用户已删除", userID)
				return nil
			},
		}).
		AddStep(sagabus.Step{
			Name: "create_profile",
			Forward: func(ctx context.Context) error {
				p, err := cli.Handler().Request(ctx, "user_created",
					sagabus.Payload{"user_id": userID, "profile_create": sagabus.Payload{"bio": "new user"}},
					"profile_created", 3*time.Second)
				if err != nil {
					// 超时：档案可能已部分创建，先行清理
					profiles.Delete(userID)
					return err
				}
				if ok, _ := p["is_created"].(bool); !ok {
					profiles.Delete(userID)
					return fmt.Errorf("profile creation reported failure for user %s", userID)
				}
				return nil
			},
		})

	return saga.Run(ctx)
}
