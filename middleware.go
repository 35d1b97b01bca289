package sagabus

import (
	"context"
	"encoding/json"
)

// TaskHandler 执行一次任务调用（入参与结果均为 JSON）。
type TaskHandler func(ctx context.Context, taskName string, invocationID string, args json.RawMessage) (json.RawMessage, error)

// TaskMiddleware 用于 Worker 执行链。
type TaskMiddleware func(next TaskHandler) TaskHandler

// EventMiddleware 用于事件处理链。
type EventMiddleware func(next HandlerFunc) HandlerFunc
