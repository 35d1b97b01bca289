package sagabus

import (
	"errors"
	"fmt"
	"time"
)

// Payload 事件载荷，要求可被 JSON 序列化。
type Payload map[string]any

// Event 领域事件。事件不落盘，仅在 Broker 的在途缓冲中存在；
// 除 Name 与同通道投递顺序外没有独立身份。
type Event struct {
	Name        string
	Payload     Payload
	PublishedAt time.Time
}

// 错误分类。Decode 失败不在其中：按约定只记录日志并视为"未收到事件"。
var (
	// ErrInvalidArgument 事件名/任务名非法，在触达 Broker 之前同步拒绝。
	ErrInvalidArgument = errors.New("sagabus: invalid argument")
	// ErrBrokerUnavailable 连接或注册失败，进程不应继续服务对应通道/队列。
	ErrBrokerUnavailable = errors.New("sagabus: broker unavailable")
	// ErrNoEvent 阻塞接收在超时前没有等到匹配消息。
	ErrNoEvent = errors.New("sagabus: no event")
	// ErrResultTimeout 同步取结果超时。
	ErrResultTimeout = errors.New("sagabus: result timeout")
	// ErrTaskNotRegistered 任务名未注册。
	ErrTaskNotRegistered = errors.New("sagabus: task not registered")
	// ErrClosed 组件已关闭。
	ErrClosed = errors.New("sagabus: closed")
)

// validateEventName 校验单个事件名。
func validateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: event name empty", ErrInvalidArgument)
	}
	return nil
}

// validateEventNames 校验事件名列表；任一元素非法则整体拒绝，不做部分订阅。
func validateEventNames(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: event name list empty", ErrInvalidArgument)
	}
	for _, n := range names {
		if err := validateEventName(n); err != nil {
			return err
		}
	}
	return nil
}
