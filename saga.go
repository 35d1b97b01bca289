package sagabus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Step 一个 Saga 步骤：正向动作与对应的补偿动作。
// Compensate 可为 nil（无需补偿的步骤，如纯校验）。
type Step struct {
	Name       string
	Forward    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// StepError 某个正向步骤失败（显式失败或超时），已触发补偿。
type StepError struct {
	Saga string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("sagabus: saga %s step %s failed: %v", e.Saga, e.Step, e.Err)
}
func (e *StepError) Unwrap() error { return e.Err }

// CompensationError 补偿动作自身失败：系统残留不一致状态，需人工介入。
type CompensationError struct {
	StepErr *StepError
	// Residual 补偿失败的步骤名，正向效果仍残留。
	Residual []string
	Errs     []error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("sagabus: compensation failed for steps [%s] after %v", strings.Join(e.Residual, ", "), e.StepErr)
}
func (e *CompensationError) Unwrap() error { return e.StepErr }

// Saga 补偿事务执行器：按序执行正向步骤，任一步失败时
// 对"已确认提交"的步骤按严格逆序补偿。未确认成功的步骤绝不补偿。
type Saga struct {
	name   string
	steps  []Step
	logger Logger
}

// NewSaga 创建执行器；logger 为 nil 时使用标准库默认实现。
func NewSaga(name string, logger Logger) *Saga {
	if logger == nil {
		logger = defaultLogger{}
	}
	return &Saga{name: name, logger: logger}
}

// AddStep 追加步骤，返回自身便于链式登记。
func (s *Saga) AddStep(st Step) *Saga {
	s.steps = append(s.steps, st)
	return s
}

// Run 执行全部步骤。失败时返回 *StepError；若补偿也失败则返回
// *CompensationError（包含残留步骤清单）。
func (s *Saga) Run(ctx context.Context) error {
	for i, st := range s.steps {
		err := st.Forward(ctx)
		if err == nil {
			continue
		}
		stepErr := &StepError{Saga: s.name, Step: st.Name, Err: err}
		s.logger.Error(ctx, "saga step failed, compensating", "saga", s.name, "step", st.Name, "error", err)
		return s.compensate(ctx, i, stepErr)
	}
	return nil
}

// compensate 逆序补偿下标 failedIdx 之前已提交的步骤。
func (s *Saga) compensate(ctx context.Context, failedIdx int, stepErr *StepError) error {
	var residual []string
	var errs []error
	for i := failedIdx - 1; i >= 0; i-- {
		st := s.steps[i]
		if st.Compensate == nil {
			continue
		}
		if cerr := st.Compensate(ctx); cerr != nil {
			// 残留不一致，人工介入
			s.logger.Error(ctx, "saga compensation failed, manual intervention required",
				"saga", s.name, "step", st.Name, "error", cerr)
			residual = append(residual, st.Name)
			errs = append(errs, cerr)
			continue
		}
		s.logger.Info(ctx, "saga step compensated", "saga", s.name, "step", st.Name)
	}
	if len(residual) > 0 {
		return &CompensationError{StepErr: stepErr, Residual: residual, Errs: errs}
	}
	return stepErr
}

// Request 订阅先于发布的一问一答习惯用法：在独立总线实例上先订阅
// 完成通道，再发布触发事件，然后阻塞等待下游回应。订阅 happens-before
// 发布，下游的完成信号不可能被漏接。
func (h *EventHandler) Request(ctx context.Context, publishName string, payload any, replyName string, timeout time.Duration) (Payload, error) {
	bus := h.newBus()
	defer bus.Close()
	if err := bus.Subscribe(ctx, replyName); err != nil {
		return nil, err
	}
	defer func() { _ = bus.Unsubscribe(context.Background(), replyName) }()
	// 发布走同步路径：必须确保订阅生效后事件才可能触发下游
	if err := bus.Publish(ctx, publishName, payload); err != nil {
		return nil, err
	}
	return bus.Receive(ctx, replyName, timeout)
}
