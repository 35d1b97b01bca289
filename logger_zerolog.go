package sagabus

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// zerologLogger 适配 rs/zerolog 以满足 Logger 接口。
type zerologLogger struct{ l zerolog.Logger }

// NewZerologLogger 创建 zerolog 实现；devMode 启用人类可读的控制台输出，
// 否则输出 JSON。
func NewZerologLogger(devMode bool) Logger {
	var l zerolog.Logger
	if devMode {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		l = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerologLogger{l: l}
}

// WrapZerolog 复用应用已有的 zerolog.Logger。
func WrapZerolog(l zerolog.Logger) Logger { return zerologLogger{l: l} }

func (z zerologLogger) Info(ctx context.Context, msg string, kv ...interface{}) {
	z.emit(z.l.Info(), msg, kv...)
}
func (z zerologLogger) Warn(ctx context.Context, msg string, kv ...interface{}) {
	z.emit(z.l.Warn(), msg, kv...)
}
func (z zerologLogger) Error(ctx context.Context, msg string, kv ...interface{}) {
	z.emit(z.l.Error(), msg, kv...)
}

func (z zerologLogger) emit(e *zerolog.Event, msg string, kv ...interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(k, kv[i+1])
	}
	e.Msg(msg)
}
