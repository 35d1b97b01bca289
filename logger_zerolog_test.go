package sagabus

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestZerologLogger_Emit(t *testing.T) {
	var buf bytes.Buffer
	l := WrapZerolog(zerolog.New(&buf))
	ctx := context.Background()

	l.Info(ctx, "publish event", "event", "user_created", "attempt", 2)
	l.Error(ctx, "handler failed", "channel", "user_created")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %d, want 2", len(lines))
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil { t.Fatalf("unmarshal: %v", err) }
	if rec["level"] != "info" || rec["message"] != "publish event" {
		t.Fatalf("record: %v", rec)
	}
	// kv 成对展开为结构化字段
	if rec["event"] != "user_created" || rec["attempt"] != float64(2) {
		t.Fatalf("fields: %v", rec)
	}

	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil { t.Fatalf("unmarshal: %v", err) }
	if rec["level"] != "error" || rec["channel"] != "user_created" {
		t.Fatalf("record: %v", rec)
	}
}

func TestZerologLogger_OddKVDropped(t *testing.T) {
	var buf bytes.Buffer
	l := WrapZerolog(zerolog.New(&buf))

	// 悬空的尾键与非字符串键丢弃，不得破坏整条日志
	l.Info(context.Background(), "partial", "ok", true, 42, "v", "dangling")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil { t.Fatalf("unmarshal: %v", err) }
	if rec["message"] != "partial" || rec["ok"] != true {
		t.Fatalf("record: %v", rec)
	}
	if _, exists := rec["dangling"]; exists {
		t.Fatalf("dangling key emitted: %v", rec)
	}
}
