package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Output: &buf}).WithComponent(ComponentStorage)
	logger.Info("opened", FieldCount, 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "component=storage") || !strings.Contains(out, "count=3") {
		t.Fatalf("unexpected output: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %s", out)
	}
}

func TestFieldsBuilder(t *testing.T) {
	f := NewFields().
		WithUser("u1").
		WithEpoch(4).
		WithExpense("e1", "c1", 4500).
		WithError(errors.New("boom"))
	if f[FieldUserID] != "u1" || f[FieldEpoch] != uint64(4) || f[FieldAmountCents] != int64(4500) {
		t.Fatalf("unexpected fields: %v", f)
	}
	if len(f.ToSlice()) != 2*len(f) {
		t.Fatalf("ToSlice should yield key/value pairs")
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf}).WithComponent(ComponentWorker)
	ctx := IntoContext(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Fatalf("FromContext returned a different logger")
	}
	if got := FromContext(context.Background()); got == nil || got.Component() != "unknown" {
		t.Fatalf("expected fallback logger, got %+v", got)
	}
}

func TestTraceID(t *testing.T) {
	id := NewTraceID()
	if !strings.HasPrefix(id, "tr_") || len(id) != len("tr_")+16 {
		t.Fatalf("unexpected trace id %q", id)
	}
	if NewTraceID() == id {
		t.Fatalf("trace ids should differ")
	}

	ctx := WithTraceID(context.Background(), id)
	if TraceID(ctx) != id {
		t.Fatalf("TraceID() = %q, want %q", TraceID(ctx), id)
	}
	if TraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
	if WithTraceID(ctx, "") != ctx {
		t.Fatalf("empty id should leave ctx unchanged")
	}
}
