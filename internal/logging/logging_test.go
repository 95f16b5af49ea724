package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJSONLoggerCarriesComponentAndRunID(t *testing.T) {
	var buf bytes.Buffer
	log := ForComponent(New(Config{Level: "debug", Format: "json", Output: &buf}), "beam", String("beam", "1/1"))

	ctx := ContextWithRunID(context.Background(), "run-42")
	log.Debug(ctx, "pass done",
		Uint32("superframe", 7),
		SimTime(time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC)),
		Err(errors.New("boom")),
	)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	want := map[string]any{
		"msg":        "pass done",
		"component":  "beam",
		"beam":       "1/1",
		"run_id":     "run-42",
		"superframe": float64(7),
		"sim_time":   "2026-03-01T00:00:01Z",
		"error":      "boom",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestEnsureRunIDKeepsExisting(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if id == "" || RunIDFromContext(ctx) != id {
		t.Fatalf("run id %q not stored", id)
	}
	again, same := EnsureRunID(ctx)
	if same != id || RunIDFromContext(again) != id {
		t.Fatalf("run id changed from %q to %q", id, same)
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(noopLogger); !ok {
		t.Fatalf("OrNoop(nil) is not the no-op logger")
	}
	ForComponent(nil, "x").Error(context.Background(), "dropped", Err(nil))
}
