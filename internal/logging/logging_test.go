package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"stackalign/internal/align"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("job", "j1")
	logger.Debug("hidden")
	logger.Info("hello", "n", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked: %q", out)
	}
	if !strings.Contains(out, "[INFO] hello [job=j1 n=3]") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogLayerResultLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "text")

	LogLayerResult(logger, "top", align.Result{Accepted: true, Score: 0.9, Evaluated: 4}, time.Millisecond, nil)
	LogLayerResult(logger, "dim", align.Result{Score: 0.1, Evaluated: 4}, time.Millisecond, nil)
	LogLayerResult(logger, "bad", align.Result{}, time.Millisecond, errors.New("boom"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "level=INFO") || !strings.Contains(lines[0], "outcome=accepted") {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "level=WARN") || !strings.Contains(lines[1], "outcome=below-threshold") {
		t.Fatalf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "error=boom") {
		t.Fatalf("line 2 = %q", lines[2])
	}
}
