// Package logging provides leveled logging and fold tracing for tdecode.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (progress and warnings)
//   - A FoldTrace for structured JSONL fold records (<dir>/folds.jsonl)
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LevelTrace is a custom slog level below Debug. At this level every scored
// fold is logged, and fold trace records keep their test indices.
const LevelTrace = slog.LevelDebug - 4

// TraceFile is the name of the fold trace inside its directory.
const TraceFile = "folds.jsonl"

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// FoldRecord is one evaluated fold as written to the trace.
type FoldRecord struct {
	Group     string  `json:"group"`
	Fold      int     `json:"fold"`
	TrainSize int     `json:"train_size"`
	TestSize  int     `json:"test_size"`
	Features  int     `json:"features"`
	Score     float64 `json:"score"`
	Test      []int   `json:"test,omitempty"`
}

// FoldTrace appends fold records to a JSONL file. The run loop is single
// threaded, so no locking is done. A nil FoldTrace is safe to use; all methods
// are no-ops on a nil receiver.
type FoldTrace struct {
	file  *os.File
	level slog.Level
}

// NewFoldTrace opens dir/folds.jsonl for append.
// At "info" level (the default) it returns nil and no file is created.
// Returns nil if the file cannot be opened.
func NewFoldTrace(dir string, level string) *FoldTrace {
	lvl := ParseLevel(level)
	if lvl == slog.LevelInfo {
		return nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}

	f, err := os.OpenFile(filepath.Join(dir, TraceFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}

	return &FoldTrace{file: f, level: lvl}
}

// Log writes rec as a single JSONL line with a "time" field. Test indices
// are only kept at trace level.
func (ft *FoldTrace) Log(rec FoldRecord) {
	if ft == nil || ft.file == nil {
		return
	}
	if ft.level > LevelTrace {
		rec.Test = nil
	}

	entry := struct {
		FoldRecord
		Time string `json:"time"`
	}{rec, time.Now().UTC().Format(time.RFC3339Nano)}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = ft.file.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (ft *FoldTrace) Close() {
	if ft == nil || ft.file == nil {
		return
	}
	ft.file.Close()
	ft.file = nil
}
