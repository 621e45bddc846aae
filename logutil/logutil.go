package logutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// LevelTrace sits below debug and covers per-call native detail such as
// output buffer sizes and program sources.
const LevelTrace slog.Level = -8

// NewLogger returns a text logger that prints TRACE for LevelTrace. Source
// locations are only added below info and keep the package directory, so
// nvrtc/program.go and server/routes.go stay apart.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level < slog.LevelInfo,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = shortPath(source.File)
			}
			return attr
		},
	}))
}

func shortPath(file string) string {
	dir, base := filepath.Split(file)
	if dir = filepath.Base(filepath.Clean(dir)); dir == "." || dir == string(filepath.Separator) {
		return base
	}
	return dir + "/" + base
}

// Excerpt logs the first Lines lines of a CUDA source or compiler log and
// how many were left out. Nothing is split unless the record is written.
type Excerpt struct {
	Text  string
	Lines int
}

func (e Excerpt) LogValue() slog.Value {
	text := strings.TrimRight(e.Text, "\n")
	if text == "" {
		return slog.StringValue("")
	}

	n := max(e.Lines, 1)
	total := strings.Count(text, "\n") + 1
	if total <= n {
		return slog.StringValue(text)
	}

	var end int
	for range n {
		end += strings.IndexByte(text[end:], '\n') + 1
	}
	return slog.StringValue(fmt.Sprintf("%s ... (%d more lines)", text[:end-1], total-n))
}

type key string

// Trace logs at LevelTrace on the default logger, attributing the record
// to the caller.
func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, LevelTrace) {
		skip, _ := ctx.Value(key("skip")).(int)
		pc, _, _, _ := runtime.Caller(1 + skip)
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}
