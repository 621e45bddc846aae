package logutil

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	slog.SetDefault(NewLogger(&buf, slog.LevelDebug))
	Trace("hidden", "size", 12)
	assert.Empty(t, buf.String())

	slog.SetDefault(NewLogger(&buf, LevelTrace))
	Trace("reading native output", "size", 12)
	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "size=12")
	assert.Contains(t, out, "source=logutil/logutil_test.go:")
}

func TestNoSourceAtInfo(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo).Info("listening")
	assert.NotContains(t, buf.String(), "source=")
}

func TestShortPath(t *testing.T) {
	cases := map[string]string{
		"/src/cudartc/nvrtc/program.go": "nvrtc/program.go",
		"server/routes.go":              "server/routes.go",
		"main.go":                       "main.go",
		"/main.go":                      "main.go",
	}

	for in, want := range cases {
		assert.Equal(t, want, shortPath(in), in)
	}
}

func TestExcerpt(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		lines int
		want  string
	}{
		{"empty", "", 3, ""},
		{"short", "__global__ void k(){}\n", 3, "__global__ void k(){}"},
		{"exact", "a\nb\nc", 3, "a\nb\nc"},
		{"cut", "a\nb\nc\nd\n", 2, "a\nb ... (2 more lines)"},
		{"at least one line", "a\nb", 0, "a ... (1 more lines)"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Excerpt{Text: tt.text, Lines: tt.lines}.LogValue().String())
		})
	}

	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo).Info("compile failed", "log", Excerpt{Text: "k.cu(1): error\nk.cu(2): error\n", Lines: 1})
	assert.Contains(t, buf.String(), `log="k.cu(1): error ... (1 more lines)"`)
}
