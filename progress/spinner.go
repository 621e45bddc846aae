package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ollama/cudartc/format"
)

// Spinner shows a message with an animated glyph and, once stopped, the
// elapsed time.
type Spinner struct {
	message atomic.Value

	parts []string
	value atomic.Int32

	started time.Time
	stopped atomic.Int64
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		started: time.Now(),
	}
	s.message.Store(message)
	go s.start()
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message, _ := s.message.Load().(string); message != "" {
		sb.WriteString(strings.TrimSpace(message))
		sb.WriteString(" ")
	}

	if stopped := s.stopped.Load(); stopped != 0 {
		fmt.Fprintf(&sb, "(%s)", format.HumanDuration(time.Unix(0, stopped).Sub(s.started)))
	} else {
		sb.WriteString(s.parts[int(s.value.Load())%len(s.parts)])
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if s.stopped.Load() != 0 {
			return
		}
		s.value.Store((s.value.Load() + 1) % int32(len(s.parts)))
	}
}

func (s *Spinner) Stop() {
	s.stopped.CompareAndSwap(0, time.Now().UnixNano())
}
