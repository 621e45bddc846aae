package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/containerd/console"
	"golang.org/x/term"
)

const defaultTermHeight = 24

type State interface {
	String() string
}

// Progress redraws a set of states in place, one per line, until stopped.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	pos int

	ticker  *time.Ticker
	done    chan struct{}
	stopped bool
	states  []State
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}
	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	go p.start(p.ticker)
	return p
}

// IsTerminal reports whether f is attached to a terminal, in which case a
// redrawing progress display is appropriate.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

// Stop stops redrawing and leaves the final state on screen.
func (p *Progress) Stop() bool {
	p.mu.Lock()
	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	if p.ticker == nil {
		p.mu.Unlock()
		return false
	}

	p.ticker.Stop()
	p.ticker = nil
	p.stopped = true
	close(p.done)
	defer p.mu.Unlock()

	p.renderLocked()
	fmt.Fprintln(p.w)
	// show cursor
	fmt.Fprint(p.w, "\033[?25h")
	p.w.Flush()
	return true
}

func (p *Progress) render() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.renderLocked()
	}
}

func (p *Progress) renderLocked() {
	termHeight := defaultTermHeight
	if c, err := console.ConsoleFromFile(os.Stderr); err == nil {
		if size, err := c.Size(); err == nil && size.Height > 0 {
			termHeight = int(size.Height)
		}
	}

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}
	fmt.Fprint(p.w, "\033[1G")

	maxHeight := min(len(p.states), termHeight)
	for i := len(p.states) - maxHeight; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = maxHeight
	p.w.Flush()
}

func (p *Progress) start(ticker *time.Ticker) {
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render()
		}
	}
}
