package nvrtc

import (
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/ollama/cudartc/logutil"
)

// DefaultProgramName is used when a program is created without a name.
const DefaultProgramName = "default_program"

// Header is an in-memory source file that the program can #include by Name.
type Header struct {
	Name   string
	Source string
}

type programState int

const (
	stateCreated programState = iota
	stateCompiled
	stateDestroyed
)

func (s programState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateCompiled:
		return "compiled"
	default:
		return "destroyed"
	}
}

// Program is one native compilation unit.
type Program struct {
	lib    Library
	handle Handle
	name   string
	state  programState

	// registered in order; duplicates are forwarded as given
	expressions []string
}

// NewProgram creates a program from src. headers[i] is made available to
// #include under includeNames[i]; both slices must have the same length.
func (c *Compiler) NewProgram(src, name string, headers, includeNames []string) (*Program, error) {
	if len(headers) != len(includeNames) {
		return nil, fmt.Errorf("%w: %d headers, %d names", ErrHeaderMismatch, len(headers), len(includeNames))
	}

	if name == "" {
		name = DefaultProgramName
	}

	h, r := c.lib.CreateProgram(src, name, headers, includeNames)
	if err := check(c.lib, r); err != nil {
		slog.Debug("failed to create program", "name", name, "error", err)
		return nil, err
	}

	p := &Program{lib: c.lib, handle: h, name: name}
	runtime.SetFinalizer(p, (*Program).Destroy)
	slog.Debug("created program", "name", name, "headers", len(headers))
	logutil.Trace("program source", "name", name, "source", logutil.Excerpt{Text: src, Lines: 3})
	return p, nil
}

// NewProgramWithHeaders creates a program from src with paired headers.
func (c *Compiler) NewProgramWithHeaders(src, name string, headers []Header) (*Program, error) {
	sources := make([]string, len(headers))
	names := make([]string, len(headers))
	for i, h := range headers {
		sources[i], names[i] = h.Source, h.Name
	}
	return c.NewProgram(src, name, sources, names)
}

// Name returns the program name passed to the library.
func (p *Program) Name() string {
	return p.name
}

// Compiled reports whether Compile has been called, whatever its outcome.
func (p *Program) Compiled() bool {
	return p.state == stateCompiled
}

// NameExpressions returns the registered expressions in registration order.
func (p *Program) NameExpressions() []string {
	return slices.Clone(p.expressions)
}

// AddNameExpression registers expr so its lowered name can be looked up
// after compilation. It must be called before Compile.
func (p *Program) AddNameExpression(expr string) error {
	defer runtime.KeepAlive(p)
	switch p.state {
	case stateDestroyed:
		return ErrDestroyed
	case stateCompiled:
		return check(p.lib, ResultNoNameExpressionsAfterCompilation)
	}

	if err := check(p.lib, p.lib.AddNameExpression(p.handle, expr)); err != nil {
		return err
	}

	p.expressions = append(p.expressions, expr)
	return nil
}

// Compile compiles the program with the given options. The program moves to
// the compiled state whether or not compilation succeeds; the log is
// readable either way.
func (p *Program) Compile(options ...string) error {
	defer runtime.KeepAlive(p)
	if p.state == stateDestroyed {
		return ErrDestroyed
	}

	start := time.Now()
	r := p.lib.CompileProgram(p.handle, options)
	p.state = stateCompiled

	err := check(p.lib, r)
	slog.Debug("compiled program", "name", p.name, "options", options, "duration", time.Since(start), "error", err)
	return err
}

// LogSize returns the size of the compile log including its terminator.
func (p *Program) LogSize() (int, error) {
	return p.size(p.lib.GetProgramLogSize)
}

// PTXSize returns the size of the PTX output including its terminator.
func (p *Program) PTXSize() (int, error) {
	return p.size(p.lib.GetPTXSize)
}

// CUBINSize returns the size of the CUBIN output.
func (p *Program) CUBINSize() (int, error) {
	return p.size(p.lib.GetCUBINSize)
}

// Log returns the compile log. It is available after any compile attempt.
func (p *Program) Log() (string, error) {
	return readProgram(p, "log", p.lib.GetProgramLogSize, p.lib.GetProgramLog, asText)
}

// PTX returns the generated PTX. It is only produced by a successful compile;
// otherwise the library's error is returned.
func (p *Program) PTX() (string, error) {
	return readProgram(p, "ptx", p.lib.GetPTXSize, p.lib.GetPTX, asText)
}

// CUBIN returns the generated binary module. It is empty when the program was
// compiled for a virtual architecture.
func (p *Program) CUBIN() ([]byte, error) {
	return readProgram(p, "cubin", p.lib.GetCUBINSize, p.lib.GetCUBIN, asBytes)
}

// LoweredName returns the mangled name of an expression registered before a
// successful compile.
func (p *Program) LoweredName(expr string) (string, error) {
	defer runtime.KeepAlive(p)
	switch p.state {
	case stateDestroyed:
		return "", ErrDestroyed
	case stateCreated:
		return "", check(p.lib, ResultNoLoweredNamesBeforeCompilation)
	}

	name, r := p.lib.GetLoweredName(p.handle, expr)
	if err := check(p.lib, r); err != nil {
		return "", err
	}
	return name, nil
}

// Destroy releases the native program. It is safe to call more than once.
// A failure reported by the library while destroying panics with a
// *DestroyError; callers must not resume after it.
func (p *Program) Destroy() {
	if p == nil || p.state == stateDestroyed {
		return
	}

	runtime.SetFinalizer(p, nil)

	h := p.handle
	p.handle = 0
	p.state = stateDestroyed
	if h == 0 {
		return
	}

	if err := check(p.lib, p.lib.DestroyProgram(&h)); err != nil {
		panic(&DestroyError{Name: p.name, Err: err})
	}
	slog.Debug("destroyed program", "name", p.name)
}

func (p *Program) size(query func(Handle) (int, Result)) (int, error) {
	defer runtime.KeepAlive(p)
	if p.state == stateDestroyed {
		return 0, ErrDestroyed
	}

	n, r := query(p.handle)
	if err := check(p.lib, r); err != nil {
		return 0, err
	}
	return n, nil
}

func readProgram[T any](p *Program, output string, query func(Handle) (int, Result), fill func(Handle, []byte) Result, interpret func([]byte) (T, error)) (T, error) {
	defer runtime.KeepAlive(p)
	return readSized(output,
		func() (int, error) { return p.size(query) },
		func(buf []byte) error { return check(p.lib, fill(p.handle, buf)) },
		interpret,
	)
}
