// Package nvrtctest provides an in-memory nvrtc.Library for tests.
//
// The fake "compiler" understands just enough CUDA to exercise callers:
// quoted #include directives resolve against the program's headers,
// unbalanced braces or parentheses and #error directives fail compilation,
// and each __global__ function becomes a PTX entry. CUBIN output is only
// produced for real (sm_XX) architectures.
package nvrtctest

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/ollama/cudartc/nvrtc"
)

var errorStrings = map[nvrtc.Result]string{
	nvrtc.Success:                                 "NVRTC_SUCCESS",
	nvrtc.ResultOutOfMemory:                       "NVRTC_ERROR_OUT_OF_MEMORY",
	nvrtc.ResultProgramCreationFailure:            "NVRTC_ERROR_PROGRAM_CREATION_FAILURE",
	nvrtc.ResultInvalidInput:                      "NVRTC_ERROR_INVALID_INPUT",
	nvrtc.ResultInvalidProgram:                    "NVRTC_ERROR_INVALID_PROGRAM",
	nvrtc.ResultInvalidOption:                     "NVRTC_ERROR_INVALID_OPTION",
	nvrtc.ResultCompilation:                       "NVRTC_ERROR_COMPILATION",
	nvrtc.ResultBuiltinOperationFailure:           "NVRTC_ERROR_BUILTIN_OPERATION_FAILURE",
	nvrtc.ResultNoNameExpressionsAfterCompilation: "NVRTC_ERROR_NO_NAME_EXPRESSIONS_AFTER_COMPILATION",
	nvrtc.ResultNoLoweredNamesBeforeCompilation:   "NVRTC_ERROR_NO_LOWERED_NAMES_BEFORE_COMPILATION",
	nvrtc.ResultNameExpressionNotValid:            "NVRTC_ERROR_NAME_EXPRESSION_NOT_VALID",
	nvrtc.ResultInternalError:                     "NVRTC_ERROR_INTERNAL_ERROR",
}

type program struct {
	src      string
	name     string
	headers  map[string]string
	exprs    []string
	compiled bool
	ok       bool
	log      string
	ptx      string
	cubin    []byte
	lowered  map[string]string
}

// Library is a fake nvrtc.Library. The zero value is not usable; call New.
type Library struct {
	mu       sync.Mutex
	next     nvrtc.Handle
	programs map[nvrtc.Handle]*program
	failures map[string]nvrtc.Result
	calls    []string

	Major, Minor int
	Archs        []int
}

// New returns a fake reporting version 12.4.
func New() *Library {
	return &Library{
		programs: make(map[nvrtc.Handle]*program),
		failures: make(map[string]nvrtc.Result),
		Major:    12,
		Minor:    4,
		Archs:    []int{50, 52, 53, 60, 61, 62, 70, 72, 75, 80, 86, 87, 89, 90},
	}
}

// Fail makes every later call to method return r.
func (l *Library) Fail(method string, r nvrtc.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[method] = r
}

// Calls returns the methods invoked so far, in order.
func (l *Library) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// Called reports how many times method was invoked.
func (l *Library) Called(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for _, c := range l.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Live returns the number of programs created and not yet destroyed.
func (l *Library) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.programs)
}

// enter records the call and returns the injected failure for it, if any.
func (l *Library) enter(method string) (nvrtc.Result, bool) {
	l.calls = append(l.calls, method)
	r, ok := l.failures[method]
	return r, ok
}

func (l *Library) program(method string, h nvrtc.Handle) (*program, nvrtc.Result) {
	if r, ok := l.enter(method); ok {
		return nil, r
	}

	p, ok := l.programs[h]
	if !ok {
		return nil, nvrtc.ResultInvalidProgram
	}
	return p, nvrtc.Success
}

func (l *Library) Version() (int, int, nvrtc.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.enter("Version"); ok {
		return 0, 0, r
	}
	return l.Major, l.Minor, nvrtc.Success
}

func (l *Library) GetErrorString(r nvrtc.Result) string {
	if s, ok := errorStrings[r]; ok {
		return s
	}
	return "NVRTC_ERROR unknown"
}

func (l *Library) GetNumSupportedArchs() (int, nvrtc.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.enter("GetNumSupportedArchs"); ok {
		return 0, r
	}
	return len(l.Archs), nvrtc.Success
}

func (l *Library) GetSupportedArchs(archs []int32) nvrtc.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.enter("GetSupportedArchs"); ok {
		return r
	}
	for i := range archs {
		archs[i] = int32(l.Archs[i])
	}
	return nvrtc.Success
}

func (l *Library) CreateProgram(src, name string, headers, includeNames []string) (nvrtc.Handle, nvrtc.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.enter("CreateProgram"); ok {
		return 0, r
	}

	if len(headers) != len(includeNames) {
		return 0, nvrtc.ResultInvalidInput
	}

	p := &program{src: src, name: name, headers: make(map[string]string, len(headers))}
	for i := range headers {
		p.headers[includeNames[i]] = headers[i]
	}

	l.next++
	l.programs[l.next] = p
	return l.next, nvrtc.Success
}

func (l *Library) DestroyProgram(h *nvrtc.Handle) nvrtc.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, r := l.program("DestroyProgram", *h); r != nvrtc.Success {
		return r
	}

	delete(l.programs, *h)
	*h = 0
	return nvrtc.Success
}

func (l *Library) AddNameExpression(h nvrtc.Handle, expr string) nvrtc.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("AddNameExpression", h)
	if r != nvrtc.Success {
		return r
	}

	if p.compiled {
		return nvrtc.ResultNoNameExpressionsAfterCompilation
	}

	if strings.TrimSpace(expr) == "" {
		return nvrtc.ResultInvalidInput
	}

	p.exprs = append(p.exprs, expr)
	return nvrtc.Success
}

func (l *Library) CompileProgram(h nvrtc.Handle, options []string) nvrtc.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("CompileProgram", h)
	if r != nvrtc.Success {
		return r
	}

	for _, opt := range options {
		if !strings.HasPrefix(opt, "-") {
			return nvrtc.ResultInvalidOption
		}
	}

	p.compiled = true
	return p.compile(options)
}

func (l *Library) GetProgramLogSize(h nvrtc.Handle) (int, nvrtc.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("GetProgramLogSize", h)
	if r != nvrtc.Success {
		return 0, r
	}
	return len(p.log) + 1, nvrtc.Success
}

func (l *Library) GetProgramLog(h nvrtc.Handle, log []byte) nvrtc.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("GetProgramLog", h)
	if r != nvrtc.Success {
		return r
	}
	return fillText(log, p.log)
}

func (l *Library) GetPTXSize(h nvrtc.Handle) (int, nvrtc.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("GetPTXSize", h)
	if r != nvrtc.Success {
		return 0, r
	}
	if !p.ok {
		return 0, nvrtc.ResultInvalidProgram
	}
	return len(p.ptx) + 1, nvrtc.Success
}

func (l *Library) GetPTX(h nvrtc.Handle, ptx []byte) nvrtc.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("GetPTX", h)
	if r != nvrtc.Success {
		return r
	}
	if !p.ok {
		return nvrtc.ResultInvalidProgram
	}
	return fillText(ptx, p.ptx)
}

func (l *Library) GetCUBINSize(h nvrtc.Handle) (int, nvrtc.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("GetCUBINSize", h)
	if r != nvrtc.Success {
		return 0, r
	}
	if !p.ok {
		return 0, nvrtc.ResultInvalidProgram
	}
	return len(p.cubin), nvrtc.Success
}

func (l *Library) GetCUBIN(h nvrtc.Handle, cubin []byte) nvrtc.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("GetCUBIN", h)
	if r != nvrtc.Success {
		return r
	}
	if !p.ok {
		return nvrtc.ResultInvalidProgram
	}
	if len(cubin) != len(p.cubin) {
		return nvrtc.ResultInvalidInput
	}
	copy(cubin, p.cubin)
	return nvrtc.Success
}

func (l *Library) GetLoweredName(h nvrtc.Handle, expr string) (string, nvrtc.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, r := l.program("GetLoweredName", h)
	if r != nvrtc.Success {
		return "", r
	}
	if !p.compiled {
		return "", nvrtc.ResultNoLoweredNamesBeforeCompilation
	}
	if !p.ok {
		return "", nvrtc.ResultInvalidProgram
	}

	name, ok := p.lowered[expr]
	if !ok {
		return "", nvrtc.ResultNameExpressionNotValid
	}
	return name, nvrtc.Success
}

// fillText writes s and its terminator; dst must be exactly len(s)+1 bytes.
func fillText(dst []byte, s string) nvrtc.Result {
	if len(dst) != len(s)+1 {
		return nvrtc.ResultInvalidInput
	}
	copy(dst, s)
	dst[len(s)] = 0
	return nvrtc.Success
}

var (
	includeRE = regexp.MustCompile(`(?m)^\s*#\s*include\s+"([^"]+)"`)
	errorRE   = regexp.MustCompile(`(?m)^\s*#\s*error\s*(.*)$`)
	kernelRE  = regexp.MustCompile(`__global__\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	archRE    = regexp.MustCompile(`^-(?:arch|-gpu-architecture)=(sm|compute)_(\d+)$`)
)

func (p *program) compile(options []string) nvrtc.Result {
	src, diag := p.expand(p.src, p.name, 0)
	if diag == "" {
		diag = checkSyntax(src, p.name)
	}

	if diag != "" {
		p.log = fmt.Sprintf("%s\n1 error detected in the compilation of %q.\n", diag, p.name)
		return nvrtc.ResultCompilation
	}

	target, isReal := "compute_52", false
	for _, opt := range options {
		if m := archRE.FindStringSubmatch(opt); m != nil {
			target, isReal = m[1]+"_"+m[2], m[1] == "sm"
		}
	}

	var sb strings.Builder
	sb.WriteString("//\n// Generated by NVIDIA NVVM Compiler\n//\n// Compiler Build ID: nvrtctest\n//\n\n")
	fmt.Fprintf(&sb, ".version 8.4\n.target %s\n.address_size 64\n", strings.Replace(target, "compute_", "sm_", 1))
	for _, m := range kernelRE.FindAllStringSubmatch(src, -1) {
		fmt.Fprintf(&sb, "\n.visible .entry %s()\n{\n\tret;\n}\n", mangle(m[1]))
	}

	p.ok = true
	p.ptx = sb.String()
	if isReal {
		p.cubin = append([]byte("\x7fELF\x02\x01\x01\x33"), p.ptx...)
	}

	p.lowered = make(map[string]string, len(p.exprs))
	for _, expr := range p.exprs {
		p.lowered[expr] = mangle(strings.TrimPrefix(strings.TrimSpace(expr), "&"))
	}
	return nvrtc.Success
}

// expand inlines quoted includes from the program headers.
func (p *program) expand(src, file string, depth int) (string, string) {
	if depth > 16 {
		return "", fmt.Sprintf("%s: catastrophic error: #include nested too deeply", file)
	}

	if m := errorRE.FindStringSubmatch(src); m != nil {
		return "", fmt.Sprintf("%s: error: #error directive: %s", file, strings.TrimSpace(m[1]))
	}

	var diag string
	out := includeRE.ReplaceAllStringFunc(src, func(s string) string {
		name := includeRE.FindStringSubmatch(s)[1]
		header, ok := p.headers[name]
		if !ok {
			if diag == "" {
				diag = fmt.Sprintf("%s: catastrophic error: cannot open source file %q", file, name)
			}
			return ""
		}

		expanded, d := p.expand(header, name, depth+1)
		if d != "" && diag == "" {
			diag = d
		}
		return expanded
	})
	return out, diag
}

func checkSyntax(src, file string) string {
	var stack []rune
	line := 1
	for _, c := range src {
		switch c {
		case '\n':
			line++
		case '{', '(':
			stack = append(stack, c)
		case '}', ')':
			want := '{'
			if c == ')' {
				want = '('
			}
			if len(stack) == 0 || stack[len(stack)-1] != want {
				return fmt.Sprintf("%s(%d): error: expected a declaration", file, line)
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) > 0 {
		closing := "}"
		if stack[len(stack)-1] == '(' {
			closing = ")"
		}
		return fmt.Sprintf("%s(%d): error: expected a %q", file, line, closing)
	}
	return ""
}

// mangle approximates the Itanium mangling of a parameterless function.
func mangle(name string) string {
	if i := strings.IndexByte(name, '<'); i >= 0 {
		name = name[:i]
	}
	return fmt.Sprintf("_Z%d%sv", len(name), name)
}
