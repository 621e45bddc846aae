// Package nvrtc compiles CUDA C++ source at runtime through the NVIDIA
// runtime compilation library and returns PTX, CUBIN and the compile log.
//
// A Program owns one native program handle. Create it, optionally register
// name expressions, compile it once, read its outputs, then Destroy it:
//
//	prog, err := nvrtc.NewProgram(src, "kernel.cu", nil, nil)
//	if err != nil {
//		return err
//	}
//	defer prog.Destroy()
//
//	if err := prog.Compile("-arch=compute_80"); err != nil {
//		log, _ := prog.Log()
//		return fmt.Errorf("%w: %s", err, log)
//	}
//	ptx, err := prog.PTX()
//
// A Program must not be used from several goroutines at once. Independent
// programs may be compiled concurrently.
package nvrtc

import (
	"fmt"
	"log/slog"
	"sync"
)

// Compiler binds programs to a Library.
type Compiler struct {
	lib Library
}

// New loads the native library linked into this binary.
func New() (*Compiler, error) {
	lib, err := loadLibrary()
	if err != nil {
		return nil, err
	}

	return NewWithLibrary(lib), nil
}

// NewWithLibrary returns a Compiler backed by lib.
func NewWithLibrary(lib Library) *Compiler {
	return &Compiler{lib: lib}
}

var defaultCompiler = sync.OnceValues(func() (*Compiler, error) {
	c, err := New()
	if err != nil {
		slog.Debug("native runtime compiler unavailable", "error", err)
		return nil, err
	}

	if major, minor, err := c.Version(); err == nil {
		slog.Debug("native runtime compiler loaded", "version", fmtVersion(major, minor))
	}
	return c, nil
})

// Default returns the process-wide Compiler backed by the linked library.
func Default() (*Compiler, error) {
	return defaultCompiler()
}

// Version reports the version of the native library.
func (c *Compiler) Version() (major, minor int, err error) {
	major, minor, r := c.lib.Version()
	if err := check(c.lib, r); err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}

// SupportedArchs lists the SM architectures the library can target, in
// ascending order (e.g. 52 for sm_52).
func (c *Compiler) SupportedArchs() ([]int, error) {
	return readSized("supported archs",
		func() (int, error) {
			n, r := c.lib.GetNumSupportedArchs()
			return n, check(c.lib, r)
		},
		func(buf []int32) error {
			return check(c.lib, c.lib.GetSupportedArchs(buf))
		},
		asInts,
	)
}

// Version reports the version of the default library.
func Version() (major, minor int, err error) {
	c, err := Default()
	if err != nil {
		return 0, 0, err
	}
	return c.Version()
}

// SupportedArchs lists the architectures supported by the default library.
func SupportedArchs() ([]int, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.SupportedArchs()
}

// NewProgram creates a program with the default library.
func NewProgram(src, name string, headers, includeNames []string) (*Program, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.NewProgram(src, name, headers, includeNames)
}

func fmtVersion(major, minor int) string {
	return fmt.Sprintf("%d.%d", major, minor)
}
