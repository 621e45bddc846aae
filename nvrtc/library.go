package nvrtc

// Handle identifies a native program inside a Library. The zero Handle is
// never a live program.
type Handle uint64

// Library is the native runtime-compilation interface. Every method mirrors
// one entry point of nvrtc.h and reports its status as a Result; outputs that
// the C API writes through pointers are returned instead.
//
// Fill methods (GetProgramLog, GetPTX, GetCUBIN, GetSupportedArchs) write
// exactly as many elements as the matching size query reported.
type Library interface {
	Version() (major, minor int, r Result)
	GetErrorString(r Result) string

	GetNumSupportedArchs() (int, Result)
	GetSupportedArchs(archs []int32) Result

	CreateProgram(src, name string, headers, includeNames []string) (Handle, Result)
	// DestroyProgram releases the program and zeroes *h.
	DestroyProgram(h *Handle) Result

	AddNameExpression(h Handle, expr string) Result
	CompileProgram(h Handle, options []string) Result

	GetProgramLogSize(h Handle) (int, Result)
	GetProgramLog(h Handle, log []byte) Result
	GetPTXSize(h Handle) (int, Result)
	GetPTX(h Handle, ptx []byte) Result
	GetCUBINSize(h Handle) (int, Result)
	GetCUBIN(h Handle, cubin []byte) Result

	// GetLoweredName returns a copy of the mangled name; the native string
	// is owned by the program and is not retained.
	GetLoweredName(h Handle, expr string) (string, Result)
}
