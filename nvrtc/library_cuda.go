//go:build cuda && cgo

package nvrtc

/*
#cgo CFLAGS: -I/usr/local/cuda/include -I/opt/cuda/include
#cgo linux LDFLAGS: -L/usr/local/cuda/lib64 -L/opt/cuda/lib64 -lnvrtc
#cgo windows LDFLAGS: -lnvrtc

#include <stdlib.h>
#include <nvrtc.h>
*/
import "C"

import (
	"sync"
	"unsafe"
)

// cudaLibrary calls libnvrtc directly. Native program pointers never leave
// this file; callers see table indices instead.
type cudaLibrary struct {
	mu       sync.Mutex
	next     Handle
	programs map[Handle]C.nvrtcProgram
}

var native = &cudaLibrary{programs: make(map[Handle]C.nvrtcProgram)}

func loadLibrary() (Library, error) {
	return native, nil
}

func (l *cudaLibrary) lookup(h Handle) (C.nvrtcProgram, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prog, ok := l.programs[h]
	return prog, ok
}

// cStringArray copies strs into a NULL-terminated C array. The returned
// function frees the strings and the array.
func cStringArray(strs []string) (**C.char, func()) {
	if len(strs) == 0 {
		return nil, func() {}
	}

	ptr := (**C.char)(C.malloc(C.size_t(len(strs)+1) * C.size_t(unsafe.Sizeof((*C.char)(nil)))))
	arr := unsafe.Slice(ptr, len(strs)+1)
	for i, s := range strs {
		arr[i] = C.CString(s)
	}
	arr[len(strs)] = nil

	return ptr, func() {
		for _, p := range arr[:len(strs)] {
			C.free(unsafe.Pointer(p))
		}
		C.free(unsafe.Pointer(ptr))
	}
}

func (l *cudaLibrary) Version() (int, int, Result) {
	var major, minor C.int
	r := C.nvrtcVersion(&major, &minor)
	return int(major), int(minor), Result(r)
}

func (l *cudaLibrary) GetErrorString(r Result) string {
	return C.GoString(C.nvrtcGetErrorString(C.nvrtcResult(r)))
}

func (l *cudaLibrary) GetNumSupportedArchs() (int, Result) {
	var n C.int
	r := C.nvrtcGetNumSupportedArchs(&n)
	return int(n), Result(r)
}

func (l *cudaLibrary) GetSupportedArchs(archs []int32) Result {
	if len(archs) == 0 {
		return ResultInvalidInput
	}
	return Result(C.nvrtcGetSupportedArchs((*C.int)(unsafe.Pointer(&archs[0]))))
}

func (l *cudaLibrary) CreateProgram(src, name string, headers, includeNames []string) (Handle, Result) {
	cSrc := C.CString(src)
	defer C.free(unsafe.Pointer(cSrc))

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	cHeaders, freeHeaders := cStringArray(headers)
	defer freeHeaders()

	cIncludeNames, freeIncludeNames := cStringArray(includeNames)
	defer freeIncludeNames()

	var prog C.nvrtcProgram
	r := C.nvrtcCreateProgram(&prog, cSrc, cName, C.int(len(headers)), cHeaders, cIncludeNames)
	if r != C.NVRTC_SUCCESS {
		return 0, Result(r)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.programs[l.next] = prog
	return l.next, Success
}

func (l *cudaLibrary) DestroyProgram(h *Handle) Result {
	l.mu.Lock()
	prog, ok := l.programs[*h]
	delete(l.programs, *h)
	l.mu.Unlock()
	if !ok {
		return ResultInvalidProgram
	}

	*h = 0
	return Result(C.nvrtcDestroyProgram(&prog))
}

func (l *cudaLibrary) AddNameExpression(h Handle, expr string) Result {
	prog, ok := l.lookup(h)
	if !ok {
		return ResultInvalidProgram
	}

	cExpr := C.CString(expr)
	defer C.free(unsafe.Pointer(cExpr))
	return Result(C.nvrtcAddNameExpression(prog, cExpr))
}

func (l *cudaLibrary) CompileProgram(h Handle, options []string) Result {
	prog, ok := l.lookup(h)
	if !ok {
		return ResultInvalidProgram
	}

	cOptions, freeOptions := cStringArray(options)
	defer freeOptions()
	return Result(C.nvrtcCompileProgram(prog, C.int(len(options)), cOptions))
}

func (l *cudaLibrary) GetProgramLogSize(h Handle) (int, Result) {
	prog, ok := l.lookup(h)
	if !ok {
		return 0, ResultInvalidProgram
	}

	var n C.size_t
	r := C.nvrtcGetProgramLogSize(prog, &n)
	return int(n), Result(r)
}

func (l *cudaLibrary) GetProgramLog(h Handle, log []byte) Result {
	prog, ok := l.lookup(h)
	if !ok {
		return ResultInvalidProgram
	}
	if len(log) == 0 {
		return ResultInvalidInput
	}
	return Result(C.nvrtcGetProgramLog(prog, (*C.char)(unsafe.Pointer(&log[0]))))
}

func (l *cudaLibrary) GetPTXSize(h Handle) (int, Result) {
	prog, ok := l.lookup(h)
	if !ok {
		return 0, ResultInvalidProgram
	}

	var n C.size_t
	r := C.nvrtcGetPTXSize(prog, &n)
	return int(n), Result(r)
}

func (l *cudaLibrary) GetPTX(h Handle, ptx []byte) Result {
	prog, ok := l.lookup(h)
	if !ok {
		return ResultInvalidProgram
	}
	if len(ptx) == 0 {
		return ResultInvalidInput
	}
	return Result(C.nvrtcGetPTX(prog, (*C.char)(unsafe.Pointer(&ptx[0]))))
}

func (l *cudaLibrary) GetCUBINSize(h Handle) (int, Result) {
	prog, ok := l.lookup(h)
	if !ok {
		return 0, ResultInvalidProgram
	}

	var n C.size_t
	r := C.nvrtcGetCUBINSize(prog, &n)
	return int(n), Result(r)
}

func (l *cudaLibrary) GetCUBIN(h Handle, cubin []byte) Result {
	prog, ok := l.lookup(h)
	if !ok {
		return ResultInvalidProgram
	}
	if len(cubin) == 0 {
		return ResultInvalidInput
	}
	return Result(C.nvrtcGetCUBIN(prog, (*C.char)(unsafe.Pointer(&cubin[0]))))
}

func (l *cudaLibrary) GetLoweredName(h Handle, expr string) (string, Result) {
	prog, ok := l.lookup(h)
	if !ok {
		return "", ResultInvalidProgram
	}

	cExpr := C.CString(expr)
	defer C.free(unsafe.Pointer(cExpr))

	var lowered *C.char
	r := C.nvrtcGetLoweredName(prog, cExpr, &lowered)
	if r != C.NVRTC_SUCCESS {
		return "", Result(r)
	}
	return C.GoString(lowered), Success
}
