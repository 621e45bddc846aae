package nvrtc

import (
	"errors"
	"fmt"
)

// Result is a raw status code returned by every call into the native library.
type Result int32

const (
	Success Result = iota
	ResultOutOfMemory
	ResultProgramCreationFailure
	ResultInvalidInput
	ResultInvalidProgram
	ResultInvalidOption
	ResultCompilation
	ResultBuiltinOperationFailure
	ResultNoNameExpressionsAfterCompilation
	ResultNoLoweredNamesBeforeCompilation
	ResultNameExpressionNotValid
	ResultInternalError

	// ResultUnknown is reported by errors that carry no native code, such as
	// ErrUnknown. The library never returns it.
	ResultUnknown Result = -1
)

// ErrorKind is the semantic classification of a failed Result.
type ErrorKind int

const (
	KindOutOfMemory ErrorKind = iota + 1
	KindProgramCreationFailure
	KindInvalidInput
	KindInvalidProgram
	KindInvalidOption
	KindCompilation
	KindBuiltinOperationFailure
	KindNoNameExpressionsAfterCompilation
	KindNoLoweredNamesBeforeCompilation
	KindNameExpressionNotValid
	KindInternalError

	// KindUnknown covers every code the library may return that is not
	// listed above, including codes added by newer releases.
	KindUnknown
)

var kindNames = map[ErrorKind]string{
	KindOutOfMemory:                       "out_of_memory",
	KindProgramCreationFailure:            "program_creation_failure",
	KindInvalidInput:                      "invalid_input",
	KindInvalidProgram:                    "invalid_program",
	KindInvalidOption:                     "invalid_option",
	KindCompilation:                       "compilation",
	KindBuiltinOperationFailure:           "builtin_operation_failure",
	KindNoNameExpressionsAfterCompilation: "no_name_expressions_after_compilation",
	KindNoLoweredNamesBeforeCompilation:   "no_lowered_names_before_compilation",
	KindNameExpressionNotValid:            "name_expression_not_valid",
	KindInternalError:                     "internal_error",
	KindUnknown:                           "unknown",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Classify maps a raw status code to its kind. The boolean is false for Success.
func Classify(r Result) (ErrorKind, bool) {
	switch r {
	case Success:
		return 0, false
	case ResultOutOfMemory:
		return KindOutOfMemory, true
	case ResultProgramCreationFailure:
		return KindProgramCreationFailure, true
	case ResultInvalidInput:
		return KindInvalidInput, true
	case ResultInvalidProgram:
		return KindInvalidProgram, true
	case ResultInvalidOption:
		return KindInvalidOption, true
	case ResultCompilation:
		return KindCompilation, true
	case ResultBuiltinOperationFailure:
		return KindBuiltinOperationFailure, true
	case ResultNoNameExpressionsAfterCompilation:
		return KindNoNameExpressionsAfterCompilation, true
	case ResultNoLoweredNamesBeforeCompilation:
		return KindNoLoweredNamesBeforeCompilation, true
	case ResultNameExpressionNotValid:
		return KindNameExpressionNotValid, true
	case ResultInternalError:
		return KindInternalError, true
	default:
		return KindUnknown, true
	}
}

// code is the inverse of Classify for every kind except KindUnknown.
func (k ErrorKind) code() (Result, bool) {
	if k < KindOutOfMemory || k > KindInternalError {
		return 0, false
	}
	return Result(k), true
}

// Error is a failed native status code. Two errors are equal under
// errors.Is when their kinds match.
type Error struct {
	Kind ErrorKind

	code     Result
	describe func(Result) string
}

// Code returns the native status code behind the error, or ResultUnknown
// when there is none. It never returns Success.
func (e *Error) Code() Result {
	if e.code != Success {
		return e.code
	}
	if code, ok := e.Kind.code(); ok {
		return code
	}
	return ResultUnknown
}

func (e *Error) Error() string {
	code, ok := e.Kind.code()
	if !ok {
		return "Unknown error"
	}

	if e.describe != nil {
		return e.describe(code)
	}

	return "nvrtc: " + e.Kind.String()
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrOutOfMemory                       = &Error{Kind: KindOutOfMemory}
	ErrProgramCreationFailure            = &Error{Kind: KindProgramCreationFailure}
	ErrInvalidInput                      = &Error{Kind: KindInvalidInput}
	ErrInvalidProgram                    = &Error{Kind: KindInvalidProgram}
	ErrInvalidOption                     = &Error{Kind: KindInvalidOption}
	ErrCompilation                       = &Error{Kind: KindCompilation}
	ErrBuiltinOperationFailure           = &Error{Kind: KindBuiltinOperationFailure}
	ErrNoNameExpressionsAfterCompilation = &Error{Kind: KindNoNameExpressionsAfterCompilation}
	ErrNoLoweredNamesBeforeCompilation   = &Error{Kind: KindNoLoweredNamesBeforeCompilation}
	ErrNameExpressionNotValid            = &Error{Kind: KindNameExpressionNotValid}
	ErrInternalError                     = &Error{Kind: KindInternalError}
	ErrUnknown                           = &Error{Kind: KindUnknown}
)

var (
	// ErrInvalidText is returned when a text output is not valid UTF-8.
	ErrInvalidText = errors.New("nvrtc: output is not valid UTF-8 text")

	// ErrHeaderMismatch is returned when header sources and names differ in length.
	ErrHeaderMismatch = errors.New("nvrtc: headers and include names must have the same length")

	// ErrDestroyed is returned by any call on a program after Destroy.
	ErrDestroyed = errors.New("nvrtc: program has been destroyed")

	// ErrNotBuilt is returned when the binary was built without the native library.
	ErrNotBuilt = errors.New("nvrtc: native support requires building with cgo and '-tags cuda'")
)

// DestroyError is the panic value raised when the library fails to release
// a program. The handle is already gone by then, so the native program leaks.
type DestroyError struct {
	Name string
	Err  error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("nvrtc: failed to destroy program %q: %v", e.Name, e.Err)
}

func (e *DestroyError) Unwrap() error {
	return e.Err
}

// check converts a status code into an error whose message is rendered by lib.
func check(lib Library, r Result) error {
	kind, failed := Classify(r)
	if !failed {
		return nil
	}

	e := &Error{Kind: kind, code: r}
	if lib != nil {
		e.describe = lib.GetErrorString
	}
	return e
}
