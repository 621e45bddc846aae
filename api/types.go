package api

import (
	"fmt"
	"time"
)

// StatusError is an error response from the compile server.
type StatusError struct {
	StatusCode int
	Status     string
	// Kind is the compiler error kind when the failure came from the compiler.
	Kind         string `json:"kind,omitempty"`
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return "something went wrong, please see the nvrtc server logs for details"
	}
}

// Header is a source file the program can #include by Name.
type Header struct {
	Name   string `json:"name" cbor:"name"`
	Source string `json:"source" cbor:"source"`
}

// CompileRequest describes one program to compile.
type CompileRequest struct {
	// Name is the program name used in diagnostics.
	Name    string   `json:"name,omitempty"`
	Source  string   `json:"source"`
	Headers []Header `json:"headers,omitempty"`

	// NameExpressions are resolved to lowered names after compilation.
	NameExpressions []string `json:"name_expressions,omitempty"`

	// Options are passed to the compiler verbatim, after those derived from
	// OptionsMap.
	Options    []string       `json:"options,omitempty"`
	OptionsMap map[string]any `json:"options_map,omitempty"`

	// CUBIN requests the binary module in addition to PTX.
	CUBIN bool `json:"cubin,omitempty"`
}

// CompileResponse is returned for both successful and failed compiles; a
// failed compile carries the log and Error.
type CompileResponse struct {
	Name  string `json:"name" cbor:"name"`
	Log   string `json:"log" cbor:"log"`
	PTX   string `json:"ptx,omitempty" cbor:"ptx,omitempty"`
	CUBIN []byte `json:"cubin,omitempty" cbor:"cubin,omitempty"`

	LoweredNames map[string]string `json:"lowered_names,omitempty" cbor:"lowered_names,omitempty"`

	Cached        bool          `json:"cached,omitempty" cbor:"cached,omitempty"`
	TotalDuration time.Duration `json:"total_duration,omitempty" cbor:"total_duration,omitempty"`

	Error string `json:"error,omitempty" cbor:"error,omitempty"`
	Kind  string `json:"kind,omitempty" cbor:"kind,omitempty"`
}

type VersionResponse struct {
	Major int `json:"major" cbor:"major"`
	Minor int `json:"minor" cbor:"minor"`
}

func (v VersionResponse) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

type ArchsResponse struct {
	Archs []int `json:"archs" cbor:"archs"`
}
