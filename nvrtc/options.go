package nvrtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// CompileOptions is a typed form of the most common compiler flags.
type CompileOptions struct {
	// Arch is a virtual (compute_80) or real (sm_80) architecture. A real
	// architecture is required for CUBIN output.
	Arch string `mapstructure:"arch"`
	// Std selects the language dialect, e.g. "c++17".
	Std string `mapstructure:"std"`

	LineInfo              bool `mapstructure:"lineinfo"`
	DeviceDebug           bool `mapstructure:"device_debug"`
	RelocatableDeviceCode bool `mapstructure:"rdc"`
	FastMath              bool `mapstructure:"fast_math"`

	Defines      map[string]string `mapstructure:"defines"`
	IncludePaths []string          `mapstructure:"include_paths"`

	// Extra is appended verbatim after the generated flags.
	Extra []string `mapstructure:"extra"`
}

// Flags renders the options as compiler arguments. Defines are sorted by
// name so equal options always produce the same flags.
func (o CompileOptions) Flags() []string {
	var flags []string
	if o.Arch != "" {
		flags = append(flags, "--gpu-architecture="+o.Arch)
	}

	if o.Std != "" {
		flags = append(flags, "--std="+o.Std)
	}

	if o.LineInfo {
		flags = append(flags, "--generate-line-info")
	}

	if o.DeviceDebug {
		flags = append(flags, "--device-debug")
	}

	if o.RelocatableDeviceCode {
		flags = append(flags, "--relocatable-device-code=true")
	}

	if o.FastMath {
		flags = append(flags, "--use_fast_math")
	}

	names := make([]string, 0, len(o.Defines))
	for name := range o.Defines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := o.Defines[name]; v != "" {
			flags = append(flags, fmt.Sprintf("--define-macro=%s=%s", name, v))
		} else {
			flags = append(flags, "--define-macro="+name)
		}
	}

	for _, dir := range o.IncludePaths {
		flags = append(flags, "--include-path="+dir)
	}

	return append(flags, o.Extra...)
}

// DecodeOptions converts a loosely typed map, such as one decoded from JSON,
// into CompileOptions. Unknown keys are rejected.
func DecodeOptions(m map[string]any) (CompileOptions, error) {
	var opts CompileOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}

	if err := decoder.Decode(m); err != nil {
		return opts, fmt.Errorf("%w: %s", ErrInvalidOption, strings.TrimSpace(err.Error()))
	}

	return opts, nil
}

// HasArch reports whether options already select a target architecture.
func HasArch(options []string) bool {
	for _, opt := range options {
		for _, prefix := range []string{"-arch", "--gpu-architecture"} {
			if opt == prefix || strings.HasPrefix(opt, prefix+"=") {
				return true
			}
		}
	}
	return false
}
