package nvrtc

import (
	"fmt"
	"unicode/utf8"

	"github.com/ollama/cudartc/logutil"
)

// readSized runs the two-phase protocol shared by every variable-length
// output: ask for the exact length, allocate it, let the library fill it,
// then convert. A fresh buffer is allocated on every call.
func readSized[E, T any](output string, size func() (int, error), fill func([]E) error, interpret func([]E) (T, error)) (T, error) {
	var zero T

	n, err := size()
	if err != nil {
		return zero, err
	}

	if n < 0 {
		return zero, fmt.Errorf("nvrtc: %s reported negative size %d", output, n)
	}

	logutil.Trace("reading native output", "output", output, "size", n)

	buf := make([]E, n)
	if n > 0 {
		if err := fill(buf); err != nil {
			return zero, err
		}
	}

	v, err := interpret(buf)
	if err != nil {
		return zero, fmt.Errorf("%w (%s)", err, output)
	}

	return v, nil
}

// asText drops the terminator the library appends to text outputs. Only the
// final byte is cut; anything before it is kept as reported. An empty buffer
// is an empty string.
func asText(buf []byte) (string, error) {
	if n := len(buf); n > 0 && buf[n-1] == 0 {
		buf = buf[:n-1]
	}

	if !utf8.Valid(buf) {
		return "", ErrInvalidText
	}

	return string(buf), nil
}

// asBytes returns binary outputs untouched; they carry no terminator.
func asBytes(buf []byte) ([]byte, error) {
	return buf, nil
}

func asInts(buf []int32) ([]int, error) {
	out := make([]int, len(buf))
	for i, v := range buf {
		out[i] = int(v)
	}
	return out, nil
}
