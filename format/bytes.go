package format

import (
	"fmt"
	"math"
)

const (
	Byte = 1

	KibiByte = Byte * 1024
	MebiByte = KibiByte * 1024
	GibiByte = MebiByte * 1024
)

// HumanBytes formats artifact and log sizes with binary units.
func HumanBytes(b int64) string {
	var value float64
	var unit string

	switch {
	case b >= GibiByte:
		value, unit = float64(b)/GibiByte, "GiB"
	case b >= MebiByte:
		value, unit = float64(b)/MebiByte, "MiB"
	case b >= KibiByte:
		value, unit = float64(b)/KibiByte, "KiB"
	default:
		return fmt.Sprintf("%d B", b)
	}

	switch {
	case value >= 10 || value == math.Floor(value):
		return fmt.Sprintf("%d %s", int(value), unit)
	default:
		return fmt.Sprintf("%.1f %s", value, unit)
	}
}
