package format

import (
	"testing"
	"time"
)

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{10 * 1024, "10 KiB"},
		{1048575, "1023 KiB"},
		{1048576, "1 MiB"},
		{1572864, "1.5 MiB"},
		{3 * 1024 * 1024 * 1024, "3 GiB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanBytes(tc.input); got != tc.expected {
				t.Errorf("HumanBytes(%d) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "<1ms"},
		{340 * time.Millisecond, "340ms"},
		{1250 * time.Millisecond, "1.2s"},
		{59 * time.Second, "59.0s"},
		{90 * time.Second, "1m30s"},
		{10*time.Minute + 4*time.Second, "10m04s"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanDuration(tc.input); got != tc.expected {
				t.Errorf("HumanDuration(%v) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}
