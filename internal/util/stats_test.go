package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{10 * 1024 * 1024, "10.0 MiB"},
	}

	for _, tc := range cases {
		got := FormatBytes(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Len(t, got, 8)
	}
}

func TestFormatBytesClampsToLargestUnit(t *testing.T) {
	got := FormatBytes(1 << 62)
	assert.Contains(t, got, "PiB")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "12345678", ShortID("1234567890"))
}
