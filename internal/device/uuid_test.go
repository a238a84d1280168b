package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "short form", input: "fff0", expected: "fff0"},
		{name: "short form uppercase", input: "FFF4", expected: "fff4"},
		{name: "hex prefix", input: "0xFFF1", expected: "fff1"},
		{name: "surrounding whitespace", input: "  fff5 ", expected: "fff5"},
		{name: "SIG base with dashes", input: "0000fff0-0000-1000-8000-00805f9b34fb", expected: "fff0"},
		{name: "SIG base uppercase without dashes", input: "0000FFF200001000800000805F9B34FB", expected: "fff2"},
		{name: "vendor 128-bit keeps full form", input: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{name: "SIG suffix with non-zero prefix", input: "AA00fff0-0000-1000-8000-00805f9b34fb", expected: "aa00fff000001000800000805f9b34fb"},
		{name: "32-bit form untouched", input: "0000fff0", expected: "0000fff0"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"FFF1", "0xfff2", "0000fff4-0000-1000-8000-00805f9b34fb"})
	assert.Equal(t, []string{"fff1", "fff2", "fff4"}, got)
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("a4:c1:38:00:11:22", "A4:C1:38:00:11:22 "))
	assert.False(t, SameAddress("a4:c1:38:00:11:22", "a4:c1:38:00:11:23"))
}
