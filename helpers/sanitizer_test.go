package helpers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "valid string untouched",
			input:    "plain text with unicode: héllo wörld",
			expected: "plain text with unicode: héllo wörld",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "NULL bytes removed",
			input:    "before\x00after",
			expected: "beforeafter",
		},
		{
			name:     "multiple NULL bytes",
			input:    "\x00a\x00b\x00",
			expected: "ab",
		},
		{
			name:     "invalid UTF-8 byte dropped",
			input:    "ok\xffstill ok",
			expected: "okstill ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeUTF8(tt.input))
		})
	}
}

func TestSanitizeUTF8LongBody(t *testing.T) {
	body := strings.Repeat("line\x00\n", 1000)
	out := SanitizeUTF8(body)
	assert.NotContains(t, out, "\x00")
	assert.Equal(t, strings.Repeat("line\n", 1000), out)
}
