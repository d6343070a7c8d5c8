package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		fixedParts []string
		prompts    []string
	}{
		{
			name:       "no placeholders",
			input:      "Thanks for reaching out!",
			fixedParts: []string{"Thanks for reaching out!"},
			prompts:    nil,
		},
		{
			name:       "empty string",
			input:      "",
			fixedParts: []string{""},
			prompts:    nil,
		},
		{
			name:       "reply template",
			input:      "Dear {{write an appropriate greeting}},\n\n{{draft a response}}\n\nBest",
			fixedParts: []string{"Dear ", ",\n\n", "\n\nBest"},
			prompts:    []string{"write an appropriate greeting", "draft a response"},
		},
		{
			name:       "placeholder at start and end",
			input:      "{{greeting}} and {{closing}}",
			fixedParts: []string{"", " and ", ""},
			prompts:    []string{"greeting", "closing"},
		},
		{
			name:       "adjacent placeholders",
			input:      "{{first}}{{second}}",
			fixedParts: []string{"", "", ""},
			prompts:    []string{"first", "second"},
		},
		{
			name:       "multi-line instruction",
			input:      "{{summarize the email\nin two sentences}}",
			fixedParts: []string{"", ""},
			prompts:    []string{"summarize the email\nin two sentences"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := ParseTemplate(tt.input)
			assert.Equal(t, tt.fixedParts, tmpl.FixedParts)
			if len(tt.prompts) == 0 {
				assert.Empty(t, tmpl.AIPrompts)
			} else {
				assert.Equal(t, tt.prompts, tmpl.AIPrompts)
			}
			// Parsing always yields one more fixed part than prompts.
			assert.Equal(t, len(tmpl.AIPrompts)+1, len(tmpl.FixedParts))
		})
	}
}

func TestTemplateFill(t *testing.T) {
	tmpl := ParseTemplate("Dear {{write an appropriate greeting}},\n\n{{draft a response}}\n\nBest")

	filled, err := tmpl.Fill([]string{"Dr. Chen", "Thank you for the update."})
	require.NoError(t, err)
	assert.Equal(t, "Dear Dr. Chen,\n\nThank you for the update.\n\nBest", filled)
}

func TestTemplateFillValueCountMismatch(t *testing.T) {
	tmpl := ParseTemplate("Hello {{greeting}}")

	_, err := tmpl.Fill(nil)
	assert.Error(t, err)

	_, err = tmpl.Fill([]string{"one", "two"})
	assert.Error(t, err)
}

func TestTemplateFillWithoutPlaceholders(t *testing.T) {
	tmpl := ParseTemplate("static text")
	require.False(t, tmpl.HasPrompts())

	filled, err := tmpl.Fill(nil)
	require.NoError(t, err)
	assert.Equal(t, "static text", filled)
}
