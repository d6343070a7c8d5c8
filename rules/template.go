package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches {{ instruction }} spans non-greedily.
// Instructions may span multiple lines but may not nest.
var placeholderPattern = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)

// Template is a parsed action field template: an alternation of fixed
// text and AI instructions. Invariant:
// len(FixedParts) == len(AIPrompts) + 1.
type Template struct {
	FixedParts []string
	AIPrompts  []string
}

// ParseTemplate splits a template string into fixed parts and AI
// prompts. A string without placeholders yields one fixed part and no
// prompts. Adjacent placeholders produce an empty fixed part between
// them.
func ParseTemplate(s string) Template {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)

	t := Template{
		FixedParts: make([]string, 0, len(matches)+1),
		AIPrompts:  make([]string, 0, len(matches)),
	}

	last := 0
	for _, m := range matches {
		t.FixedParts = append(t.FixedParts, s[last:m[0]])
		t.AIPrompts = append(t.AIPrompts, strings.TrimSpace(s[m[2]:m[3]]))
		last = m[1]
	}
	t.FixedParts = append(t.FixedParts, s[last:])

	return t
}

// HasPrompts reports whether the template needs AI-generated values.
func (t Template) HasPrompts() bool {
	return len(t.AIPrompts) > 0
}

// Fill interleaves generated values with the fixed parts:
// FixedParts[0] + values[0] + FixedParts[1] + ... + FixedParts[n].
func (t Template) Fill(values []string) (string, error) {
	if len(values) != len(t.AIPrompts) {
		return "", fmt.Errorf("template needs %d values, got %d", len(t.AIPrompts), len(values))
	}

	var b strings.Builder
	b.WriteString(t.FixedParts[0])
	for i, v := range values {
		b.WriteString(v)
		b.WriteString(t.FixedParts[i+1])
	}
	return b.String(), nil
}
