package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/mailflow/ai"
	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/mail"
	"github.com/migadu/mailflow/pkg/metrics"
	"github.com/migadu/mailflow/pkg/retry"
)

const argFillSystemPrompt = "You are an email automation assistant. " +
	"Generate the requested values for the user's email rule. " +
	"Each value fulfils one instruction, in the context of the email and the rule shown. " +
	"Return only the requested values."

// fieldTemplate pairs an action field name with its parsed template.
type fieldTemplate struct {
	field string
	tmpl  Template
}

// actionTemplates parses every template field of an action, in a fixed
// order so generated values map back deterministically.
func actionTemplates(a db.RuleAction) []fieldTemplate {
	fields := []struct {
		name  string
		value string
	}{
		{"label", a.LabelTemplate},
		{"subject", a.SubjectTemplate},
		{"content", a.ContentTemplate},
		{"to", a.ToTemplate},
		{"cc", a.CCTemplate},
		{"url", a.URLTemplate},
	}

	parsed := make([]fieldTemplate, 0, len(fields))
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		parsed = append(parsed, fieldTemplate{field: f.name, tmpl: ParseTemplate(f.value)})
	}
	return parsed
}

// groupKey names the schema group holding one field's generated values.
func groupKey(actionIndex int, field string) string {
	return fmt.Sprintf("action_%d_%s", actionIndex, field)
}

// GeneratedValues maps a group key to the ordered values for that
// field's placeholders.
type GeneratedValues map[string][]string

// ArgumentGenerator produces values for the {{ instruction }}
// placeholders of a rule's action templates in a single engine call.
type ArgumentGenerator struct {
	engine ai.Engine
	policy retry.Policy
}

// NewArgumentGenerator creates a generator that retries schema
// violations up to maxRetries times with a fixed delay. Transport
// errors are never retried here; callers own that policy.
func NewArgumentGenerator(engine ai.Engine, maxRetries int, retryDelay time.Duration) *ArgumentGenerator {
	if maxRetries < 1 {
		maxRetries = 3
	}
	policy := retry.FixedPolicy(maxRetries, retryDelay)
	policy.Retryable = func(err error) bool {
		return errors.Is(err, ai.ErrInvalidFunctionArgs)
	}
	return &ArgumentGenerator{engine: engine, policy: policy}
}

// Generate fills every placeholder across all of the rule's action
// templates. Rules without placeholders return an empty map without
// calling the engine.
func (g *ArgumentGenerator) Generate(ctx context.Context, rule *db.Rule, email *mail.ParsedEmail) (GeneratedValues, error) {
	groups := make(map[string]*ai.Schema)
	promptCounts := make(map[string]int)
	for i, action := range rule.Actions {
		for _, ft := range actionTemplates(action) {
			if !ft.tmpl.HasPrompts() {
				continue
			}
			props := make(map[string]*ai.Schema, len(ft.tmpl.AIPrompts))
			for j, prompt := range ft.tmpl.AIPrompts {
				props[fmt.Sprintf("var%d", j+1)] = &ai.Schema{
					Type:        "string",
					Description: "fulfil instruction: " + prompt,
				}
			}
			key := groupKey(i, ft.field)
			groups[key] = ai.ObjectSchema(props)
			promptCounts[key] = len(ft.tmpl.AIPrompts)
		}
	}
	if len(groups) == 0 {
		return GeneratedValues{}, nil
	}

	req := ai.StructuredRequest{
		System: argFillSystemPrompt,
		Prompt: fmt.Sprintf("Rule: %s\nRule instructions: %s\n\nEmail:\n%s",
			rule.Name, rule.Instructions, renderEmail(email, maxMatchBodyChars)),
		Name:   "generate_action_arguments",
		Schema: ai.ObjectSchema(groups),
	}

	var raw json.RawMessage
	attempt := 0
	err := retry.Do(ctx, g.policy, func() error {
		attempt++
		if attempt > 1 {
			metrics.ArgumentGenerationRetries.Inc()
			logger.Get().Debug("retrying argument generation",
				"rule_id", rule.ID, "attempt", attempt)
		}
		var callErr error
		raw, callErr = g.engine.CompleteStructured(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("argument generation for rule %d failed: %w", rule.ID, err)
	}

	var decoded map[string]map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("argument generation for rule %d returned malformed values: %w", rule.ID, err)
	}

	values := make(GeneratedValues, len(groups))
	for key, count := range promptCounts {
		group := decoded[key]
		ordered := make([]string, count)
		for j := 0; j < count; j++ {
			ordered[j] = group[fmt.Sprintf("var%d", j+1)]
		}
		values[key] = ordered
	}
	return values, nil
}

// resolveFields fills an action's templates with generated values,
// producing the concrete field set to execute with.
func resolveFields(action db.RuleAction, values GeneratedValues, actionIndex int) (ActionFields, error) {
	fields := ActionFields{RuleID: action.RuleID}
	for _, ft := range actionTemplates(action) {
		filled, err := ft.tmpl.Fill(values[groupKey(actionIndex, ft.field)])
		if err != nil {
			return ActionFields{}, fmt.Errorf("filling %s template of action %d: %w", ft.field, actionIndex, err)
		}
		switch ft.field {
		case "label":
			fields.Label = filled
		case "subject":
			fields.Subject = filled
		case "content":
			fields.Content = filled
		case "to":
			fields.To = filled
		case "cc":
			fields.CC = filled
		case "url":
			fields.URL = filled
		}
	}
	return fields, nil
}
