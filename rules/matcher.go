package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/migadu/mailflow/ai"
	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/mail"
	"github.com/migadu/mailflow/pkg/metrics"
)

// maxMatchBodyChars bounds how much of the email body is sent to the
// completion engine for matching.
const maxMatchBodyChars = 6000

var actionDescriptions = map[db.ActionType]string{
	db.ActionLabel:       "Apply a label to the email's thread.",
	db.ActionArchive:     "Archive the email's thread, removing it from the inbox.",
	db.ActionDraft:       "Create a draft reply in the email's thread for the user to review.",
	db.ActionReply:       "Send a reply in the email's thread.",
	db.ActionForward:     "Forward the email to another recipient.",
	db.ActionMarkRead:    "Mark the email's thread as read.",
	db.ActionWebhook:     "Notify an external endpoint about the email.",
	db.ActionTrackThread: "Track the thread and watch for a reply.",
}

// Matcher decides which of a user's rules, if any, applies to a message.
type Matcher struct {
	engine ai.Engine
}

// NewMatcher creates a matcher backed by the given completion engine.
func NewMatcher(engine ai.Engine) *Matcher {
	return &Matcher{engine: engine}
}

// matchArgs is the decoded, validated form of a matcher function call.
// Decoding rejects anything outside the offered rule list so the caller
// never acts on an invented decision.
type matchArgs struct {
	RuleNumber int `json:"rule_number"`
}

// Match presents the email and the user's enabled rules to the engine
// and returns the chosen rule and action. Both a declined call and an
// invalid decision return (nil, nil); invalid decisions are dropped,
// never substituted.
func (m *Matcher) Match(ctx context.Context, email *mail.ParsedEmail, userRules []*db.Rule) (*Decision, error) {
	log := logger.Get()

	enabled := make([]*db.Rule, 0, len(userRules))
	for _, r := range userRules {
		if r.Enabled && len(r.Actions) > 0 {
			enabled = append(enabled, r)
		}
	}
	if len(enabled) == 0 {
		return nil, nil
	}

	functions := buildMatchFunctions(enabled)
	req := ai.FunctionRequest{
		System:    buildMatchSystemPrompt(enabled),
		Messages:  []ai.Message{{Role: "user", Content: renderEmail(email, maxMatchBodyChars)}},
		Functions: functions,
	}

	call, err := m.engine.CompleteWithFunctions(ctx, req)
	if err != nil {
		if errors.Is(err, ai.ErrNoFunctionCall) {
			metrics.RuleMatchDecisions.WithLabelValues("no_match").Inc()
			return nil, nil
		}
		// Arguments failing schema validation are the engine's mistake,
		// not a transport failure; drop the decision like any other
		// invalid one.
		if errors.Is(err, ai.ErrInvalidFunctionArgs) {
			log.Warn("dropping rule decision with arguments failing validation",
				"thread_id", email.ThreadID, "error", err)
			metrics.RuleMatchDecisions.WithLabelValues("invalid").Inc()
			return nil, nil
		}
		metrics.RuleMatchDecisions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("rule matching failed: %w", err)
	}

	actionType := db.ActionType(call.Name)
	var args matchArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		log.Warn("dropping rule decision with malformed arguments",
			"thread_id", email.ThreadID, "action", call.Name, "error", err)
		metrics.RuleMatchDecisions.WithLabelValues("invalid").Inc()
		return nil, nil
	}

	if args.RuleNumber < 1 || args.RuleNumber > len(enabled) {
		log.Warn("dropping rule decision with out-of-range rule number",
			"thread_id", email.ThreadID, "action", call.Name, "rule_number", args.RuleNumber)
		metrics.RuleMatchDecisions.WithLabelValues("invalid").Inc()
		return nil, nil
	}

	rule := enabled[args.RuleNumber-1]
	if !rule.PermitsAction(actionType) {
		log.Warn("dropping rule decision with action outside the rule's set",
			"thread_id", email.ThreadID, "rule_id", rule.ID, "action", call.Name)
		metrics.RuleMatchDecisions.WithLabelValues("invalid").Inc()
		return nil, nil
	}

	metrics.RuleMatchDecisions.WithLabelValues("matched").Inc()
	return &Decision{Rule: rule, Action: actionType}, nil
}

// buildMatchFunctions exposes one function per action type permitted by
// at least one rule, in a stable order.
func buildMatchFunctions(enabled []*db.Rule) []ai.FunctionDefinition {
	permitted := make(map[db.ActionType]bool)
	for _, r := range enabled {
		for _, t := range r.ActionTypes() {
			permitted[t] = true
		}
	}

	functions := make([]ai.FunctionDefinition, 0, len(permitted))
	for _, t := range db.KnownActionTypes {
		if !permitted[t] {
			continue
		}
		functions = append(functions, ai.FunctionDefinition{
			Name:        string(t),
			Description: actionDescriptions[t],
			Parameters: ai.ObjectSchema(map[string]*ai.Schema{
				"rule_number": {
					Type:        "integer",
					Description: "Number of the matching rule from the numbered list.",
				},
			}),
		})
	}
	return functions
}

func buildMatchSystemPrompt(enabled []*db.Rule) string {
	var b strings.Builder
	b.WriteString("You are an email automation assistant. Decide whether the incoming email matches one of the user's rules below.\n")
	b.WriteString("If a rule matches, call the function named after one of that rule's permitted actions, passing the rule's number.\n")
	b.WriteString("If no rule matches, do not call any function.\n\nRules:\n")
	for i, r := range enabled {
		types := r.ActionTypes()
		names := make([]string, len(types))
		for j, t := range types {
			names[j] = string(t)
		}
		fmt.Fprintf(&b, "%d. %s: %s (permitted actions: %s)\n", i+1, r.Name, r.Instructions, strings.Join(names, ", "))
	}
	return b.String()
}

// renderEmail formats a message for a prompt, truncating the body on a
// rune boundary so a multi-byte character is never split.
func renderEmail(email *mail.ParsedEmail, maxBody int) string {
	body := email.Body
	if len(body) > maxBody {
		cut := maxBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "\n[truncated]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", email.From)
	if email.ReplyTo != "" && email.ReplyTo != email.From {
		fmt.Fprintf(&b, "Reply-To: %s\n", email.ReplyTo)
	}
	if email.To != "" {
		fmt.Fprintf(&b, "To: %s\n", email.To)
	}
	if email.CC != "" {
		fmt.Fprintf(&b, "Cc: %s\n", email.CC)
	}
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	if !email.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", email.Date.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	b.WriteString("\n")
	b.WriteString(body)
	return b.String()
}
