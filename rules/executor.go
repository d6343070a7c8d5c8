package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/mail"
	"github.com/migadu/mailflow/pkg/metrics"
)

// ErrNoPlan indicates there is no plan for the (user, thread) pair.
var ErrNoPlan = errors.New("no plan for this thread")

// Executor runs the full pipeline for a message: match, gate, and
// either execute the matched rule's actions or save a plan for the
// user to confirm.
type Executor struct {
	matcher     *Matcher
	generator   *ArgumentGenerator
	audit       AuditStore
	plans       PlanStore
	provider    mail.Provider
	webhooks    *mail.WebhookClient
	autoExecute bool
}

// NewExecutor wires the pipeline together. autoExecute is the global
// permission gate; when false every decision becomes a plan.
func NewExecutor(matcher *Matcher, generator *ArgumentGenerator, audit AuditStore,
	plans PlanStore, provider mail.Provider, webhooks *mail.WebhookClient, autoExecute bool) *Executor {
	return &Executor{
		matcher:     matcher,
		generator:   generator,
		audit:       audit,
		plans:       plans,
		provider:    provider,
		webhooks:    webhooks,
		autoExecute: autoExecute,
	}
}

// ProcessMessage matches the email against the user's rules and either
// executes the decision or saves it as a plan. Execution requires both
// the global auto-execute permission and either the rule's automate
// flag or the caller's force override.
func (e *Executor) ProcessMessage(ctx context.Context, userID int64, email *mail.ParsedEmail, userRules []*db.Rule, force bool) (*Decision, error) {
	// An inbound message on a tracked thread is the reply being waited
	// for; a no-op when the thread is untracked.
	if err := e.audit.ResolveTrackedThread(ctx, userID, email.ThreadID); err != nil {
		logger.Get().Warn("failed to resolve tracked thread",
			"user_id", userID, "thread_id", email.ThreadID, "error", err)
	}

	decision, err := e.matcher.Match(ctx, email, userRules)
	if err != nil || decision == nil {
		return nil, err
	}

	if !(e.autoExecute && (decision.Rule.Automate || force)) {
		e.plans.Save(userID, email.ThreadID, &Plan{
			UserID:    userID,
			ThreadID:  email.ThreadID,
			MessageID: email.MessageID,
			Rule:      decision.Rule,
			Action:    decision.Action,
			CreatedAt: time.Now(),
		})
		metrics.PlansCreated.Inc()
		decision.Planned = true
		logger.Get().Info("saved plan for confirmation",
			"user_id", userID, "thread_id", email.ThreadID,
			"rule_id", decision.Rule.ID, "action", decision.Action)
		return decision, nil
	}

	if err := e.execute(ctx, userID, email, decision.Rule, true); err != nil {
		return decision, err
	}
	return decision, nil
}

// ExecutePlan runs a previously saved plan after user confirmation.
// The original message is re-fetched so execution sees current state.
func (e *Executor) ExecutePlan(ctx context.Context, userID int64, threadID string) error {
	plan, ok := e.plans.Get(userID, threadID)
	if !ok {
		return ErrNoPlan
	}

	email, err := e.provider.GetMessage(ctx, plan.MessageID)
	if err != nil {
		return fmt.Errorf("failed to fetch planned message: %w", err)
	}
	return e.execute(ctx, userID, email, plan.Rule, false)
}

// RejectPlan discards a saved plan without executing it.
func (e *Executor) RejectPlan(userID int64, threadID string) error {
	if _, ok := e.plans.Get(userID, threadID); !ok {
		return ErrNoPlan
	}
	e.plans.Delete(userID, threadID)
	return nil
}

// execute generates template arguments, records the firing, and runs
// every action of the rule. Actions with a delay are recorded as
// scheduled instead of run inline. Duplicate triggers for the same
// (user, message, rule) are absorbed silently, except when the prior
// firing failed: the audit layer re-claims the record and the attempt
// runs again.
func (e *Executor) execute(ctx context.Context, userID int64, email *mail.ParsedEmail, rule *db.Rule, automated bool) error {
	log := logger.Get()

	values, err := e.generator.Generate(ctx, rule, email)
	if err != nil {
		return err
	}

	er := &db.ExecutedRule{
		UserID:    userID,
		RuleID:    rule.ID,
		MessageID: email.MessageID,
		ThreadID:  email.ThreadID,
		Automated: automated,
		Status:    db.StatusExecuting,
	}
	if err := e.audit.InsertExecutedRule(ctx, er); err != nil {
		if errors.Is(err, db.ErrDuplicateTrigger) {
			log.Info("rule already executed for this message, skipping",
				"user_id", userID, "rule_id", rule.ID, "message_id", email.MessageID)
			e.plans.Delete(userID, email.ThreadID)
			return nil
		}
		return err
	}

	for i, action := range rule.Actions {
		fields, err := resolveFields(action, values, i)
		if err != nil {
			e.markRuleFailed(ctx, er.ID)
			return err
		}
		args, err := json.Marshal(fields)
		if err != nil {
			e.markRuleFailed(ctx, er.ID)
			return fmt.Errorf("failed to encode action arguments: %w", err)
		}

		if action.DelayMinutes > 0 {
			at := time.Now().Add(time.Duration(action.DelayMinutes) * time.Minute)
			ea := &db.ExecutedAction{
				ExecutedRuleID: er.ID,
				UserID:         userID,
				Type:           action.Type,
				Args:           args,
				MessageID:      email.MessageID,
				ThreadID:       email.ThreadID,
				Status:         db.StatusScheduled,
				ScheduledAt:    &at,
			}
			if err := e.audit.InsertExecutedAction(ctx, ea); err != nil {
				e.markRuleFailed(ctx, er.ID)
				return err
			}
			metrics.ActionsExecuted.WithLabelValues(string(action.Type), "scheduled").Inc()
			log.Info("scheduled delayed action",
				"user_id", userID, "action_id", ea.ID, "action", action.Type,
				"scheduled_at", at.Format(time.RFC3339))
			continue
		}

		if err := e.perform(ctx, userID, email, action.Type, fields); err != nil {
			metrics.ActionsExecuted.WithLabelValues(string(action.Type), "failed").Inc()
			e.markRuleFailed(ctx, er.ID)
			return fmt.Errorf("action %s failed: %w", action.Type, err)
		}

		ea := &db.ExecutedAction{
			ExecutedRuleID: er.ID,
			UserID:         userID,
			Type:           action.Type,
			Args:           args,
			MessageID:      email.MessageID,
			ThreadID:       email.ThreadID,
			Status:         db.StatusExecuted,
		}
		if err := e.audit.InsertExecutedAction(ctx, ea); err != nil {
			log.Error("failed to record executed action",
				"user_id", userID, "action", action.Type, "error", err)
		}
		metrics.ActionsExecuted.WithLabelValues(string(action.Type), "executed").Inc()
	}

	if err := e.audit.UpdateExecutedRuleStatus(ctx, er.ID, db.StatusExecuted); err != nil {
		log.Error("failed to finalize executed rule", "executed_rule_id", er.ID, "error", err)
	}
	e.plans.Delete(userID, email.ThreadID)

	log.Info("executed rule", "user_id", userID, "rule_id", rule.ID,
		"message_id", email.MessageID, "automated", automated)
	return nil
}

// ExecuteScheduled runs one previously scheduled action. The original
// message is re-fetched so the action applies to current thread state.
func (e *Executor) ExecuteScheduled(ctx context.Context, ea *db.ExecutedAction) error {
	var fields ActionFields
	if len(ea.Args) > 0 {
		if err := json.Unmarshal(ea.Args, &fields); err != nil {
			return fmt.Errorf("scheduled action %d has malformed arguments: %w", ea.ID, err)
		}
	}

	email, err := e.provider.GetMessage(ctx, ea.MessageID)
	if err != nil {
		return fmt.Errorf("failed to fetch message for scheduled action %d: %w", ea.ID, err)
	}
	return e.perform(ctx, ea.UserID, email, ea.Type, fields)
}

func (e *Executor) markRuleFailed(ctx context.Context, executedRuleID int64) {
	if err := e.audit.UpdateExecutedRuleStatus(ctx, executedRuleID, db.StatusFailed); err != nil {
		logger.Get().Error("failed to mark executed rule failed",
			"executed_rule_id", executedRuleID, "error", err)
	}
}

// perform dispatches one resolved action to the provider.
func (e *Executor) perform(ctx context.Context, userID int64, email *mail.ParsedEmail, t db.ActionType, f ActionFields) error {
	switch t {
	case db.ActionLabel:
		return e.provider.LabelThread(ctx, email.ThreadID, f.Label)

	case db.ActionArchive:
		return e.provider.ArchiveThread(ctx, email.ThreadID)

	case db.ActionMarkRead:
		return e.provider.MarkThreadRead(ctx, email.ThreadID)

	case db.ActionDraft:
		return e.provider.CreateDraft(ctx, replyMessage(email, f))

	case db.ActionReply:
		return e.provider.SendMessage(ctx, replyMessage(email, f))

	case db.ActionForward:
		if f.To == "" {
			return fmt.Errorf("forward action has no recipient")
		}
		return e.provider.SendMessage(ctx, &mail.OutgoingMessage{
			To:      f.To,
			CC:      f.CC,
			Subject: prefixSubject("Fwd: ", email.Subject),
			Body:    forwardBody(email, f.Content),
		})

	case db.ActionWebhook:
		if f.URL == "" {
			return fmt.Errorf("webhook action has no URL")
		}
		return e.webhooks.Call(ctx, f.URL, map[string]any{
			"user_id":    userID,
			"message_id": email.MessageID,
			"thread_id":  email.ThreadID,
			"from":       email.From,
			"subject":    email.Subject,
			"content":    f.Content,
		})

	case db.ActionTrackThread:
		return e.audit.TrackThread(ctx, userID, email.ThreadID, f.RuleID)

	default:
		return fmt.Errorf("unknown action type %q", t)
	}
}

// replyMessage builds a reply (or reply draft) in the email's thread.
// An explicit To template overrides the usual reply address.
func replyMessage(email *mail.ParsedEmail, f ActionFields) *mail.OutgoingMessage {
	to := f.To
	if to == "" {
		to = replyAddress(email)
	}
	subject := f.Subject
	if subject == "" {
		subject = prefixSubject("Re: ", email.Subject)
	}
	return &mail.OutgoingMessage{
		ThreadID:   email.ThreadID,
		To:         to,
		CC:         f.CC,
		Subject:    subject,
		Body:       f.Content,
		InReplyTo:  email.MessageID,
		References: email.MessageID,
	}
}

func replyAddress(email *mail.ParsedEmail) string {
	if email.ReplyTo != "" {
		return email.ReplyTo
	}
	return email.From
}

func prefixSubject(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(strings.TrimSpace(prefix))) {
		return subject
	}
	return prefix + subject
}

func forwardBody(email *mail.ParsedEmail, note string) string {
	var b strings.Builder
	if note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	b.WriteString("---------- Forwarded message ----------\n")
	fmt.Fprintf(&b, "From: %s\n", email.From)
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	if !email.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", email.Date.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	b.WriteString("\n")
	b.WriteString(email.Body)
	return b.String()
}
