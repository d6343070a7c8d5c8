package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ActionType identifies one of the executable action kinds a rule may permit.
type ActionType string

const (
	ActionLabel       ActionType = "label"
	ActionArchive     ActionType = "archive"
	ActionDraft       ActionType = "draft_email"
	ActionReply       ActionType = "reply_email"
	ActionForward     ActionType = "forward_email"
	ActionMarkRead    ActionType = "mark_read"
	ActionWebhook     ActionType = "call_webhook"
	ActionTrackThread ActionType = "track_thread"
)

// KnownActionTypes lists every action type the executor can dispatch.
var KnownActionTypes = []ActionType{
	ActionLabel, ActionArchive, ActionDraft, ActionReply,
	ActionForward, ActionMarkRead, ActionWebhook, ActionTrackThread,
}

// IsKnownActionType reports whether t names a dispatchable action.
func IsKnownActionType(t ActionType) bool {
	for _, known := range KnownActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RuleAction is one action template belonging to a rule. Template fields
// may contain {{ instruction }} placeholders filled at execution time.
type RuleAction struct {
	ID              int64
	RuleID          int64
	Type            ActionType
	LabelTemplate   string
	SubjectTemplate string
	ContentTemplate string
	ToTemplate      string
	CCTemplate      string
	URLTemplate     string
	DelayMinutes    int
}

// Rule is a user-owned policy mapping natural-language matching
// instructions to a set of permitted actions.
type Rule struct {
	ID           int64
	UserID       int64
	Name         string
	Instructions string
	Automate     bool
	Enabled      bool
	Actions      []RuleAction
}

// ActionTypes returns the set of action types this rule permits.
func (r *Rule) ActionTypes() []ActionType {
	seen := make(map[ActionType]bool, len(r.Actions))
	types := make([]ActionType, 0, len(r.Actions))
	for _, a := range r.Actions {
		if !seen[a.Type] {
			seen[a.Type] = true
			types = append(types, a.Type)
		}
	}
	return types
}

// PermitsAction reports whether t is in the rule's declared action set.
func (r *Rule) PermitsAction(t ActionType) bool {
	for _, a := range r.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}

// GetEnabledRules returns the user's enabled rules with their action
// templates, ordered by rule ID.
func (d *Database) GetEnabledRules(ctx context.Context, userID int64) ([]*Rule, error) {
	rows, err := d.GetReadPool().Query(ctx, `
		SELECT id, user_id, name, instructions, automate, enabled
		FROM rules
		WHERE user_id = $1 AND enabled
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	byID := make(map[int64]*Rule)
	for rows.Next() {
		rule := &Rule{}
		if err := rows.Scan(&rule.ID, &rule.UserID, &rule.Name, &rule.Instructions, &rule.Automate, &rule.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
		byID[rule.ID] = rule
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return rules, nil
	}

	ids := make([]int64, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	actionRows, err := d.GetReadPool().Query(ctx, `
		SELECT id, rule_id, action_type, label_template, subject_template,
		       content_template, to_template, cc_template, url_template, delay_minutes
		FROM rule_actions
		WHERE rule_id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule actions: %w", err)
	}
	defer actionRows.Close()

	for actionRows.Next() {
		var a RuleAction
		if err := actionRows.Scan(&a.ID, &a.RuleID, &a.Type, &a.LabelTemplate, &a.SubjectTemplate,
			&a.ContentTemplate, &a.ToTemplate, &a.CCTemplate, &a.URLTemplate, &a.DelayMinutes); err != nil {
			return nil, fmt.Errorf("failed to scan rule action: %w", err)
		}
		if rule, ok := byID[a.RuleID]; ok {
			rule.Actions = append(rule.Actions, a)
		}
	}
	return rules, actionRows.Err()
}

// GetRule returns a single rule with its actions.
func (d *Database) GetRule(ctx context.Context, ruleID int64) (*Rule, error) {
	rule := &Rule{}
	err := d.GetReadPool().QueryRow(ctx, `
		SELECT id, user_id, name, instructions, automate, enabled
		FROM rules WHERE id = $1
	`, ruleID).Scan(&rule.ID, &rule.UserID, &rule.Name, &rule.Instructions, &rule.Automate, &rule.Enabled)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query rule %d: %w", ruleID, err)
	}

	rows, err := d.GetReadPool().Query(ctx, `
		SELECT id, rule_id, action_type, label_template, subject_template,
		       content_template, to_template, cc_template, url_template, delay_minutes
		FROM rule_actions WHERE rule_id = $1 ORDER BY id
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions for rule %d: %w", ruleID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a RuleAction
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Type, &a.LabelTemplate, &a.SubjectTemplate,
			&a.ContentTemplate, &a.ToTemplate, &a.CCTemplate, &a.URLTemplate, &a.DelayMinutes); err != nil {
			return nil, fmt.Errorf("failed to scan rule action: %w", err)
		}
		rule.Actions = append(rule.Actions, a)
	}
	return rule, rows.Err()
}

// CreateRule inserts a rule and its action templates.
func (d *Database) CreateRule(ctx context.Context, rule *Rule) error {
	tx, err := d.GetWritePool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO rules (user_id, name, instructions, automate, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, rule.UserID, rule.Name, rule.Instructions, rule.Automate, rule.Enabled).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	for i := range rule.Actions {
		a := &rule.Actions[i]
		a.RuleID = rule.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO rule_actions (rule_id, action_type, label_template, subject_template,
			                          content_template, to_template, cc_template, url_template, delay_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, a.RuleID, a.Type, a.LabelTemplate, a.SubjectTemplate, a.ContentTemplate,
			a.ToTemplate, a.CCTemplate, a.URLTemplate, a.DelayMinutes).Scan(&a.ID)
		if err != nil {
			return fmt.Errorf("failed to insert rule action: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SetRuleEnabled toggles a rule's enable state.
func (d *Database) SetRuleEnabled(ctx context.Context, ruleID int64, enabled bool) error {
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE rules SET enabled = $2, updated_at = now() WHERE id = $1
	`, ruleID, enabled)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", ruleID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule and, via cascade, its action templates.
func (d *Database) DeleteRule(ctx context.Context, ruleID int64) error {
	tag, err := d.GetWritePool().Exec(ctx, `DELETE FROM rules WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", ruleID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
