package db

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"lukechampine.com/blake3"
)

// ActionStatus is the lifecycle state of an audit record.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusSkipped   ActionStatus = "skipped"
	StatusScheduled ActionStatus = "scheduled"
	StatusExecuting ActionStatus = "executing"
	StatusExecuted  ActionStatus = "executed"
	StatusFailed    ActionStatus = "failed"
	StatusCancelled ActionStatus = "cancelled"
)

// ExecutedRule is the durable audit record for one rule firing on one message.
type ExecutedRule struct {
	ID          int64
	UserID      int64
	RuleID      int64
	MessageID   string
	ThreadID    string
	TriggerHash string
	Automated   bool
	Status      ActionStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutedAction is the durable audit record for one committed or
// scheduled action within an executed rule.
type ExecutedAction struct {
	ID             int64
	ExecutedRuleID int64
	UserID         int64
	Type           ActionType
	Args           json.RawMessage
	MessageID      string
	ThreadID       string
	Status         ActionStatus
	ScheduledAt    *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TriggerHash derives the idempotency key for one (user, message, rule)
// trigger. The unique index on executed_rules.trigger_hash makes
// re-delivered events for the same message unable to double-execute.
func TriggerHash(userID int64, messageID string, ruleID int64) string {
	sum := blake3.Sum256(fmt.Appendf(nil, "%d\x00%s\x00%d", userID, messageID, ruleID))
	return hex.EncodeToString(sum[:])
}

// InsertExecutedRule writes the audit record for a rule firing. Returns
// ErrDuplicateTrigger when the same trigger already reached execution;
// a prior FAILED firing is re-claimed instead, so callers can retry
// after a provider failure without the dedup swallowing the attempt.
func (d *Database) InsertExecutedRule(ctx context.Context, er *ExecutedRule) error {
	if er.TriggerHash == "" {
		er.TriggerHash = TriggerHash(er.UserID, er.MessageID, er.RuleID)
	}
	err := d.GetWritePool().QueryRow(ctx, `
		INSERT INTO executed_rules (user_id, rule_id, message_id, thread_id, trigger_hash, automated, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trigger_hash) DO UPDATE
		SET status = EXCLUDED.status, automated = EXCLUDED.automated, updated_at = now()
		WHERE executed_rules.status = 'failed'
		RETURNING id, created_at
	`, er.UserID, er.RuleID, er.MessageID, er.ThreadID, er.TriggerHash, er.Automated, er.Status).Scan(&er.ID, &er.CreatedAt)
	if err == pgx.ErrNoRows {
		return ErrDuplicateTrigger
	}
	if err != nil {
		return fmt.Errorf("failed to insert executed rule: %w", err)
	}
	return nil
}

// InsertExecutedAction writes the audit record for one action.
func (d *Database) InsertExecutedAction(ctx context.Context, ea *ExecutedAction) error {
	args := ea.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	err := d.GetWritePool().QueryRow(ctx, `
		INSERT INTO executed_actions (executed_rule_id, user_id, action_type, args, message_id, thread_id, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, ea.ExecutedRuleID, ea.UserID, ea.Type, args, ea.MessageID, ea.ThreadID, ea.Status, ea.ScheduledAt).Scan(&ea.ID, &ea.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert executed action: %w", err)
	}
	return nil
}

// UpdateExecutedRuleStatus moves an executed rule to a new status.
func (d *Database) UpdateExecutedRuleStatus(ctx context.Context, id int64, status ActionStatus) error {
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE executed_rules SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update executed rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecutedAction fetches one action audit record.
func (d *Database) GetExecutedAction(ctx context.Context, id int64) (*ExecutedAction, error) {
	ea := &ExecutedAction{}
	err := d.GetReadPool().QueryRow(ctx, `
		SELECT id, executed_rule_id, user_id, action_type, args, message_id, thread_id,
		       status, scheduled_at, COALESCE(last_error, ''), created_at, updated_at
		FROM executed_actions WHERE id = $1
	`, id).Scan(&ea.ID, &ea.ExecutedRuleID, &ea.UserID, &ea.Type, &ea.Args, &ea.MessageID,
		&ea.ThreadID, &ea.Status, &ea.ScheduledAt, &ea.LastError, &ea.CreatedAt, &ea.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query executed action %d: %w", id, err)
	}
	return ea, nil
}

// ListExecutedRules returns a user's most recent audit records.
func (d *Database) ListExecutedRules(ctx context.Context, userID int64, limit int) ([]ExecutedRule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.GetReadPool().Query(ctx, `
		SELECT id, user_id, COALESCE(rule_id, 0), message_id, thread_id, trigger_hash,
		       automated, status, created_at, updated_at
		FROM executed_rules
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executed rules: %w", err)
	}
	defer rows.Close()

	var records []ExecutedRule
	for rows.Next() {
		var er ExecutedRule
		if err := rows.Scan(&er.ID, &er.UserID, &er.RuleID, &er.MessageID, &er.ThreadID,
			&er.TriggerHash, &er.Automated, &er.Status, &er.CreatedAt, &er.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan executed rule: %w", err)
		}
		records = append(records, er)
	}
	return records, rows.Err()
}

// ListExecutedActions returns the actions belonging to an executed rule.
func (d *Database) ListExecutedActions(ctx context.Context, executedRuleID int64) ([]ExecutedAction, error) {
	rows, err := d.GetReadPool().Query(ctx, `
		SELECT id, executed_rule_id, user_id, action_type, args, message_id, thread_id,
		       status, scheduled_at, COALESCE(last_error, ''), created_at, updated_at
		FROM executed_actions
		WHERE executed_rule_id = $1
		ORDER BY id
	`, executedRuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executed actions: %w", err)
	}
	defer rows.Close()

	var actions []ExecutedAction
	for rows.Next() {
		var ea ExecutedAction
		if err := rows.Scan(&ea.ID, &ea.ExecutedRuleID, &ea.UserID, &ea.Type, &ea.Args, &ea.MessageID,
			&ea.ThreadID, &ea.Status, &ea.ScheduledAt, &ea.LastError, &ea.CreatedAt, &ea.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan executed action: %w", err)
		}
		actions = append(actions, ea)
	}
	return actions, rows.Err()
}

// TrackThread records a thread as awaiting a reply. Re-tracking an
// already tracked thread resets its state.
func (d *Database) TrackThread(ctx context.Context, userID int64, threadID string, ruleID int64) error {
	_, err := d.GetWritePool().Exec(ctx, `
		INSERT INTO tracked_threads (user_id, thread_id, rule_id)
		VALUES ($1, $2, NULLIF($3, 0))
		ON CONFLICT (user_id, thread_id) DO UPDATE SET
			awaiting_reply = TRUE,
			resolved_at = NULL,
			rule_id = EXCLUDED.rule_id
	`, userID, threadID, ruleID)
	if err != nil {
		return fmt.Errorf("failed to track thread: %w", err)
	}
	return nil
}

// ResolveTrackedThread marks a tracked thread as no longer awaiting a reply.
func (d *Database) ResolveTrackedThread(ctx context.Context, userID int64, threadID string) error {
	_, err := d.GetWritePool().Exec(ctx, `
		UPDATE tracked_threads
		SET awaiting_reply = FALSE, resolved_at = now()
		WHERE user_id = $1 AND thread_id = $2 AND awaiting_reply
	`, userID, threadID)
	if err != nil {
		return fmt.Errorf("failed to resolve tracked thread: %w", err)
	}
	return nil
}
