package db

import (
	"context"
	"fmt"
	"time"
)

// AcquireDueScheduledActions claims up to limit actions whose due time
// has passed. The claim is a conditional SCHEDULED -> EXECUTING
// transition guarded by FOR UPDATE SKIP LOCKED, so concurrent sweeps
// can never claim the same action twice.
func (d *Database) AcquireDueScheduledActions(ctx context.Context, limit int) ([]ExecutedAction, error) {
	rows, err := d.GetWritePool().Query(ctx, `
		WITH due AS (
			SELECT id FROM executed_actions
			WHERE status = 'scheduled' AND scheduled_at <= now()
			ORDER BY scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE executed_actions ea
		SET status = 'executing', updated_at = now()
		FROM due
		WHERE ea.id = due.id AND ea.status = 'scheduled'
		RETURNING ea.id, ea.executed_rule_id, ea.user_id, ea.action_type, ea.args,
		          ea.message_id, ea.thread_id, ea.status, ea.scheduled_at,
		          COALESCE(ea.last_error, ''), ea.created_at, ea.updated_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire due scheduled actions: %w", err)
	}
	defer rows.Close()

	var claimed []ExecutedAction
	for rows.Next() {
		var ea ExecutedAction
		if err := rows.Scan(&ea.ID, &ea.ExecutedRuleID, &ea.UserID, &ea.Type, &ea.Args,
			&ea.MessageID, &ea.ThreadID, &ea.Status, &ea.ScheduledAt,
			&ea.LastError, &ea.CreatedAt, &ea.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claimed action: %w", err)
		}
		claimed = append(claimed, ea)
	}
	return claimed, rows.Err()
}

// CompleteScheduledAction transitions a claimed action to EXECUTED.
func (d *Database) CompleteScheduledAction(ctx context.Context, id int64) error {
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE executed_actions
		SET status = 'executed', updated_at = now()
		WHERE id = $1 AND status = 'executing'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete scheduled action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// FailScheduledAction transitions a claimed action to FAILED with the
// error recorded for later manual retry. The owning rule's status is
// not cascaded; sibling actions may have succeeded independently.
func (d *Database) FailScheduledAction(ctx context.Context, id int64, cause string) error {
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE executed_actions
		SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'executing'
	`, id, cause)
	if err != nil {
		return fmt.Errorf("failed to fail scheduled action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// CancelScheduledAction cancels an action that has not yet been claimed.
// Cancelling an action that is already executing (or finished) returns
// ErrNotClaimable; the in-flight execution runs to completion.
func (d *Database) CancelScheduledAction(ctx context.Context, id int64, userID int64) error {
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE executed_actions
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status = 'scheduled'
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel scheduled action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// RescheduleAction moves an unclaimed action's due time. This is the
// SCHEDULED -> SCHEDULED transition; claimed actions cannot move.
func (d *Database) RescheduleAction(ctx context.Context, id int64, userID int64, at time.Time) error {
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE executed_actions
		SET scheduled_at = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status = 'scheduled'
	`, id, userID, at)
	if err != nil {
		return fmt.Errorf("failed to reschedule action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// CountScheduledActions returns the number of actions awaiting execution.
func (d *Database) CountScheduledActions(ctx context.Context) (int64, error) {
	var count int64
	err := d.GetReadPool().QueryRow(ctx, `
		SELECT count(*) FROM executed_actions WHERE status = 'scheduled'
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count scheduled actions: %w", err)
	}
	return count, nil
}
