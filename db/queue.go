package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueJob is one unit of work in the distributed dispatch queue. Jobs
// for the same user key run with limited parallelism to respect
// third-party rate limits.
type QueueJob struct {
	ID         uuid.UUID
	UserKey    string
	Kind       string
	Payload    json.RawMessage
	Status     string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// EnqueueJobs inserts a batch of jobs in a single transaction.
func (d *Database) EnqueueJobs(ctx context.Context, jobs []QueueJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := d.GetWritePool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range jobs {
		job := &jobs[i]
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		payload := job.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_jobs (id, user_key, kind, payload)
			VALUES ($1, $2, $3, $4)
		`, job.ID, job.UserKey, job.Kind, payload); err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ClaimQueueJobs claims up to limit pending jobs while keeping at most
// perKeyLimit jobs running per user key. Claims use FOR UPDATE SKIP
// LOCKED so concurrent pollers never double-claim.
func (d *Database) ClaimQueueJobs(ctx context.Context, perKeyLimit, limit int) ([]QueueJob, error) {
	rows, err := d.GetWritePool().Query(ctx, `
		WITH running AS (
			SELECT user_key, count(*) AS active
			FROM queue_jobs
			WHERE status = 'running'
			GROUP BY user_key
		), next AS (
			SELECT j.id
			FROM queue_jobs j
			LEFT JOIN running r ON r.user_key = j.user_key
			WHERE j.status = 'pending' AND COALESCE(r.active, 0) < $1
			ORDER BY j.created_at ASC
			LIMIT $2
			FOR UPDATE OF j SKIP LOCKED
		)
		UPDATE queue_jobs q
		SET status = 'running', started_at = now(), attempts = attempts + 1
		FROM next
		WHERE q.id = next.id AND q.status = 'pending'
		RETURNING q.id, q.user_key, q.kind, q.payload, q.status, q.attempts,
		          COALESCE(q.last_error, ''), q.created_at, q.started_at, q.finished_at
	`, perKeyLimit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue jobs: %w", err)
	}
	defer rows.Close()

	var claimed []QueueJob
	for rows.Next() {
		var job QueueJob
		if err := rows.Scan(&job.ID, &job.UserKey, &job.Kind, &job.Payload, &job.Status,
			&job.Attempts, &job.LastError, &job.CreatedAt, &job.StartedAt, &job.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		claimed = append(claimed, job)
	}
	return claimed, rows.Err()
}

// CompleteQueueJob marks a running job as done.
func (d *Database) CompleteQueueJob(ctx context.Context, id uuid.UUID) error {
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE queue_jobs SET status = 'done', finished_at = now()
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete queue job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// FailQueueJob records a job failure. Jobs below maxAttempts return to
// pending for another try; exhausted jobs are marked failed.
func (d *Database) FailQueueJob(ctx context.Context, id uuid.UUID, cause string, maxAttempts int) error {
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE queue_jobs
		SET status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
		    last_error = $2,
		    finished_at = CASE WHEN attempts >= $3 THEN now() ELSE NULL END
		WHERE id = $1 AND status = 'running'
	`, id, cause, maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to fail queue job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// RequeueStuckJobs returns jobs stuck in running state (e.g. after a
// crash) back to pending once they exceed the given age.
func (d *Database) RequeueStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).UTC()
	tag, err := d.GetWritePool().Exec(ctx, `
		UPDATE queue_jobs SET status = 'pending', started_at = NULL
		WHERE status = 'running' AND started_at < $1
	`, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountPendingJobs returns the current queue depth.
func (d *Database) CountPendingJobs(ctx context.Context) (int64, error) {
	var count int64
	err := d.GetReadPool().QueryRow(ctx, `
		SELECT count(*) FROM queue_jobs WHERE status = 'pending'
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}
