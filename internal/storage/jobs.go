package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// JobEmbedConversation asks the worker to backfill embeddings for one
// conversation. Payload: {"conversation_id": "..."}.
const JobEmbedConversation = "embed_conversation"

// EnqueueJob adds a pending job to the queue and returns its id. Zero fields
// get defaults: a generated id, three attempts, runnable immediately.
func (s *Store) EnqueueJob(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.PayloadJSON == "" {
		job.PayloadJSON = "{}"
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	now := time.Now().UTC()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}

	err := withRetry(ctx, func() error {
		_, err := s.writeDB.ExecContext(ctx, `INSERT INTO jobs
			(id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
			job.ID, job.Type, job.PayloadJSON, job.MaxAttempts,
			job.RunAfter.Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return job.ID, nil
}

// ClaimNextJob atomically claims the oldest runnable job of the given types.
// Returns nil when the queue has nothing due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	var job *Job
	err := withRetry(ctx, func() error {
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		placeholders := "?"
		args := []any{time.Now().UTC().Format(time.RFC3339), types[0]}
		for _, t := range types[1:] {
			placeholders += ", ?"
			args = append(args, t)
		}

		var j Job
		var runAfter, createdAt, updatedAt string
		var lastError sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
			FROM jobs
			WHERE status = 'pending' AND run_after <= ? AND type IN (`+placeholders+`)
			ORDER BY created_at ASC LIMIT 1`, args...).Scan(
			&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
			&runAfter, &createdAt, &updatedAt, &lastError)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting job: %w", err)
		}
		j.RunAfter, _ = time.Parse(time.RFC3339, runAfter)
		j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		j.LastError = lastError.String

		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ?", now, j.ID); err != nil {
			return fmt.Errorf("claiming job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		j.Status = "running"
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		_, err := s.writeDB.ExecContext(ctx,
			"UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?",
			time.Now().UTC().Format(time.RFC3339), id)
		return err
	})
}

// FailJob records a failure. The job is rescheduled with exponential backoff
// until it runs out of attempts, then marked failed.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return withRetry(ctx, func() error {
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		var attempts, maxAttempts int
		if err := tx.QueryRowContext(ctx,
			"SELECT attempts, max_attempts FROM jobs WHERE id = ?", id).Scan(&attempts, &maxAttempts); err != nil {
			return fmt.Errorf("reading job %s: %w", id, err)
		}

		attempts++
		now := time.Now().UTC()
		if attempts >= maxAttempts {
			if _, err := tx.ExecContext(ctx,
				"UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?",
				attempts, errMsg, now.Format(time.RFC3339), id); err != nil {
				return fmt.Errorf("failing job: %w", err)
			}
		} else {
			backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
			if _, err := tx.ExecContext(ctx,
				"UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?",
				attempts, errMsg, now.Add(backoff).Format(time.RFC3339), now.Format(time.RFC3339), id); err != nil {
				return fmt.Errorf("rescheduling job: %w", err)
			}
		}
		return tx.Commit()
	})
}
