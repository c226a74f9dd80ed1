package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store"
	"realtech/backend/internal/xid"
)

// enqueueTask inserts a durable task inside the caller's transaction, so the
// task commits or rolls back together with the state change that produced it.
func enqueueTask(ctx context.Context, tx *sql.Tx, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_tasks (id, kind, payload, status, attempts, run_after, created_at)
		VALUES ($1,$2,$3,$4,0,$5,$5)
	`, xid.New("task"), kind, string(raw), domain.TaskStatusPending, now)
	return err
}

// ClaimDueTasks leases up to limit pending tasks. The lease is expressed by
// pushing run_after forward, so a worker crash just means the task becomes
// due again after the lease window.
func (s *Store) ClaimDueTasks(ctx context.Context, limit int) ([]domain.OutboxTask, error) {
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_tasks
		SET attempts = attempts + 1, run_after = now() + interval '60 seconds'
		WHERE id IN (
			SELECT id FROM outbox_tasks
			WHERE status = $1 AND run_after <= now()
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, payload, status, attempts, COALESCE(last_error, ''), run_after, created_at
	`, domain.TaskStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]domain.OutboxTask, 0, limit)
	for rows.Next() {
		var task domain.OutboxTask
		if err := rows.Scan(&task.ID, &task.Kind, &task.Payload, &task.Status, &task.Attempts,
			&task.LastError, &task.RunAfter, &task.CreatedAt); err != nil {
			return nil, err
		}
		task.RunAfter = task.RunAfter.UTC()
		task.CreatedAt = task.CreatedAt.UTC()
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_tasks
		SET status = $2, processed_at = now(), last_error = NULL
		WHERE id = $1
	`, taskID, domain.TaskStatusDone)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// FailTask records a failure. A nil retryAt gives up on the task for good;
// otherwise it becomes due again at retryAt.
func (s *Store) FailTask(ctx context.Context, taskID string, reason string, retryAt *time.Time) error {
	status := domain.TaskStatusPending
	if retryAt == nil {
		status = domain.TaskStatusFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_tasks
		SET status = $2, last_error = $3, run_after = COALESCE($4, run_after), processed_at = CASE WHEN $2 = 'failed' THEN now() ELSE processed_at END
		WHERE id = $1
	`, taskID, status, reason, nullTime(retryAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
