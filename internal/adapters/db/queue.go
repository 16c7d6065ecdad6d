package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/normalize"
)

// maxErrorLog bounds the reason stored on a failed task.
const maxErrorLog = 1000

// claimAttempts bounds retries when another worker wins the conditional update.
const claimAttempts = 5

// TaskQueue implements ports.TaskQueue on the queue table.
type TaskQueue struct {
	db       *DB
	taskType string
	now      func() time.Time
}

// NewTaskQueue creates a queue client bound to one task type.
func NewTaskQueue(d *DB, taskType string) *TaskQueue {
	return &TaskQueue{db: d, taskType: taskType, now: func() time.Time { return time.Now().UTC() }}
}

const taskColumns = `id, type, status, search_text, product_id, error_log, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	t := &domain.Task{}
	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.SearchText, &t.ProductID, &t.ErrorLog, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrQueueUnavailable, op, err)
}

// ClaimNext selects the oldest PENDING task (ties broken by id) and moves it to
// IN_PROGRESS with a conditional update.
func (q *TaskQueue) ClaimNext(ctx context.Context) (*domain.Task, error) {
	selectQuery := `SELECT ` + taskColumns + ` FROM ` + q.db.queue + `
		WHERE type = ? AND status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`
	if q.db.driver == DriverPostgres {
		selectQuery += ` FOR UPDATE SKIP LOCKED`
	}
	selectQuery = q.db.rebindQuery(selectQuery)
	updateQuery := q.db.rebindQuery(`UPDATE ` + q.db.queue + `
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	for attempt := 0; attempt < claimAttempts; attempt++ {
		tx, err := q.db.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, unavailable("begin claim", err)
		}

		task, err := scanTask(tx.QueryRowContext(ctx, selectQuery, q.taskType, domain.TaskPending))
		if errors.Is(err, sql.ErrNoRows) {
			tx.Rollback()
			return nil, nil
		}
		if err != nil {
			tx.Rollback()
			return nil, unavailable("select pending task", err)
		}

		now := q.now()
		res, err := tx.ExecContext(ctx, updateQuery, domain.TaskInProgress, now, task.ID, domain.TaskPending)
		if err != nil {
			tx.Rollback()
			return nil, unavailable("claim task", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			tx.Rollback()
			continue
		}

		if err := tx.Commit(); err != nil {
			return nil, unavailable("commit claim", err)
		}

		task.Status = domain.TaskInProgress
		task.UpdatedAt = now
		return task, nil
	}

	return nil, unavailable("claim task", errors.New("lost the claim race repeatedly"))
}

// Complete marks a task DONE.
func (q *TaskQueue) Complete(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, domain.TaskDone, "")
}

// Fail marks a task FAILED with a reason for triage.
func (q *TaskQueue) Fail(ctx context.Context, id, reason string) error {
	return q.setStatus(ctx, id, domain.TaskFailed, truncateUTF8(reason, maxErrorLog))
}

// Requeue returns a task to PENDING. Its created_at is kept, so it stays at
// the head of the queue.
func (q *TaskQueue) Requeue(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, domain.TaskPending, "")
}

func (q *TaskQueue) setStatus(ctx context.Context, id string, status domain.TaskStatus, errorLog string) error {
	query := q.db.rebindQuery(`UPDATE ` + q.db.queue + `
		SET status = ?, error_log = ?, updated_at = ?
		WHERE id = ?`)

	res, err := q.db.db.ExecContext(ctx, query, status, errorLog, q.now(), id)
	if err != nil {
		return unavailable(fmt.Sprintf("set task %s %s", id, status), err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return nil
}

// RecoverStale resets IN_PROGRESS tasks last touched before cutoff back to PENDING.
func (q *TaskQueue) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	query := q.db.rebindQuery(`UPDATE ` + q.db.queue + `
		SET status = ?, updated_at = ?
		WHERE type = ? AND status = ? AND updated_at < ?`)

	res, err := q.db.db.ExecContext(ctx, query, domain.TaskPending, q.now(), q.taskType, domain.TaskInProgress, cutoff.UTC())
	if err != nil {
		return 0, unavailable("recover stale tasks", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("rows affected", err)
	}
	return int(rows), nil
}

// FindPending returns PENDING tasks whose search text maps to stem, oldest first.
// Matching happens here rather than in SQL because the stem is a sanitized form
// of the search text.
func (q *TaskQueue) FindPending(ctx context.Context, stem string) ([]domain.Task, error) {
	query := q.db.rebindQuery(`SELECT ` + taskColumns + ` FROM ` + q.db.queue + `
		WHERE type = ? AND status = ?
		ORDER BY created_at ASC, id ASC`)

	rows, err := q.db.db.QueryContext(ctx, query, q.taskType, domain.TaskPending)
	if err != nil {
		return nil, unavailable("list pending tasks", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, unavailable("scan pending task", err)
		}
		if normalize.Stem(task.SearchText) == stem {
			tasks = append(tasks, *task)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pending tasks", err)
	}
	return tasks, nil
}

// Resolve marks a PENDING task DONE without passing through IN_PROGRESS.
func (q *TaskQueue) Resolve(ctx context.Context, id, note string) error {
	query := q.db.rebindQuery(`UPDATE ` + q.db.queue + `
		SET status = ?, error_log = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	res, err := q.db.db.ExecContext(ctx, query, domain.TaskDone, note, q.now(), id, domain.TaskPending)
	if err != nil {
		return unavailable(fmt.Sprintf("resolve task %s", id), err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is no longer pending", domain.ErrTaskNotFound, id)
	}
	return nil
}

// Enqueue inserts a PENDING task. Used by tooling and tests; production tasks
// are created by the backend.
func (q *TaskQueue) Enqueue(ctx context.Context, task *domain.Task) error {
	if task.Type == "" {
		task.Type = q.taskType
	}
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.now()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}

	query := q.db.rebindQuery(`INSERT INTO ` + q.db.queue + ` (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := q.db.db.ExecContext(ctx, query, task.ID, task.Type, task.Status, task.SearchText,
		task.ProductID, task.ErrorLog, task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return unavailable("enqueue task", err)
	}
	return nil
}

// Get returns a task by id, or nil when it does not exist.
func (q *TaskQueue) Get(ctx context.Context, id string) (*domain.Task, error) {
	query := q.db.rebindQuery(`SELECT ` + taskColumns + ` FROM ` + q.db.queue + ` WHERE id = ?`)
	task, err := scanTask(q.db.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get task", err)
	}
	return task, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a character.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
