package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"imageBatch/worker/models"
)

// SQLiteRepo is the single-node store. All access goes through one
// connection, so transactions are serialized by the pool itself.
type SQLiteRepo struct {
	db   *sql.DB
	path string
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteRepo, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	return &SQLiteRepo{db: db, path: path}, nil
}

func (r *SQLiteRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepo) CreateBatch(ctx context.Context, nq *models.NewQueue, tasks []models.NewTask) (*models.BatchQueue, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	queue := &models.BatchQueue{
		ID:          newID(),
		OwnerID:     nq.OwnerID,
		Name:        nq.Name,
		Prompt:      nq.Prompt,
		Model:       nq.Model,
		Type:        nq.Type,
		FolderPath:  nq.FolderPath,
		TotalImages: len(tasks),
		Status:      models.QueuePending,
		CreatedAt:   now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_queues (id, owner_id, name, prompt, model, queue_type, folder_path, total_images, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		queue.ID, queue.OwnerID, queue.Name, queue.Prompt, queue.Model, queue.Type,
		queue.FolderPath, queue.TotalImages, queue.Status, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert queue: %w", err)
	}

	for _, t := range tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_tasks (id, queue_id, owner_id, source_ref, original_filename, folder_path, prompt, model, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newID(), queue.ID, queue.OwnerID, t.SourceRef, t.Filename, t.FolderPath, t.Prompt, t.Model,
			models.TaskPending, formatTime(now),
		)
		if err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return queue, nil
}

func (r *SQLiteRepo) GetQueue(ctx context.Context, id string) (*models.BatchQueue, error) {
	return getSQLiteQueue(ctx, r.db, id)
}

func (r *SQLiteRepo) ListQueues(ctx context.Context, ownerID string, limit int) ([]*models.BatchQueue, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM batch_queues
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, ownerID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.BatchQueue
	for rows.Next() {
		q, err := scanSQLiteQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) GetTask(ctx context.Context, id string) (*models.BatchTask, error) {
	return getSQLiteTask(ctx, r.db, id)
}

func (r *SQLiteRepo) ListTasks(ctx context.Context, queueID string) ([]*models.BatchTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM batch_tasks
		WHERE queue_id = ?
		ORDER BY created_at ASC, id ASC`, queueID)
	if err != nil {
		return nil, err
	}
	return collectSQLiteTasks(rows)
}

func (r *SQLiteRepo) FetchPendingTasks(ctx context.Context, limit int) ([]*models.BatchTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixed("t.", taskColumns)+`
		FROM batch_tasks t
		JOIN batch_queues q ON q.id = t.queue_id
		WHERE t.status = ? AND q.status IN (?, ?)
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT ?`,
		models.TaskPending, models.QueuePending, models.QueueProcessing, limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteTasks(rows)
}

func (r *SQLiteRepo) TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, update models.TaskUpdate) error {
	if err := validateTransition(from, to, update); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	set, args, _ := taskUpdateSet(to, update, formatTime(time.Now()), questionPlaceholder, 1)
	args = append(args, id, from)

	var queueID string
	err = tx.QueryRowContext(ctx, `UPDATE batch_tasks SET `+set+` WHERE id = ? AND status = ? RETURNING queue_id`, args...).Scan(&queueID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transition task: %w", err)
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_tasks WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrTaskNotFound
		}
		return fmt.Errorf("task %s %s -> %s: %w", id, from, to, ErrTransitionConflict)
	}

	if update.Counter != models.CounterNone {
		if err := incrementSQLite(ctx, tx, queueID, update.Counter); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepo) IncrementQueueCounter(ctx context.Context, queueID string, counter models.QueueCounter) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := incrementSQLite(ctx, tx, queueID, counter); err != nil {
		return err
	}
	return tx.Commit()
}

func incrementSQLite(ctx context.Context, tx *sql.Tx, queueID string, counter models.QueueCounter) error {
	query, err := counterIncrementSQL(counter, questionPlaceholder)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, queueID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueueNotFound
	}
	return nil
}

func (r *SQLiteRepo) MarkQueueProcessing(ctx context.Context, queueID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE batch_queues SET status = ? WHERE id = ? AND status = ?`,
		models.QueueProcessing, queueID, models.QueuePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SQLiteRepo) FinalizeQueueIfComplete(ctx context.Context, queueID string) (models.QueueStatus, bool, error) {
	var status models.QueueStatus
	err := r.db.QueryRowContext(ctx, finalizeSQL(questionPlaceholder), formatTime(time.Now()), queueID).Scan(&status)
	if err == nil {
		return status, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("finalize queue: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, `SELECT status FROM batch_queues WHERE id = ?`, queueID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, ErrQueueNotFound
		}
		return "", false, err
	}
	return status, false, nil
}

func (r *SQLiteRepo) CancelQueue(ctx context.Context, queueID, ownerID string) (bool, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status models.QueueStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM batch_queues WHERE id = ? AND owner_id = ?`,
		queueID, ownerID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, 0, ErrQueueNotFound
		}
		return false, 0, err
	}
	if models.ValidateQueueTransition(status, models.QueueCancelled) != nil {
		return false, 0, nil
	}

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE batch_tasks SET status = ?, error_message = ?, completed_at = ?
		WHERE queue_id = ? AND status = ?`,
		models.TaskFailed, models.CancelledMessage, now, queueID, models.TaskPending)
	if err != nil {
		return false, 0, fmt.Errorf("cancel tasks: %w", err)
	}
	cancelled, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batch_queues SET status = ?, completed_at = ?, failed_images = failed_images + ?
		WHERE id = ?`,
		models.QueueCancelled, now, cancelled, queueID)
	if err != nil {
		return false, 0, fmt.Errorf("cancel queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit: %w", err)
	}
	return true, cancelled, nil
}

func (r *SQLiteRepo) RetryTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		queueID     string
		taskStatus  models.TaskStatus
		queueStatus models.QueueStatus
	)
	err = tx.QueryRowContext(ctx, `
		SELECT t.queue_id, t.status, q.status
		FROM batch_tasks t JOIN batch_queues q ON q.id = t.queue_id
		WHERE t.id = ? AND t.owner_id = ?`, taskID, ownerID).Scan(&queueID, &taskStatus, &queueStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	if taskStatus != models.TaskFailed {
		return nil, ErrInvalidTaskState
	}
	reopened, err := reopenedStatus(queueStatus)
	if err != nil {
		return nil, err
	}

	empty := ""
	set, args, _ := taskUpdateSet(models.TaskPending, models.TaskUpdate{
		ErrorMessage: &empty,
		ResetRetry:   true,
		ClearOutcome: true,
	}, nil, questionPlaceholder, 1)
	args = append(args, taskID, models.TaskFailed)
	if _, err := tx.ExecContext(ctx, `UPDATE batch_tasks SET `+set+` WHERE id = ? AND status = ?`, args...); err != nil {
		return nil, fmt.Errorf("reset task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batch_queues
		SET failed_images = failed_images - 1, status = ?, completed_at = NULL
		WHERE id = ?`,
		reopened, queueID)
	if err != nil {
		return nil, fmt.Errorf("reopen queue: %w", err)
	}

	task, err := getSQLiteTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (r *SQLiteRepo) ReconcileQueueCounters(ctx context.Context, queueID string) (*models.BatchQueue, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE batch_queues SET
			completed_images = (SELECT COUNT(*) FROM batch_tasks WHERE queue_id = ? AND status = ?),
			failed_images = (SELECT COUNT(*) FROM batch_tasks WHERE queue_id = ? AND status = ?)
		WHERE id = ?`, queueID, models.TaskCompleted, queueID, models.TaskFailed, queueID)
	if err != nil {
		return nil, fmt.Errorf("reconcile counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrQueueNotFound
	}
	return r.GetQueue(ctx, queueID)
}

func (r *SQLiteRepo) ResetStaleTasks(ctx context.Context, startedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE batch_tasks SET status = ?, started_at = NULL
		WHERE status = ? AND (started_at IS NULL OR started_at < ?)`,
		models.TaskPending, models.TaskProcessing, formatTime(startedBefore))
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepo) RecordArtifact(ctx context.Context, a *models.Artifact) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.ImageRef, a.Prompt, a.Model, a.FolderPath, formatTime(a.CreatedAt))
	return err
}

func (r *SQLiteRepo) GetArtifacts(ctx context.Context, ownerID string, ids []string) ([]*models.Artifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE owner_id = ? AND id IN (`+placeholders(questionPlaceholder, 2, len(ids))+`)
		ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		var (
			a       models.Artifact
			created string
		)
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.ImageRef, &a.Prompt, &a.Model, &a.FolderPath, &created); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) GetConcurrencyCeiling(ctx context.Context) (int, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT config_value FROM system_config WHERE config_key = ?`, ceilingKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", ceilingKey, err)
	}
	return n, true, nil
}

func (r *SQLiteRepo) SetConcurrencyCeiling(ctx context.Context, n int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_config (config_key, config_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (config_key) DO UPDATE SET config_value = excluded.config_value, updated_at = excluded.updated_at`,
		ceilingKey, strconv.Itoa(n), formatTime(time.Now()))
	return err
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteQueue(ctx context.Context, q sqlQuerier, id string) (*models.BatchQueue, error) {
	queue, err := scanSQLiteQueue(q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM batch_queues WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, err
	}
	return queue, nil
}

func getSQLiteTask(ctx context.Context, q sqlQuerier, id string) (*models.BatchTask, error) {
	task, err := scanSQLiteTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM batch_tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func scanSQLiteQueue(row scanner) (*models.BatchQueue, error) {
	var (
		q         models.BatchQueue
		created   string
		completed sql.NullString
	)
	err := row.Scan(
		&q.ID,
		&q.OwnerID,
		&q.Name,
		&q.Prompt,
		&q.Model,
		&q.Type,
		&q.FolderPath,
		&q.TotalImages,
		&q.CompletedImages,
		&q.FailedImages,
		&q.Status,
		&created,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	if q.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if q.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &q, nil
}

func scanSQLiteTask(row scanner) (*models.BatchTask, error) {
	var (
		t                  models.BatchTask
		created            string
		started, completed sql.NullString
	)
	err := row.Scan(
		&t.ID,
		&t.QueueID,
		&t.OwnerID,
		&t.SourceRef,
		&t.OriginalFilename,
		&t.FolderPath,
		&t.Prompt,
		&t.Model,
		&t.Status,
		&t.RetryCount,
		&t.ErrorMessage,
		&t.OutputRef,
		&created,
		&started,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectSQLiteTasks(rows *sql.Rows) ([]*models.BatchTask, error) {
	defer rows.Close()

	var out []*models.BatchTask
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
