package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageBatch/worker/models"
)

type PostgresRepo struct {
	db *pgxpool.Pool
}

func ConnectPostgres(ctx context.Context, databaseURL string) (*PostgresRepo, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewPostgresRepo(pool), nil
}

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Close() error {
	r.db.Close()
	return nil
}

func (r *PostgresRepo) CreateBatch(ctx context.Context, nq *models.NewQueue, tasks []models.NewTask) (*models.BatchQueue, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

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

	_, err = tx.Exec(ctx, `
		INSERT INTO batch_queues (id, owner_id, name, prompt, model, queue_type, folder_path, total_images, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		queue.ID, queue.OwnerID, queue.Name, queue.Prompt, queue.Model, queue.Type,
		queue.FolderPath, queue.TotalImages, queue.Status, queue.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert queue: %w", err)
	}

	for _, t := range tasks {
		_, err := tx.Exec(ctx, `
			INSERT INTO batch_tasks (id, queue_id, owner_id, source_ref, original_filename, folder_path, prompt, model, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			newID(), queue.ID, queue.OwnerID, t.SourceRef, t.Filename, t.FolderPath, t.Prompt, t.Model,
			models.TaskPending, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return queue, nil
}

func (r *PostgresRepo) GetQueue(ctx context.Context, id string) (*models.BatchQueue, error) {
	row := r.db.QueryRow(ctx, `SELECT `+queueColumns+` FROM batch_queues WHERE id = $1`, id)
	q, err := scanPostgresQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, err
	}
	return q, nil
}

func (r *PostgresRepo) ListQueues(ctx context.Context, ownerID string, limit int) ([]*models.BatchQueue, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+queueColumns+` FROM batch_queues
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, ownerID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.BatchQueue
	for rows.Next() {
		q, err := scanPostgresQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetTask(ctx context.Context, id string) (*models.BatchTask, error) {
	row := r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM batch_tasks WHERE id = $1`, id)
	t, err := scanPostgresTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepo) ListTasks(ctx context.Context, queueID string) ([]*models.BatchTask, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+` FROM batch_tasks
		WHERE queue_id = $1
		ORDER BY created_at ASC, id ASC`, queueID)
	if err != nil {
		return nil, err
	}
	return collectPostgresTasks(rows)
}

func (r *PostgresRepo) FetchPendingTasks(ctx context.Context, limit int) ([]*models.BatchTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+prefixed("t.", taskColumns)+`
		FROM batch_tasks t
		JOIN batch_queues q ON q.id = t.queue_id
		WHERE t.status = $1 AND q.status IN ($2, $3)
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT $4`,
		models.TaskPending, models.QueuePending, models.QueueProcessing, limit)
	if err != nil {
		return nil, err
	}
	return collectPostgresTasks(rows)
}

func (r *PostgresRepo) TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, update models.TaskUpdate) error {
	if err := validateTransition(from, to, update); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	set, args, next := taskUpdateSet(to, update, time.Now().UTC(), dollarPlaceholder, 1)
	query := fmt.Sprintf(`UPDATE batch_tasks SET %s WHERE id = $%d AND status = $%d RETURNING queue_id`, set, next, next+1)
	args = append(args, id, from)

	var queueID string
	if err := tx.QueryRow(ctx, query, args...).Scan(&queueID); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("transition task: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTaskNotFound
		}
		return fmt.Errorf("task %s %s -> %s: %w", id, from, to, ErrTransitionConflict)
	}

	if update.Counter != models.CounterNone {
		if err := incrementPostgres(ctx, tx, queueID, update.Counter); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepo) IncrementQueueCounter(ctx context.Context, queueID string, counter models.QueueCounter) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := incrementPostgres(ctx, tx, queueID, counter); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func incrementPostgres(ctx context.Context, tx pgx.Tx, queueID string, counter models.QueueCounter) error {
	query, err := counterIncrementSQL(counter, dollarPlaceholder)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, query, queueID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueNotFound
	}
	return nil
}

func (r *PostgresRepo) MarkQueueProcessing(ctx context.Context, queueID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE batch_queues SET status = $1 WHERE id = $2 AND status = $3`,
		models.QueueProcessing, queueID, models.QueuePending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepo) FinalizeQueueIfComplete(ctx context.Context, queueID string) (models.QueueStatus, bool, error) {
	var status models.QueueStatus
	err := r.db.QueryRow(ctx, finalizeSQL(dollarPlaceholder), time.Now().UTC(), queueID).Scan(&status)
	if err == nil {
		return status, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("finalize queue: %w", err)
	}

	if err := r.db.QueryRow(ctx, `SELECT status FROM batch_queues WHERE id = $1`, queueID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, ErrQueueNotFound
		}
		return "", false, err
	}
	return status, false, nil
}

func (r *PostgresRepo) CancelQueue(ctx context.Context, queueID, ownerID string) (bool, int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.QueueStatus
	err = tx.QueryRow(ctx, `SELECT status FROM batch_queues WHERE id = $1 AND owner_id = $2 FOR UPDATE`,
		queueID, ownerID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, ErrQueueNotFound
		}
		return false, 0, err
	}
	if models.ValidateQueueTransition(status, models.QueueCancelled) != nil {
		return false, 0, nil
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE batch_tasks SET status = $1, error_message = $2, completed_at = $3
		WHERE queue_id = $4 AND status = $5`,
		models.TaskFailed, models.CancelledMessage, now, queueID, models.TaskPending)
	if err != nil {
		return false, 0, fmt.Errorf("cancel tasks: %w", err)
	}
	cancelled := tag.RowsAffected()

	_, err = tx.Exec(ctx, `
		UPDATE batch_queues SET status = $1, completed_at = $2, failed_images = failed_images + $3
		WHERE id = $4`,
		models.QueueCancelled, now, cancelled, queueID)
	if err != nil {
		return false, 0, fmt.Errorf("cancel queue: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("commit: %w", err)
	}
	return true, cancelled, nil
}

func (r *PostgresRepo) RetryTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		queueID     string
		taskStatus  models.TaskStatus
		queueStatus models.QueueStatus
	)
	err = tx.QueryRow(ctx, `
		SELECT t.queue_id, t.status, q.status
		FROM batch_tasks t JOIN batch_queues q ON q.id = t.queue_id
		WHERE t.id = $1 AND t.owner_id = $2
		FOR UPDATE`, taskID, ownerID).Scan(&queueID, &taskStatus, &queueStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	set, args, next := taskUpdateSet(models.TaskPending, models.TaskUpdate{
		ErrorMessage: &empty,
		ResetRetry:   true,
		ClearOutcome: true,
	}, nil, dollarPlaceholder, 1)
	args = append(args, taskID, models.TaskFailed)
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE batch_tasks SET %s WHERE id = $%d AND status = $%d`, set, next, next+1), args...); err != nil {
		return nil, fmt.Errorf("reset task: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE batch_queues
		SET failed_images = failed_images - 1, status = $1, completed_at = NULL
		WHERE id = $2`,
		reopened, queueID)
	if err != nil {
		return nil, fmt.Errorf("reopen queue: %w", err)
	}

	task, err := scanPostgresTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM batch_tasks WHERE id = $1`, taskID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (r *PostgresRepo) ReconcileQueueCounters(ctx context.Context, queueID string) (*models.BatchQueue, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE batch_queues SET
			completed_images = (SELECT COUNT(*) FROM batch_tasks WHERE queue_id = $1 AND status = $2),
			failed_images = (SELECT COUNT(*) FROM batch_tasks WHERE queue_id = $1 AND status = $3)
		WHERE id = $1`, queueID, models.TaskCompleted, models.TaskFailed)
	if err != nil {
		return nil, fmt.Errorf("reconcile counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrQueueNotFound
	}
	return r.GetQueue(ctx, queueID)
}

func (r *PostgresRepo) ResetStaleTasks(ctx context.Context, startedBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE batch_tasks SET status = $1, started_at = NULL
		WHERE status = $2 AND (started_at IS NULL OR started_at < $3)`,
		models.TaskPending, models.TaskProcessing, startedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepo) RecordArtifact(ctx context.Context, a *models.Artifact) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.OwnerID, a.ImageRef, a.Prompt, a.Model, a.FolderPath, a.CreatedAt)
	return err
}

func (r *PostgresRepo) GetArtifacts(ctx context.Context, ownerID string, ids []string) ([]*models.Artifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE owner_id = $1 AND id = ANY($2)
		ORDER BY created_at ASC, id ASC`, ownerID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.ImageRef, &a.Prompt, &a.Model, &a.FolderPath, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetConcurrencyCeiling(ctx context.Context) (int, bool, error) {
	var raw string
	err := r.db.QueryRow(ctx, `SELECT config_value FROM system_config WHERE config_key = $1`, ceilingKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (r *PostgresRepo) SetConcurrencyCeiling(ctx context.Context, n int) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO system_config (config_key, config_value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (config_key) DO UPDATE SET config_value = EXCLUDED.config_value, updated_at = EXCLUDED.updated_at`,
		ceilingKey, strconv.Itoa(n), time.Now().UTC())
	return err
}

func scanPostgresQueue(row scanner) (*models.BatchQueue, error) {
	var q models.BatchQueue
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
		&q.CreatedAt,
		&q.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func scanPostgresTask(row scanner) (*models.BatchTask, error) {
	var t models.BatchTask
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
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectPostgresTasks(rows pgx.Rows) ([]*models.BatchTask, error) {
	defer rows.Close()

	var out []*models.BatchTask
	for rows.Next() {
		t, err := scanPostgresTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
