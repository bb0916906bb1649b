package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"imageBatch/worker/models"
)

// sqliteTimeLayout is fixed width so that text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

const (
	queueColumns = `id, owner_id, name, prompt, model, queue_type, folder_path, total_images,
		completed_images, failed_images, status, created_at, completed_at`
	taskColumns = `id, queue_id, owner_id, source_ref, original_filename, folder_path, prompt, model,
		status, retry_count, error_message, output_ref, created_at, started_at, completed_at`
	artifactColumns = `id, owner_id, image_ref, prompt, model, folder_path, created_at`
)

type scanner interface {
	Scan(dest ...any) error
}

type placeholderFunc func(n int) string

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func questionPlaceholder(int) string { return "?" }

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func validateTransition(from, to models.TaskStatus, update models.TaskUpdate) error {
	if err := models.ValidateTaskTransition(from, to); err != nil {
		return err
	}
	if update.Counter != models.CounterNone && !update.Counter.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCounter, update.Counter)
	}
	return nil
}

// taskUpdateSet renders the SET clause of a task transition. Numbering of
// placeholders starts at next; the returned args line up with them.
func taskUpdateSet(to models.TaskStatus, update models.TaskUpdate, now any, ph placeholderFunc, next int) (string, []any, int) {
	clauses := []string{"status = " + ph(next)}
	args := []any{to}
	next++

	if update.ErrorMessage != nil {
		clauses = append(clauses, "error_message = "+ph(next))
		args = append(args, *update.ErrorMessage)
		next++
	}
	if update.OutputRef != "" {
		clauses = append(clauses, "output_ref = "+ph(next))
		args = append(args, update.OutputRef)
		next++
	} else if update.ClearOutcome {
		clauses = append(clauses, "output_ref = ''")
	}

	switch {
	case update.ResetRetry:
		clauses = append(clauses, "retry_count = 0")
	case update.IncrementRetry:
		clauses = append(clauses, "retry_count = retry_count + 1")
	}

	if update.StampStarted {
		clauses = append(clauses, "started_at = "+ph(next))
		args = append(args, now)
		next++
	} else if update.ClearOutcome {
		clauses = append(clauses, "started_at = NULL")
	}
	if update.StampCompleted {
		clauses = append(clauses, "completed_at = "+ph(next))
		args = append(args, now)
		next++
	} else if update.ClearOutcome {
		clauses = append(clauses, "completed_at = NULL")
	}

	return strings.Join(clauses, ", "), args, next
}

func counterIncrementSQL(counter models.QueueCounter, ph placeholderFunc) (string, error) {
	if !counter.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCounter, counter)
	}
	column := string(counter)
	return fmt.Sprintf(`UPDATE batch_queues SET %s = %s + 1 WHERE id = %s`, column, column, ph(1)), nil
}

func finalizeSQL(ph placeholderFunc) string {
	return `UPDATE batch_queues
		SET status = CASE WHEN failed_images >= total_images THEN '` + string(models.QueueFailed) + `'
			ELSE '` + string(models.QueueCompleted) + `' END,
			completed_at = ` + ph(1) + `
		WHERE id = ` + ph(2) + `
			AND status IN ('` + string(models.QueuePending) + `', '` + string(models.QueueProcessing) + `')
			AND completed_images + failed_images >= total_images
		RETURNING status`
}

func placeholders(ph placeholderFunc, start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = ph(start + i)
	}
	return strings.Join(parts, ", ")
}

// prefixed qualifies every column of a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
