package dto

import (
	"time"

	"imageBatch/worker/models"
)

type BatchResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Prompt          string  `json:"prompt"`
	Model           string  `json:"model"`
	Type            string  `json:"type"`
	FolderPath      string  `json:"folder_path,omitempty"`
	Status          string  `json:"status"`
	TotalImages     int     `json:"total_images"`
	CompletedImages int     `json:"completed_images"`
	FailedImages    int     `json:"failed_images"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

type TaskResponse struct {
	ID               string  `json:"id"`
	QueueID          string  `json:"queue_id"`
	OriginalFilename string  `json:"original_filename"`
	FolderPath       string  `json:"folder_path,omitempty"`
	Status           string  `json:"status"`
	RetryCount       int     `json:"retry_count"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	SourceURL        string  `json:"source_url"`
	OutputURL        string  `json:"output_url,omitempty"`
	CreatedAt        string  `json:"created_at"`
	StartedAt        *string `json:"started_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

type BatchDetailResponse struct {
	BatchResponse
	Tasks []TaskResponse `json:"tasks"`
}

type BatchListResponse struct {
	Batches []BatchResponse `json:"batches"`
}

type ProgressResponse struct {
	QueueID   string `json:"queue_id"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
}

type EditBatchRequest struct {
	ArtifactIDs []string `json:"artifact_ids"`
	Prompt      string   `json:"prompt,omitempty"`
	Model       string   `json:"model,omitempty"`
}

type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled int64  `json:"cancelled"`
}

type ConcurrencyRequest struct {
	Concurrency int `json:"concurrency"`
}

type ConcurrencyResponse struct {
	Concurrency int `json:"concurrency"`
	Active      int `json:"active"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func NewBatchResponse(q *models.BatchQueue) BatchResponse {
	return BatchResponse{
		ID:              q.ID,
		Name:            q.Name,
		Prompt:          q.Prompt,
		Model:           q.Model,
		Type:            string(q.Type),
		FolderPath:      q.FolderPath,
		Status:          string(q.Status),
		TotalImages:     q.TotalImages,
		CompletedImages: q.CompletedImages,
		FailedImages:    q.FailedImages,
		CreatedAt:       formatTime(q.CreatedAt),
		CompletedAt:     formatTimePtr(q.CompletedAt),
	}
}

func NewTaskResponse(t *models.BatchTask) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		QueueID:          t.QueueID,
		OriginalFilename: t.OriginalFilename,
		FolderPath:       t.FolderPath,
		Status:           string(t.Status),
		RetryCount:       t.RetryCount,
		ErrorMessage:     t.ErrorMessage,
		SourceURL:        t.SourceRef,
		OutputURL:        t.OutputRef,
		CreatedAt:        formatTime(t.CreatedAt),
		StartedAt:        formatTimePtr(t.StartedAt),
		CompletedAt:      formatTimePtr(t.CompletedAt),
	}
}

func NewBatchDetailResponse(q *models.BatchQueue, tasks []*models.BatchTask) BatchDetailResponse {
	resp := BatchDetailResponse{
		BatchResponse: NewBatchResponse(q),
		Tasks:         make([]TaskResponse, 0, len(tasks)),
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, NewTaskResponse(t))
	}
	return resp
}

func NewProgressResponse(p *models.Progress) ProgressResponse {
	pending := p.Total - p.Completed - p.Failed
	if pending < 0 {
		pending = 0
	}
	return ProgressResponse{
		QueueID:   p.QueueID,
		Status:    string(p.Status),
		Total:     p.Total,
		Completed: p.Completed,
		Failed:    p.Failed,
		Pending:   pending,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
