package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"imageBatch/api/dto"
	"imageBatch/api/middleware"
	"imageBatch/api/validation"
	"imageBatch/worker/models"
	"imageBatch/worker/service"
)

const multipartMemory = 32 << 20

// BatchService is the part of the scheduler the HTTP layer drives.
type BatchService interface {
	SubmitBatch(ctx context.Context, req service.SubmitBatchRequest) (*models.BatchQueue, error)
	SubmitEditBatch(ctx context.Context, req service.SubmitEditRequest) (*models.BatchQueue, error)
	GetStatus(ctx context.Context, queueID, ownerID string) (*service.QueueDetails, error)
	ListQueues(ctx context.Context, ownerID string, limit int) ([]*models.BatchQueue, error)
	Progress(ctx context.Context, queueID, ownerID string) (*models.Progress, error)
	Cancel(ctx context.Context, queueID, ownerID string) (int64, error)
	GetTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error)
	RetryTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error)
	SetConcurrency(ctx context.Context, n int) error
	Concurrency() service.ConcurrencyInfo
}

type BatchHandler struct {
	service     BatchService
	logger      *zap.Logger
	maxFileSize int64
	maxImages   int
}

func NewBatchHandler(service BatchService, logger *zap.Logger, maxFileSize int64, maxImages int) *BatchHandler {
	return &BatchHandler{
		service:     service,
		logger:      logger,
		maxFileSize: maxFileSize,
		maxImages:   maxImages,
	}
}

func (h *BatchHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize*int64(h.maxImages)+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		handleError(w, r, h.logger, "Failed to parse form", err, status)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["images"]
	if len(files) > h.maxImages {
		handleError(w, r, h.logger, "Invalid batch",
			fmt.Errorf("%w: %d files, limit %d", service.ErrTooManyImages, len(files), h.maxImages), http.StatusBadRequest)
		return
	}

	uploads := make([]service.Upload, 0, len(files))
	for _, fh := range files {
		upload, err := h.readUpload(fh)
		if err != nil {
			handleServiceError(w, r, h.logger, "Invalid file "+fh.Filename, err)
			return
		}
		uploads = append(uploads, upload)
	}

	queue, err := h.service.SubmitBatch(r.Context(), service.SubmitBatchRequest{
		OwnerID: ownerID,
		Name:    r.FormValue("batch_name"),
		Prompt:  r.FormValue("prompt"),
		Model:   r.FormValue("model"),
		Images:  uploads,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, "Failed to create batch", err)
		return
	}

	h.logger.Info("Batch submitted",
		zap.String("trace_id", middleware.GetTraceID(r.Context())),
		zap.String("owner_id", ownerID),
		zap.String("queue_id", queue.ID),
		zap.Int("images", len(uploads)),
	)

	respondJSON(w, http.StatusCreated, dto.NewBatchResponse(queue))
}

func (h *BatchHandler) readUpload(fh *multipart.FileHeader) (service.Upload, error) {
	name := uploadName(fh)
	if fh.Size > h.maxFileSize {
		return service.Upload{}, fmt.Errorf("%w: %s", validation.ErrFileTooLarge, name)
	}

	file, err := fh.Open()
	if err != nil {
		return service.Upload{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		return service.Upload{}, err
	}

	fileType, err := validation.ValidateImage(name, data, h.maxFileSize)
	if err != nil {
		return service.Upload{}, err
	}

	return service.Upload{Name: name, Data: data, ContentType: fileType.ContentType()}, nil
}

// uploadName returns the client supplied filename including any relative
// folder, which multipart.FileHeader.Filename strips.
func uploadName(fh *multipart.FileHeader) string {
	if _, params, err := mime.ParseMediaType(fh.Header.Get("Content-Disposition")); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	return fh.Filename
}

func (h *BatchHandler) SubmitEdit(w http.ResponseWriter, r *http.Request) {
	var req dto.EditBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, r, h.logger, "Invalid request body", err, http.StatusBadRequest)
		return
	}

	queue, err := h.service.SubmitEditBatch(r.Context(), service.SubmitEditRequest{
		OwnerID:     middleware.GetOwnerID(r.Context()),
		ArtifactIDs: req.ArtifactIDs,
		Model:       req.Model,
		Prompt:      req.Prompt,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, "Failed to create edit batch", err)
		return
	}

	respondJSON(w, http.StatusCreated, dto.NewBatchResponse(queue))
}

func (h *BatchHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			handleError(w, r, h.logger, "Invalid limit", fmt.Errorf("limit %q", raw), http.StatusBadRequest)
			return
		}
		limit = n
	}

	queues, err := h.service.ListQueues(r.Context(), middleware.GetOwnerID(r.Context()), limit)
	if err != nil {
		handleServiceError(w, r, h.logger, "Failed to list batches", err)
		return
	}

	resp := dto.BatchListResponse{Batches: make([]dto.BatchResponse, 0, len(queues))}
	for _, q := range queues {
		resp.Batches = append(resp.Batches, dto.NewBatchResponse(q))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *BatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.GetStatus(r.Context(), r.PathValue("id"), middleware.GetOwnerID(r.Context()))
	if err != nil {
		handleServiceError(w, r, h.logger, "Failed to get batch", err)
		return
	}

	respondJSON(w, http.StatusOK, dto.NewBatchDetailResponse(details.Queue, details.Tasks))
}

func (h *BatchHandler) Progress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.Progress(r.Context(), r.PathValue("id"), middleware.GetOwnerID(r.Context()))
	if err != nil {
		handleServiceError(w, r, h.logger, "Failed to get progress", err)
		return
	}

	respondJSON(w, http.StatusOK, dto.NewProgressResponse(progress))
}

func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("id")
	n, err := h.service.Cancel(r.Context(), queueID, middleware.GetOwnerID(r.Context()))
	if err != nil {
		handleServiceError(w, r, h.logger, "Failed to cancel batch", err)
		return
	}

	respondJSON(w, http.StatusOK, dto.CancelResponse{ID: queueID, Cancelled: n})
}

func (h *BatchHandler) Task(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.GetTask(r.Context(), r.PathValue("id"), middleware.GetOwnerID(r.Context()))
	if err != nil {
		handleServiceError(w, r, h.logger, "Failed to get task", err)
		return
	}

	respondJSON(w, http.StatusOK, dto.NewTaskResponse(task))
}

func (h *BatchHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.RetryTask(r.Context(), r.PathValue("id"), middleware.GetOwnerID(r.Context()))
	if err != nil {
		handleServiceError(w, r, h.logger, "Failed to retry task", err)
		return
	}

	respondJSON(w, http.StatusOK, dto.NewTaskResponse(task))
}

func (h *BatchHandler) GetConcurrency(w http.ResponseWriter, r *http.Request) {
	info := h.service.Concurrency()
	respondJSON(w, http.StatusOK, dto.ConcurrencyResponse{Concurrency: info.Ceiling, Active: info.Active})
}

func (h *BatchHandler) SetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req dto.ConcurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, r, h.logger, "Invalid request body", err, http.StatusBadRequest)
		return
	}

	if err := h.service.SetConcurrency(r.Context(), req.Concurrency); err != nil {
		handleServiceError(w, r, h.logger, "Failed to set concurrency", err)
		return
	}

	h.GetConcurrency(w, r)
}
