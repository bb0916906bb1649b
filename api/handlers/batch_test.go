package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"imageBatch/api/dto"
	"imageBatch/api/middleware"
	"imageBatch/worker/models"
	"imageBatch/worker/service"
	"imageBatch/worker/storage"
)

var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}

type mockBatchService struct {
	submitFunc   func(ctx context.Context, req service.SubmitBatchRequest) (*models.BatchQueue, error)
	editFunc     func(ctx context.Context, req service.SubmitEditRequest) (*models.BatchQueue, error)
	statusFunc   func(ctx context.Context, queueID, ownerID string) (*service.QueueDetails, error)
	listFunc     func(ctx context.Context, ownerID string, limit int) ([]*models.BatchQueue, error)
	progressFunc func(ctx context.Context, queueID, ownerID string) (*models.Progress, error)
	cancelFunc   func(ctx context.Context, queueID, ownerID string) (int64, error)
	taskFunc     func(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error)
	retryFunc    func(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error)
	setFunc      func(ctx context.Context, n int) error
	ceiling      int
}

func (m *mockBatchService) SubmitBatch(ctx context.Context, req service.SubmitBatchRequest) (*models.BatchQueue, error) {
	if m.submitFunc != nil {
		return m.submitFunc(ctx, req)
	}
	return newQueue(req.OwnerID, len(req.Images)), nil
}

func (m *mockBatchService) SubmitEditBatch(ctx context.Context, req service.SubmitEditRequest) (*models.BatchQueue, error) {
	if m.editFunc != nil {
		return m.editFunc(ctx, req)
	}
	return newQueue(req.OwnerID, len(req.ArtifactIDs)), nil
}

func (m *mockBatchService) GetStatus(ctx context.Context, queueID, ownerID string) (*service.QueueDetails, error) {
	if m.statusFunc != nil {
		return m.statusFunc(ctx, queueID, ownerID)
	}
	return &service.QueueDetails{Queue: newQueue(ownerID, 0)}, nil
}

func (m *mockBatchService) ListQueues(ctx context.Context, ownerID string, limit int) ([]*models.BatchQueue, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, ownerID, limit)
	}
	return nil, nil
}

func (m *mockBatchService) Progress(ctx context.Context, queueID, ownerID string) (*models.Progress, error) {
	if m.progressFunc != nil {
		return m.progressFunc(ctx, queueID, ownerID)
	}
	return &models.Progress{QueueID: queueID, Status: models.QueuePending}, nil
}

func (m *mockBatchService) Cancel(ctx context.Context, queueID, ownerID string) (int64, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, queueID, ownerID)
	}
	return 0, nil
}

func (m *mockBatchService) GetTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error) {
	if m.taskFunc != nil {
		return m.taskFunc(ctx, taskID, ownerID)
	}
	return &models.BatchTask{ID: taskID, OwnerID: ownerID, Status: models.TaskPending}, nil
}

func (m *mockBatchService) RetryTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error) {
	if m.retryFunc != nil {
		return m.retryFunc(ctx, taskID, ownerID)
	}
	return &models.BatchTask{ID: taskID, Status: models.TaskPending}, nil
}

func (m *mockBatchService) SetConcurrency(ctx context.Context, n int) error {
	if m.setFunc != nil {
		if err := m.setFunc(ctx, n); err != nil {
			return err
		}
	}
	m.ceiling = n
	return nil
}

func (m *mockBatchService) Concurrency() service.ConcurrencyInfo {
	return service.ConcurrencyInfo{Ceiling: m.ceiling, Active: 1}
}

func newQueue(ownerID string, total int) *models.BatchQueue {
	return &models.BatchQueue{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        "batch",
		Type:        models.QueueTypeBatch,
		Status:      models.QueuePending,
		TotalImages: total,
		CreatedAt:   time.Now(),
	}
}

type memoryLoader map[string][]byte

func (m memoryLoader) Load(_ context.Context, ref string) ([]byte, error) {
	data, ok := m[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func newTestRouter(t *testing.T, svc BatchService) http.Handler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	loader := memoryLoader{"/uploads/batch/out.png": pngBytes}
	return NewRouter(NewBatchHandler(svc, logger, 1024, 3), NewUploadHandler(loader, logger), nil, logger)
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.Header.Set(middleware.TraceHeader, "trace-test")
	if req.Header.Get(middleware.OwnerHeader) == "" {
		req.Header.Set(middleware.OwnerHeader, "user-1")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type formFile struct {
	name string
	data []byte
}

func multipartRequest(t *testing.T, fields map[string]string, files []formFile) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename=%q`, f.name))
		header.Set("Content-Type", "application/octet-stream")
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		part.Write(f.data)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/batches", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestSubmitBatch_Success(t *testing.T) {
	var got service.SubmitBatchRequest
	svc := &mockBatchService{
		submitFunc: func(ctx context.Context, req service.SubmitBatchRequest) (*models.BatchQueue, error) {
			got = req
			return newQueue(req.OwnerID, len(req.Images)), nil
		},
	}

	req := multipartRequest(t,
		map[string]string{"prompt": "make it blue", "model": "m1", "batch_name": "cats"},
		[]formFile{{"pets/cats/a.png", pngBytes}, {"b.png", pngBytes}},
	)
	rec := do(t, newTestRouter(t, svc), req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.OwnerID != "user-1" || got.Prompt != "make it blue" || got.Model != "m1" || got.Name != "cats" {
		t.Errorf("unexpected request: %+v", got)
	}
	if len(got.Images) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(got.Images))
	}
	if got.Images[0].Name != "pets/cats/a.png" {
		t.Errorf("folder path lost: %q", got.Images[0].Name)
	}
	if got.Images[0].ContentType != "image/png" {
		t.Errorf("content type = %q", got.Images[0].ContentType)
	}

	var resp dto.BatchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalImages != 2 || resp.Status != "pending" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSubmitBatch_RejectsNonImage(t *testing.T) {
	svc := &mockBatchService{
		submitFunc: func(context.Context, service.SubmitBatchRequest) (*models.BatchQueue, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}

	req := multipartRequest(t, map[string]string{"prompt": "x"}, []formFile{{"doc.png", []byte("%PDF-1.7")}})
	rec := do(t, newTestRouter(t, svc), req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.TraceID != "trace-test" {
		t.Errorf("trace_id = %q", resp.TraceID)
	}
}

func TestSubmitBatch_TooManyFiles(t *testing.T) {
	files := make([]formFile, 4)
	for i := range files {
		files[i] = formFile{fmt.Sprintf("%d.png", i), pngBytes}
	}
	rec := do(t, newTestRouter(t, &mockBatchService{}), multipartRequest(t, map[string]string{"prompt": "x"}, files))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
}

func TestSubmitBatch_FileTooLarge(t *testing.T) {
	big := append(append([]byte{}, pngBytes...), make([]byte, 2048)...)
	rec := do(t, newTestRouter(t, &mockBatchService{}),
		multipartRequest(t, map[string]string{"prompt": "x"}, []formFile{{"big.png", big}}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
}

func TestSubmitBatch_ServiceValidation(t *testing.T) {
	svc := &mockBatchService{
		submitFunc: func(context.Context, service.SubmitBatchRequest) (*models.BatchQueue, error) {
			return nil, service.ErrEmptyPrompt
		},
	}
	rec := do(t, newTestRouter(t, svc), multipartRequest(t, nil, []formFile{{"a.png", pngBytes}}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); !strings.Contains(resp.Error, "prompt is required") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestSubmitBatch_NotMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, newTestRouter(t, &mockBatchService{}), req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
}

func TestRequiresOwner(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/batches", nil)
	rec := httptest.NewRecorder()
	newTestRouter(t, &mockBatchService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", rec.Code)
	}
}

func TestSubmitEdit(t *testing.T) {
	var got service.SubmitEditRequest
	svc := &mockBatchService{
		editFunc: func(ctx context.Context, req service.SubmitEditRequest) (*models.BatchQueue, error) {
			got = req
			return newQueue(req.OwnerID, 2), nil
		},
	}

	body := `{"artifact_ids":["a1","a2"],"prompt":"sepia"}`
	rec := do(t, newTestRouter(t, svc), httptest.NewRequest(http.MethodPost, "/batches/edit", strings.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", rec.Code)
	}
	if len(got.ArtifactIDs) != 2 || got.Prompt != "sepia" || got.OwnerID != "user-1" {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestSubmitEdit_BadJSON(t *testing.T) {
	rec := do(t, newTestRouter(t, &mockBatchService{}),
		httptest.NewRequest(http.MethodPost, "/batches/edit", strings.NewReader("{")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
}

func TestListBatches(t *testing.T) {
	var gotLimit int
	svc := &mockBatchService{
		listFunc: func(ctx context.Context, ownerID string, limit int) ([]*models.BatchQueue, error) {
			gotLimit = limit
			return []*models.BatchQueue{newQueue(ownerID, 1), newQueue(ownerID, 2)}, nil
		},
	}
	h := newTestRouter(t, svc)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/batches?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp dto.BatchListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Batches) != 2 || gotLimit != 5 {
		t.Fatalf("batches = %d, limit = %d", len(resp.Batches), gotLimit)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/batches?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400 for bad limit, got %d", rec.Code)
	}
}

func TestBatchStatus(t *testing.T) {
	queueID := uuid.NewString()
	svc := &mockBatchService{
		statusFunc: func(ctx context.Context, id, ownerID string) (*service.QueueDetails, error) {
			if id != queueID {
				return nil, service.ErrQueueNotFound
			}
			q := newQueue(ownerID, 1)
			q.ID = id
			return &service.QueueDetails{
				Queue: q,
				Tasks: []*models.BatchTask{{ID: "t1", QueueID: id, Status: models.TaskFailed, ErrorMessage: "rate limited", RetryCount: 2}},
			}, nil
		},
	}
	h := newTestRouter(t, svc)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/batches/"+queueID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var resp dto.BatchDetailResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != queueID || len(resp.Tasks) != 1 || resp.Tasks[0].RetryCount != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/batches/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", rec.Code)
	}
}

func TestBatchProgress(t *testing.T) {
	svc := &mockBatchService{
		progressFunc: func(ctx context.Context, id, ownerID string) (*models.Progress, error) {
			return &models.Progress{QueueID: id, Status: models.QueueProcessing, Total: 5, Completed: 2, Failed: 1}, nil
		},
	}
	rec := do(t, newTestRouter(t, svc), httptest.NewRequest(http.MethodGet, "/batches/q1/progress", nil))

	var resp dto.ProgressResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pending != 2 || resp.QueueID != "q1" {
		t.Fatalf("unexpected progress: %+v", resp)
	}
}

func TestCancelBatch(t *testing.T) {
	svc := &mockBatchService{
		cancelFunc: func(ctx context.Context, id, ownerID string) (int64, error) {
			if ownerID != "user-1" {
				return 0, service.ErrQueueNotFound
			}
			return 2, nil
		},
	}
	h := newTestRouter(t, svc)

	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/batches/q1/cancel", nil))
	var resp dto.CancelResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || resp.Cancelled != 2 {
		t.Fatalf("status = %d, cancelled = %d", rec.Code, resp.Cancelled)
	}

	req := httptest.NewRequest(http.MethodPost, "/batches/q1/cancel", nil)
	req.Header.Set(middleware.OwnerHeader, "someone-else")
	if rec := do(t, h, req); rec.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404 for foreign queue, got %d", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	svc := &mockBatchService{
		taskFunc: func(ctx context.Context, id, ownerID string) (*models.BatchTask, error) {
			if id != "t1" || ownerID != "user-1" {
				return nil, service.ErrTaskNotFound
			}
			return &models.BatchTask{
				ID:        id,
				QueueID:   "q1",
				OwnerID:   ownerID,
				Status:    models.TaskCompleted,
				SourceRef: "/uploads/batch/src.png",
				OutputRef: "/uploads/batch/out.png",
				CreatedAt: time.Now(),
			}, nil
		},
	}
	h := newTestRouter(t, svc)

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/tasks/t1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp dto.TaskResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != string(models.TaskCompleted) || resp.OutputURL != "/uploads/batch/out.png" {
		t.Errorf("Unexpected task response: %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks/t1", nil)
	req.Header.Set(middleware.OwnerHeader, "someone-else")
	if rec := do(t, h, req); rec.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404 for foreign task, got %d", rec.Code)
	}
}

func TestRetryTask(t *testing.T) {
	svc := &mockBatchService{
		retryFunc: func(ctx context.Context, id, ownerID string) (*models.BatchTask, error) {
			switch id {
			case "done":
				return nil, fmt.Errorf("task is completed: %w", service.ErrInvalidTaskState)
			case "boom":
				return nil, errors.New("database is locked")
			}
			return &models.BatchTask{ID: id, Status: models.TaskPending}, nil
		},
	}
	h := newTestRouter(t, svc)

	if rec := do(t, h, httptest.NewRequest(http.MethodPost, "/tasks/t1/retry", nil)); rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec := do(t, h, httptest.NewRequest(http.MethodPost, "/tasks/done/retry", nil)); rec.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", rec.Code)
	}

	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/tasks/boom/retry", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); strings.Contains(resp.Error, "database") {
		t.Errorf("internal error leaked: %q", resp.Error)
	}
}

func TestConcurrencyAdmin(t *testing.T) {
	svc := &mockBatchService{
		ceiling: 3,
		setFunc: func(ctx context.Context, n int) error {
			if n < 1 || n > 10 {
				return service.ErrInvalidArgument
			}
			return nil
		},
	}
	h := newTestRouter(t, svc)

	rec := do(t, h, httptest.NewRequest(http.MethodPut, "/admin/concurrency", strings.NewReader(`{"concurrency":11}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodPut, "/admin/concurrency", strings.NewReader(`{"concurrency":5}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/admin/concurrency", nil))
	var resp dto.ConcurrencyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Concurrency != 5 {
		t.Fatalf("concurrency = %d, want 5", resp.Concurrency)
	}
}

func TestServeUpload(t *testing.T) {
	h := newTestRouter(t, &mockBatchService{})

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/uploads/batch/out.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/uploads/batch/missing.png", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(t, &mockBatchService{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}
