package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"imageBatch/api/middleware"
	"imageBatch/worker/storage"
)

// NewRouter registers every route and wraps the mux with the common
// middleware stack. Batch and task routes require a caller identity.
func NewRouter(batch *BatchHandler, uploads *UploadHandler, metrics http.Handler, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	owned := func(h http.HandlerFunc) http.Handler {
		return middleware.Owner(h)
	}

	mux.Handle("POST /batches", owned(batch.Submit))
	mux.Handle("POST /batches/edit", owned(batch.SubmitEdit))
	mux.Handle("GET /batches", owned(batch.List))
	mux.Handle("GET /batches/{id}", owned(batch.Status))
	mux.Handle("GET /batches/{id}/progress", owned(batch.Progress))
	mux.Handle("POST /batches/{id}/cancel", owned(batch.Cancel))
	mux.Handle("GET /tasks/{id}", owned(batch.Task))
	mux.Handle("POST /tasks/{id}/retry", owned(batch.RetryTask))

	mux.HandleFunc("GET /admin/concurrency", batch.GetConcurrency)
	mux.HandleFunc("PUT /admin/concurrency", batch.SetConcurrency)

	mux.HandleFunc("GET "+storage.RefPrefix+"{key...}", uploads.Serve)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return middleware.Chain(mux,
		middleware.TraceID,
		middleware.Logging(logger),
		middleware.Recovery(logger),
	)
}
