package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"imageBatch/worker/storage"
)

// ArtifactLoader reads stored sources and results by reference.
type ArtifactLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

type UploadHandler struct {
	store  ArtifactLoader
	logger *zap.Logger
}

func NewUploadHandler(store ArtifactLoader, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{store: store, logger: logger}
}

// Serve streams a stored image. The request path is its reference.
func (h *UploadHandler) Serve(w http.ResponseWriter, r *http.Request) {
	data, err := h.store.Load(r.Context(), r.URL.Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidRef) {
			handleError(w, r, h.logger, "Image not found", nil, http.StatusNotFound)
			return
		}
		handleError(w, r, h.logger, "Failed to load image", err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
