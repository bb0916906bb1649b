package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"imageBatch/api/dto"
	"imageBatch/api/middleware"
	"imageBatch/api/validation"
	"imageBatch/worker/service"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps service and validation errors onto HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case validation.IsValidation(err), service.IsValidation(err):
		return http.StatusBadRequest
	case service.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTaskState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func handleError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, message string, err error, status int) {
	traceID := middleware.GetTraceID(r.Context())
	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("owner_id", middleware.GetOwnerID(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}

	if status >= http.StatusInternalServerError {
		logger.Error(message, fields...)
	} else {
		logger.Warn(message, fields...)
		if err != nil {
			message = message + ": " + err.Error()
		}
	}

	respondJSON(w, status, dto.ErrorResponse{
		Error:   message,
		TraceID: traceID,
	})
}

// handleServiceError responds with the status the error maps to.
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, message string, err error) {
	handleError(w, r, logger, message, err, statusFor(err))
}
