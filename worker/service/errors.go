package service

import (
	"errors"

	"imageBatch/worker/repository"
)

var (
	ErrEmptyBatch      = errors.New("batch has no images")
	ErrTooManyImages   = errors.New("batch has too many images")
	ErrEmptyPrompt     = errors.New("prompt is required")
	ErrInvalidArgument = errors.New("invalid argument")
)

var (
	ErrQueueNotFound    = repository.ErrQueueNotFound
	ErrTaskNotFound     = repository.ErrTaskNotFound
	ErrInvalidTaskState = repository.ErrInvalidTaskState
)

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrTooManyImages) ||
		errors.Is(err, ErrEmptyPrompt) ||
		errors.Is(err, ErrInvalidArgument)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound) || errors.Is(err, ErrTaskNotFound)
}
