package validation

import "errors"

var (
	ErrInvalidFileType   = errors.New("invalid file type")
	ErrFileTooLarge      = errors.New("file size exceeds limit")
	ErrExtensionMismatch = errors.New("file extension does not match content")
	ErrEmptyFile         = errors.New("file is empty")
)

// IsValidation reports whether err is one of the upload validation errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidFileType) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrExtensionMismatch) ||
		errors.Is(err, ErrEmptyFile)
}
