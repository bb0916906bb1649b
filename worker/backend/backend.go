package backend

import (
	"context"
	"errors"
	"fmt"
)

// GenerationBackend turns a source image and a prompt into a new image. A
// call is a single attempt; retrying is up to the caller.
type GenerationBackend interface {
	Edit(ctx context.Context, req EditRequest) (*Result, error)
}

type EditRequest struct {
	Image    []byte
	MimeType string
	Prompt   string
	Model    string
}

type Result struct {
	Data        []byte
	ContentType string
	// SourceURL is where the image was fetched from, empty for inline data.
	SourceURL string
}

type Kind int

const (
	// Transient failures may succeed when the same request is tried again.
	Transient Kind = iota
	// Terminal failures will not, for example bad input or rejected credentials.
	Terminal
)

func (k Kind) String() string {
	if k == Terminal {
		return "terminal"
	}
	return "transient"
}

// Error is the typed failure returned by backends.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsTerminal(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == Terminal
}

func transient(status int, msg string, err error) *Error {
	return &Error{Kind: Transient, StatusCode: status, Message: msg, Err: err}
}

func terminal(status int, msg string, err error) *Error {
	return &Error{Kind: Terminal, StatusCode: status, Message: msg, Err: err}
}
