package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// RefPrefix starts every artifact reference handed out by a Store.
const RefPrefix = "/uploads/"

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidRef = errors.New("invalid artifact reference")
)

// Store keeps image artifacts and hands out stable references to them.
type Store interface {
	// Save stores data under key (for example "batch/<id>.png") and returns
	// its reference.
	Save(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Load(ctx context.Context, ref string) ([]byte, error)
	// Delete removes the artifact behind ref. Deleting a missing artifact is
	// not an error.
	Delete(ctx context.Context, ref string) error
}

// KeyFromRef validates ref and returns the storage key it points to.
func KeyFromRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, RefPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return cleanKey(strings.TrimPrefix(ref, RefPrefix))
}

func RefFromKey(key string) string {
	return RefPrefix + key
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidRef, key)
		}
	}
	return path.Clean(key), nil
}
