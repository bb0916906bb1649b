// Package testsupport holds fixtures shared by tests of several packages.
package testsupport

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"imageBatch/worker/backend"
	"imageBatch/worker/repository"
)

// PNG returns a small valid PNG image. Different sizes give different bytes.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// OpenSQLite opens a migrated repository in a temporary directory.
func OpenSQLite(t testing.TB) *repository.SQLiteRepo {
	t.Helper()
	ctx := context.Background()
	repo, err := repository.OpenSQLite(ctx, filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// Backend is a scripted GenerationBackend. Behave decides the outcome of
// each call from the request and the number of earlier calls for the same
// source image; a nil Behave always succeeds.
type Backend struct {
	Image  []byte
	Delay  time.Duration
	Behave func(req backend.EditRequest, attempt int) error

	mu       sync.Mutex
	attempts map[string]int
	calls    []string
	running  int
	peak     int
}

func (b *Backend) Edit(ctx context.Context, req backend.EditRequest) (*backend.Result, error) {
	b.mu.Lock()
	if b.attempts == nil {
		b.attempts = make(map[string]int)
	}
	key := string(req.Image)
	attempt := b.attempts[key]
	b.attempts[key]++
	b.calls = append(b.calls, key)
	b.running++
	if b.running > b.peak {
		b.peak = b.running
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running--
		b.mu.Unlock()
	}()

	if b.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Delay):
		}
	}

	if b.Behave != nil {
		if err := b.Behave(req, attempt); err != nil {
			return nil, err
		}
	}
	return &backend.Result{Data: b.Image, ContentType: "image/png"}, nil
}

// Calls returns the source images of all calls in call order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Peak returns the highest number of concurrent calls observed.
func (b *Backend) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// Running returns the number of calls in progress.
func (b *Backend) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
