package concurrency

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	MinCeiling     = 1
	MaxCeiling     = 10
	DefaultCeiling = 3
)

var ErrInvalidCeiling = fmt.Errorf("concurrency must be between %d and %d", MinCeiling, MaxCeiling)

// CeilingStore persists the ceiling so it survives restarts.
type CeilingStore interface {
	GetConcurrencyCeiling(ctx context.Context) (int, bool, error)
	SetConcurrencyCeiling(ctx context.Context, n int) error
}

// Limiter is the runtime side of the ceiling.
type Limiter interface {
	SetLimit(n int)
	Active() int
}

type Controller struct {
	mu      sync.Mutex
	ceiling int
	store   CeilingStore
	limiter Limiter
	logger  *zap.Logger
}

func NewController(store CeilingStore, limiter Limiter, logger *zap.Logger) *Controller {
	return &Controller{
		ceiling: DefaultCeiling,
		store:   store,
		limiter: limiter,
		logger:  logger,
	}
}

// Load reads the persisted ceiling. A missing or out of range value falls
// back to fallback, which itself is clamped into range.
func (c *Controller) Load(ctx context.Context, fallback int) (int, error) {
	n, ok, err := c.store.GetConcurrencyCeiling(ctx)
	if err != nil {
		return 0, fmt.Errorf("load concurrency ceiling: %w", err)
	}
	if !ok || Validate(n) != nil {
		if ok {
			c.logger.Warn("Ignoring persisted concurrency ceiling out of range", zap.Int("value", n))
		}
		n = clamp(fallback)
	}

	c.mu.Lock()
	c.ceiling = n
	c.mu.Unlock()
	c.limiter.SetLimit(n)

	c.logger.Info("Concurrency ceiling loaded", zap.Int("ceiling", n), zap.Bool("persisted", ok))
	return n, nil
}

func (c *Controller) Ceiling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ceiling
}

func (c *Controller) Active() int {
	return c.limiter.Active()
}

// SetCeiling persists n and applies it to the pool. Tasks already running
// above a lowered ceiling finish normally.
func (c *Controller) SetCeiling(ctx context.Context, n int) error {
	if err := Validate(n); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.SetConcurrencyCeiling(ctx, n); err != nil {
		return fmt.Errorf("persist concurrency ceiling: %w", err)
	}
	prev := c.ceiling
	c.ceiling = n
	c.limiter.SetLimit(n)

	c.logger.Info("Concurrency ceiling updated", zap.Int("from", prev), zap.Int("to", n))
	return nil
}

// Refresh picks up a ceiling persisted by another process. It reports
// whether the runtime limit changed.
func (c *Controller) Refresh(ctx context.Context) (bool, error) {
	n, ok, err := c.store.GetConcurrencyCeiling(ctx)
	if err != nil {
		return false, fmt.Errorf("refresh concurrency ceiling: %w", err)
	}
	if !ok || Validate(n) != nil {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n == c.ceiling {
		return false, nil
	}
	prev := c.ceiling
	c.ceiling = n
	c.limiter.SetLimit(n)

	c.logger.Info("Concurrency ceiling changed externally", zap.Int("from", prev), zap.Int("to", n))
	return true, nil
}

func Validate(n int) error {
	if n < MinCeiling || n > MaxCeiling {
		return fmt.Errorf("%w: got %d", ErrInvalidCeiling, n)
	}
	return nil
}

func clamp(n int) int {
	switch {
	case n < MinCeiling:
		return DefaultCeiling
	case n > MaxCeiling:
		return MaxCeiling
	}
	return n
}
