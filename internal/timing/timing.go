// Package timing accumulates per-request embedding and database time so tool
// responses can report them separately from total latency.
package timing

import (
	"context"
	"sync"
	"time"
)

// Timer collects elapsed time by category for one tool call.
type Timer struct {
	mu    sync.Mutex
	embed time.Duration
	db    time.Duration
}

type contextKey struct{}

// WithTimer returns a context carrying a fresh Timer.
func WithTimer(ctx context.Context) (context.Context, *Timer) {
	t := &Timer{}
	return context.WithValue(ctx, contextKey{}, t), t
}

// FromContext retrieves the Timer, or nil when the request is untimed.
func FromContext(ctx context.Context) *Timer {
	t, _ := ctx.Value(contextKey{}).(*Timer)
	return t
}

// AddEmbed records embedding-call time.
func (t *Timer) AddEmbed(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.embed += d
	t.mu.Unlock()
}

// AddDB records database time.
func (t *Timer) AddDB(d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.db += d
	t.mu.Unlock()
}

// Embed returns accumulated embedding time.
func (t *Timer) Embed() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.embed
}

// DB returns accumulated database time.
func (t *Timer) DB() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db
}

// ObserveDB runs fn and charges its duration to the context's Timer (if any).
func ObserveDB(ctx context.Context, fn func() error) error {
	start := time.Now()
	err := fn()
	FromContext(ctx).AddDB(time.Since(start))
	return err
}
