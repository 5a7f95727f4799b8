package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Adapter specific options travel in Options.Context. Each one is registered
// with a name so that options nobody read can be reported, which catches an
// option meant for one adapter being passed to another.

type trackerKey struct{}

type optionTracker struct {
	mu       sync.Mutex
	names    map[any]string
	consumed map[any]bool
}

func trackerFrom(ctx context.Context) *optionTracker {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(trackerKey{}).(*optionTracker)
	return t
}

// TrackOptions returns a context that records tracked values.
func TrackOptions(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if trackerFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, trackerKey{}, &optionTracker{
		names:    make(map[any]string),
		consumed: make(map[any]bool),
	})
}

// WithTrackedValue stores val under key and remembers name for reporting.
func WithTrackedValue(ctx context.Context, key, val any, name string) context.Context {
	ctx = TrackOptions(ctx)
	t := trackerFrom(ctx)
	t.mu.Lock()
	t.names[key] = name
	delete(t.consumed, key)
	t.mu.Unlock()
	return context.WithValue(ctx, key, val)
}

// GetTrackedValue returns the value for key and marks it consumed.
func GetTrackedValue(ctx context.Context, key any) any {
	if ctx == nil {
		return nil
	}
	v := ctx.Value(key)
	if t := trackerFrom(ctx); t != nil && v != nil {
		t.mu.Lock()
		t.consumed[key] = true
		t.mu.Unlock()
	}
	return v
}

// Unconsumed lists the names of tracked options nobody read.
func Unconsumed(ctx context.Context) []string {
	t := trackerFrom(ctx)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for key, name := range t.names {
		if !t.consumed[key] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// WarnUnconsumed logs every tracked option that was never read.
func WarnUnconsumed(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		return
	}
	for _, name := range Unconsumed(ctx) {
		logger.Warn("option was set but not used by this adapter", "option", name)
	}
}
