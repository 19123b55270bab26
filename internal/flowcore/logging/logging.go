// Package logging provides the structured logger used across flowcore,
// mirroring switchboard's internal/logger: a package-level level knob
// plus one slog.Logger per component name.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu    sync.RWMutex
	level = new(slog.LevelVar)
	base  = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
)

// SetLevel adjusts the global log level at runtime (e.g. from a config flag).
func SetLevel(l slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level.Set(l)
}

// For returns a logger scoped to a single component, e.g. logging.For("flow").
func For(component string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With("component", component)
}
