package store

import (
	"context"
	"time"

	"github.com/c3nav/mpc/pkg/log"
)

type hookKey struct{}

// Hooks satisfies sqlhooks.Hooks, logging every query and its duration at
// debug level, the same Before/After pair as the teacher's
// internal/repository/hooks.go.
type Hooks struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("store: query %s %q", query, args)
	return context.WithValue(ctx, hookKey{}, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(hookKey{}).(time.Time); ok {
		log.Debugf("store: took %s", time.Since(begin))
	}
	return ctx, nil
}
