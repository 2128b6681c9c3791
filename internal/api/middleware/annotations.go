package middleware

import (
	"context"
	"sync"
)

const annotationsKey contextKey = "annotations"

// annotations carries per-request facts discovered by handlers (owner scope,
// reply source) back out to the logging and tracing middleware.
type annotations struct {
	mu     sync.Mutex
	values map[string]string
}

func withAnnotations(ctx context.Context) (context.Context, *annotations) {
	if a, ok := ctx.Value(annotationsKey).(*annotations); ok {
		return ctx, a
	}
	a := &annotations{values: map[string]string{}}
	return context.WithValue(ctx, annotationsKey, a), a
}

func (a *annotations) get(key string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.values[key]
}

// Annotate records key=value for the request in ctx. It is a no-op outside
// the AccessLog or SentryMiddleware chain.
func Annotate(ctx context.Context, key, value string) {
	a, ok := ctx.Value(annotationsKey).(*annotations)
	if !ok || value == "" {
		return
	}
	a.mu.Lock()
	a.values[key] = value
	a.mu.Unlock()
}

// Annotation keys set by the message handler.
const (
	AnnotationOwnerScope  = "owner_scope"
	AnnotationReplySource = "reply_source"
)
