package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// BuildFunc constructs the retrieval engine and returns a function releasing
// whatever it acquired (pools, clients). The closer may be nil.
type BuildFunc func(ctx context.Context) (Retriever, func(), error)

// LoaderConfig controls construction and the bounded retry policy.
type LoaderConfig struct {
	// InitTimeout bounds a single construction attempt.
	InitTimeout time.Duration
	// RetryCooldown is the minimum gap between a failed attempt and the next one.
	RetryCooldown time.Duration
	// MaxAttempts caps construction attempts for the process lifetime. After that
	// the degraded stand-in is permanent. Values <= 0 mean one attempt.
	MaxAttempts int
}

// DefaultLoaderConfig returns the default loader configuration.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		InitTimeout:   5 * time.Second,
		RetryCooldown: time.Minute,
		MaxAttempts:   3,
	}
}

// RetrieverLoader defers building the retrieval engine until the first request
// needs it and memoizes the outcome. A failed build memoizes DegradedRetriever
// until the cooldown passes, and only MaxAttempts builds are ever tried.
type RetrieverLoader struct {
	build BuildFunc
	cfg   LoaderConfig
	group singleflight.Group
	now   func() time.Time

	mu          sync.Mutex
	ready       Retriever
	closer      func()
	attempts    int
	building    bool
	lastFailure time.Time
	lastErr     error
}

// NewRetrieverLoader creates a loader around build. Nothing is built until Get.
func NewRetrieverLoader(build BuildFunc, cfg LoaderConfig) *RetrieverLoader {
	defaults := DefaultLoaderConfig()
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaults.InitTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &RetrieverLoader{
		build: build,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Get returns the memoized retriever, building it on first use. Callers whose
// context ends while a build is in flight get the degraded stand-in; the build
// itself keeps going for later callers.
func (l *RetrieverLoader) Get(ctx context.Context) Retriever {
	l.mu.Lock()
	if l.ready != nil {
		r := l.ready
		l.mu.Unlock()
		return r
	}
	// An in-flight build is joined even when it used the last attempt.
	if !l.building && !l.canAttemptLocked() {
		l.mu.Unlock()
		return DegradedRetriever{}
	}
	l.mu.Unlock()

	ch := l.group.DoChan("retriever", func() (interface{}, error) {
		return l.attempt(context.WithoutCancel(ctx)), nil
	})

	select {
	case res := <-ch:
		return res.Val.(Retriever)
	case <-ctx.Done():
		return DegradedRetriever{}
	}
}

// Err returns the error of the last failed build, if any.
func (l *RetrieverLoader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Attempts returns how many builds have been started.
func (l *RetrieverLoader) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Loader states reported by Status.
const (
	LoaderPending  = "pending"
	LoaderReady    = "ready"
	LoaderDegraded = "degraded"
)

// Status reports whether the engine has been built yet and how it went. A
// build in flight reports pending.
func (l *RetrieverLoader) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.ready != nil:
		return LoaderReady
	case l.attempts == 0, l.building:
		return LoaderPending
	default:
		return LoaderDegraded
	}
}

// Close releases resources acquired by a successful build.
func (l *RetrieverLoader) Close() {
	l.mu.Lock()
	closer := l.closer
	l.closer = nil
	l.mu.Unlock()
	if closer != nil {
		closer()
	}
}

func (l *RetrieverLoader) attempt(parent context.Context) Retriever {
	l.mu.Lock()
	if l.ready != nil {
		r := l.ready
		l.mu.Unlock()
		return r
	}
	if !l.canAttemptLocked() {
		l.mu.Unlock()
		return DegradedRetriever{}
	}
	l.attempts++
	l.building = true
	attempt := l.attempts
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, l.cfg.InitTimeout)
	defer cancel()

	start := l.now()
	r, closer, err := l.safeBuild(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.building = false
	if err != nil {
		l.lastFailure = l.now()
		l.lastErr = err
		slog.Error("retrieval engine unavailable, using degraded retriever",
			"attempt", attempt,
			"max_attempts", l.cfg.MaxAttempts,
			"retry_cooldown", l.cfg.RetryCooldown.String(),
			"error", err,
		)
		return DegradedRetriever{}
	}

	l.ready = r
	l.closer = closer
	l.lastErr = nil
	slog.Info("retrieval engine ready", "attempt", attempt, "duration_ms", l.now().Sub(start).Milliseconds())
	return r
}

func (l *RetrieverLoader) safeBuild(ctx context.Context) (r Retriever, closer func(), err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, closer, err = nil, nil, fmt.Errorf("retrieval engine build panicked: %v", rec)
		}
	}()
	r, closer, err = l.build(ctx)
	if err == nil && r == nil {
		err = fmt.Errorf("retrieval engine build returned no retriever")
	}
	return r, closer, err
}

func (l *RetrieverLoader) canAttemptLocked() bool {
	if l.attempts == 0 {
		return true
	}
	if l.attempts >= l.cfg.MaxAttempts {
		return false
	}
	return l.now().Sub(l.lastFailure) >= l.cfg.RetryCooldown
}
