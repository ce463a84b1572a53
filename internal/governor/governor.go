// Package governor bounds in-flight probe work with per-resource-class
// semaphores and optional per-connection serialization.
package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrResourceExhausted is returned when an acquire waits longer than the hard
// ceiling (2× the probe timeout by default).
var ErrResourceExhausted = errors.New("resource slots exhausted")

// Class selects which semaphore an acquire draws from.
type Class int

const (
	ClassHTTP Class = iota
	ClassDB
)

// Governor holds the two global slot pools and the per-connection mutex map.
type Governor struct {
	http *semaphore.Weighted
	db   *semaphore.Weighted

	mu      sync.Mutex
	targets map[string]*sync.Mutex
}

// New creates a governor with the given global caps.
func New(httpSlots, dbSlots int) *Governor {
	if httpSlots < 1 {
		httpSlots = 1
	}
	if dbSlots < 1 {
		dbSlots = 1
	}
	return &Governor{
		http:    semaphore.NewWeighted(int64(httpSlots)),
		db:      semaphore.NewWeighted(int64(dbSlots)),
		targets: make(map[string]*sync.Mutex),
	}
}

// Acquire blocks until a slot is free, the ceiling elapses, or ctx is
// cancelled. The returned release function is safe to call exactly once and
// must run on every exit path.
func (g *Governor) Acquire(ctx context.Context, class Class, ceiling time.Duration) (release func(), err error) {
	sem := g.http
	if class == ClassDB {
		sem = g.db
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if ceiling > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, ceiling)
		defer cancel()
	}

	if err := sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrResourceExhausted
	}

	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// LockTarget serializes probes against one connection target. Returns an
// unlock function. Callers that do not request serialization skip this.
func (g *Governor) LockTarget(name string) func() {
	g.mu.Lock()
	m, ok := g.targets[name]
	if !ok {
		m = &sync.Mutex{}
		g.targets[name] = m
	}
	g.mu.Unlock()

	m.Lock()
	return m.Unlock
}
