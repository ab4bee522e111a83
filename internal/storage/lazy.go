package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metrics"
)

// ClientInitTimeout bounds a single client construction attempt.
const ClientInitTimeout = 30 * time.Second

type lazyState int

const (
	stateUninitialized lazyState = iota
	stateInitializing
	stateReady
	stateFailed
)

func (s lazyState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Lazy constructs a vendor client on first use and memoizes the outcome.
//
// The first caller of Get runs the build function; every other caller,
// concurrent or later, blocks until that attempt finishes and then observes
// the same client or the same error. A failed construction is never retried.
type Lazy[T any] struct {
	provider string
	build    func(ctx context.Context) (T, error)

	mu    sync.Mutex
	cond  *sync.Cond
	state lazyState
	value T
	err   error
}

// NewLazy returns an uninitialized Lazy. provider labels logs and metrics.
func NewLazy[T any](provider string, build func(ctx context.Context) (T, error)) *Lazy[T] {
	l := &Lazy[T]{provider: provider, build: build}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Get returns the client, constructing it if this is the first call.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.state == stateInitializing {
		l.cond.Wait()
	}

	switch l.state {
	case stateReady:
		return l.value, nil
	case stateFailed:
		var zero T
		return zero, l.err
	}

	l.state = stateInitializing
	l.mu.Unlock()
	value, err := l.construct(ctx)
	l.mu.Lock()

	if err != nil {
		l.state = stateFailed
		l.err = err
	} else {
		l.state = stateReady
		l.value = value
	}
	l.cond.Broadcast()
	return value, err
}

// construct runs build detached from the caller's cancellation so a caller
// with a short deadline cannot make the failure permanent for everyone.
func (l *Lazy[T]) construct(ctx context.Context) (value T, err error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ClientInitTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, err = zero, fmt.Errorf("%s client construction panicked: %v", l.provider, r)
		}
		metrics.RecordClientInit(l.provider, err == nil)
		if err != nil {
			logging.Error("storage client construction failed",
				zap.String("provider", l.provider),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			return
		}
		logging.Info("storage client ready",
			zap.String("provider", l.provider),
			zap.Duration("duration", time.Since(start)))
	}()

	return l.build(ctx)
}

// State reports the current lifecycle state, for diagnostics.
func (l *Lazy[T]) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.String()
}
