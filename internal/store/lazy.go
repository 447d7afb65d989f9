package store

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raphaelgruber/omnisync/internal/metrics"
)

// result applies fetched data to the owner's state. It runs with the owner's
// lock held and may return a follow-up to run once the lock is released.
type result func() (after func())

type fetchFunc func(ctx context.Context) (result, error)

// lazy tracks the population state of a store. Every fetch is tagged with the
// generation current at its start and is only committed if the generation is
// unchanged on arrival.
type lazy struct {
	*Notifier

	name    string
	ctx     context.Context
	fetch   fetchFunc
	logger  *slog.Logger
	metrics *metrics.Collector
	flight  singleflight.Group

	mu        sync.RWMutex
	populated bool
	loading   bool
	err       error
	gen       uint64
	committed uint64
	triggered bool
}

func (l *lazy) init(ctx context.Context, name string, fetch fetchFunc, logger *slog.Logger, m *metrics.Collector) {
	if logger == nil {
		logger = slog.Default()
	}
	l.Notifier = NewNotifier()
	l.name = name
	l.ctx = ctx
	l.fetch = fetch
	l.logger = logger.With("cache", name)
	l.metrics = m
	l.loading = true
}

// Populated reports whether a fetch has ever been committed.
func (l *lazy) Populated() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.populated
}

// Loading is true until the first fetch completes, successfully or not.
func (l *lazy) Loading() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loading
}

// Err returns the error of the last failed fetch, cleared by the next success.
func (l *lazy) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// triggerLocked starts a background population the first time an unpopulated store
// is read. A failed background fetch is not retried until EnsureLoaded or
// Refresh is called. Must be called with l.mu held.
func (l *lazy) triggerLocked() {
	if l.populated || l.triggered {
		return
	}
	l.triggered = true
	go func() {
		if err := l.EnsureLoaded(l.ctx); err != nil {
			l.logger.Warn("background fetch failed", "error", err)
		}
	}()
}

// EnsureLoaded returns once the store is populated or the latest fetch failed.
// Concurrent callers share a single fetch.
func (l *lazy) EnsureLoaded(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.populated {
			l.mu.Unlock()
			return nil
		}
		l.triggered = true
		gen := l.gen
		l.mu.Unlock()

		if err := l.load(ctx, gen); err != nil {
			return err
		}

		l.mu.RLock()
		settled := l.populated || l.gen == gen
		l.mu.RUnlock()
		if settled {
			return nil
		}
	}
}

// Refresh forces a new fetch. An older in-flight fetch is not aborted; its
// result is discarded on arrival.
func (l *lazy) Refresh(ctx context.Context) error {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.triggered = true
	if !l.populated {
		l.loading = true
	}
	l.mu.Unlock()

	return l.load(ctx, gen)
}

// set replaces the state outside of a fetch, superseding any fetch in flight.
func (l *lazy) set(apply func()) {
	l.mu.Lock()
	l.gen++
	apply()
	l.committed = l.gen
	l.populated = true
	l.loading = false
	l.err = nil
	l.mu.Unlock()

	l.Broadcast()
}

// load joins or starts the fetch for gen. The fetch runs under the store
// context so that a caller giving up does not fail it for the others.
func (l *lazy) load(ctx context.Context, gen uint64) error {
	ch := l.flight.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		l.mu.RLock()
		done := l.populated && l.committed == gen
		l.mu.RUnlock()
		if done {
			return nil, nil
		}
		return nil, l.run(l.ctx, gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lazy) run(ctx context.Context, gen uint64) error {
	l.logger.Debug("fetch started", "generation", gen)
	start := time.Now()
	res, err := l.fetch(ctx)
	l.metrics.RecordTiming(metrics.OpPopulate, time.Since(start), err)

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		l.metrics.RecordStaleDiscard(l.name)
		l.logger.Debug("stale fetch discarded", "generation", gen)
		return nil
	}

	var after func()
	if err != nil {
		l.loading = false
		l.err = err
	} else {
		after = res()
		l.populated = true
		l.committed = gen
		l.loading = false
		l.err = nil
	}
	l.mu.Unlock()

	l.Broadcast()
	if after != nil {
		after()
	}
	return err
}
