// Package poller polls server-side jobs until they reach a terminal status.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/models"
)

// DefaultInterval is the period between two status queries.
const DefaultInterval = time.Second

// DefaultMaxFailures is the number of consecutive failed queries tolerated
// before the job is reported as failed.
const DefaultMaxFailures = 3

// ErrTooManyFailures is wrapped into the error text of a synthetic failed job.
var ErrTooManyFailures = errors.New("job status unavailable")

// JobFetcher queries the status of a job.
type JobFetcher interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxFailures sets how many consecutive failed queries are retried.
func WithMaxFailures(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxFailures = n
		}
	}
}

// WithTolerate retries failed queries for which tolerate returns true without
// counting them against the failure budget. A tolerated failure also resets
// the count of consecutive failures.
func WithTolerate(tolerate func(err error) bool) Option {
	return func(p *Poller) { p.tolerate = tolerate }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records every status query into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Poller) { p.metrics = m }
}

type session struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller runs at most one polling session at a time. Starting a new session
// stops the previous one. Queries within a session are strictly sequential.
type Poller struct {
	fetcher     JobFetcher
	interval    time.Duration
	maxFailures int
	tolerate    func(err error) bool
	logger      *slog.Logger
	metrics     *metrics.Collector

	mu      sync.Mutex
	current *session
	last    *session
}

// New creates a poller that queries jobs through f.
func New(f JobFetcher, opts ...Option) *Poller {
	p := &Poller{
		fetcher:     f,
		interval:    DefaultInterval,
		maxFailures: DefaultMaxFailures,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling jobID. onTick receives every job snapshot, terminal one
// included. onTerminal runs exactly once after the session has stopped itself.
// The first query is issued immediately.
func (p *Poller) Start(ctx context.Context, jobID string, onTick, onTerminal func(models.Job)) {
	p.Stop()

	ctx, cancel := context.WithCancel(ctx)
	s := &session{jobID: jobID, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.current = s
	p.last = s
	p.mu.Unlock()

	go p.run(ctx, s, onTick, onTerminal)
}

// Stop cancels the running session, if any. It does not wait for an in-flight
// query to return; its result is dropped.
func (p *Poller) Stop() {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.mu.Unlock()

	if s != nil {
		s.cancel()
	}
}

// Running reports whether a session is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// JobID returns the job of the active session, or "".
func (p *Poller) JobID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.jobID
}

// Wait blocks until the most recently started session has returned from its
// callbacks, or ctx is done.
func (p *Poller) Wait(ctx context.Context) error {
	p.mu.Lock()
	s := p.last
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish detaches s if it is still current. Returns false if s was superseded
// or stopped in the meantime.
func (p *Poller) finish(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != s {
		return false
	}
	p.current = nil
	return true
}

func (p *Poller) run(ctx context.Context, s *session, onTick, onTerminal func(models.Job)) {
	defer close(s.done)
	defer s.cancel()
	defer p.finish(s)

	logger := p.logger.With("job_id", s.jobID)
	timer := time.NewTimer(0)
	defer timer.Stop()

	var (
		last     float64
		failures int
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		job, err := p.query(ctx, s.jobID)
		if ctx.Err() != nil {
			return
		}

		if err != nil && p.tolerate != nil && p.tolerate(err) {
			failures = 0
			logger.Debug("job poll failed, retrying", "error", err)
			timer.Reset(p.interval)
			continue
		}
		if err != nil {
			failures++
			if failures < p.maxFailures {
				logger.Warn("job poll failed", "attempt", failures, "error", err)
				timer.Reset(p.interval)
				continue
			}
			logger.Error("job poll giving up", "attempts", failures, "error", err)
			msg := fmt.Errorf("%w: %w", ErrTooManyFailures, err).Error()
			job = &models.Job{ID: s.jobID, Status: models.JobStatusFailed, Progress: last, Error: &msg}
		} else {
			failures = 0
		}

		snap := *job
		if snap.Progress < last {
			snap.Progress = last
		}
		last = snap.Progress

		if !snap.Terminal() {
			if onTick != nil {
				onTick(snap)
			}
			timer.Reset(p.interval)
			continue
		}

		if !p.finish(s) {
			return
		}
		logger.Debug("job terminal", "status", snap.Status)
		if onTick != nil {
			onTick(snap)
		}
		if onTerminal != nil {
			onTerminal(snap)
		}
		return
	}
}

func (p *Poller) query(ctx context.Context, id string) (*models.Job, error) {
	start := time.Now()
	job, err := p.fetcher.GetJob(ctx, id)
	p.metrics.RecordTiming(metrics.OpJobPoll, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return job, nil
}
