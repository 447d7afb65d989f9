package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/models"
)

type step struct {
	job   models.Job
	err   error
	delay time.Duration
}

// scriptedFetcher replays steps in order and repeats the last one.
type scriptedFetcher struct {
	mu       sync.Mutex
	steps    []step
	calls    int
	inFlight atomic.Int32
	maxPar   atomic.Int32
}

func (f *scriptedFetcher) GetJob(ctx context.Context, id string) (*models.Job, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxPar.Load()
		if n <= cur || f.maxPar.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	i := min(f.calls, len(f.steps)-1)
	f.calls++
	st := f.steps[i]
	f.mu.Unlock()

	if st.delay > 0 {
		select {
		case <-time.After(st.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if st.err != nil {
		return nil, st.err
	}
	job := st.job
	job.ID = id
	return &job, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func running(p float64) step {
	return step{job: models.Job{Status: models.JobStatusRunning, Progress: p}}
}

func done() step {
	return step{job: models.Job{Status: models.JobStatusCompleted, Progress: 1}}
}

func failed(msg string, p float64) step {
	return step{job: models.Job{Status: models.JobStatusFailed, Progress: p, Error: &msg}}
}

type recorder struct {
	mu        sync.Mutex
	ticks     []models.Job
	terminals []models.Job
}

func (r *recorder) onTick(j models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, j)
}

func (r *recorder) onTerminal(j models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals = append(r.terminals, j)
}

func (r *recorder) snapshot() ([]models.Job, []models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Job(nil), r.ticks...), append([]models.Job(nil), r.terminals...)
}

func TestPollUntilCompleted(t *testing.T) {
	f := &scriptedFetcher{steps: []step{running(0.1), running(0.4), running(0.8), done()}}
	p := New(f, WithInterval(5*time.Millisecond))
	rec := &recorder{}

	p.Start(context.Background(), "j1", rec.onTick, rec.onTerminal)
	require.NoError(t, p.Wait(context.Background()))

	ticks, terminals := rec.snapshot()
	require.Len(t, ticks, 4)
	require.Len(t, terminals, 1)
	assert.Equal(t, models.JobStatusCompleted, terminals[0].Status)
	assert.Equal(t, "j1", terminals[0].ID)
	assert.False(t, p.Running())

	// no further queries once terminal
	calls := f.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, f.Calls())
	ticksAfter, _ := rec.snapshot()
	assert.Len(t, ticksAfter, 4)
}

func TestProgressIsMonotonic(t *testing.T) {
	f := &scriptedFetcher{steps: []step{running(0.2), running(0.5), running(0.3), running(0.6), done()}}
	p := New(f, WithInterval(time.Millisecond))
	rec := &recorder{}

	p.Start(context.Background(), "j1", rec.onTick, rec.onTerminal)
	require.NoError(t, p.Wait(context.Background()))

	ticks, _ := rec.snapshot()
	for i := 1; i < len(ticks); i++ {
		assert.GreaterOrEqual(t, ticks[i].Progress, ticks[i-1].Progress, "tick %d", i)
	}
}

func TestQueriesNeverOverlap(t *testing.T) {
	slow := running(0.5)
	slow.delay = 20 * time.Millisecond
	f := &scriptedFetcher{steps: []step{slow, slow, slow, done()}}
	p := New(f, WithInterval(time.Millisecond))

	p.Start(context.Background(), "j1", nil, nil)
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, int32(1), f.maxPar.Load())
}

func TestFailedJobStopsPolling(t *testing.T) {
	f := &scriptedFetcher{steps: []step{running(0.6), failed("disk full", 0.6)}}
	p := New(f, WithInterval(time.Millisecond))
	rec := &recorder{}

	p.Start(context.Background(), "j1", rec.onTick, rec.onTerminal)
	require.NoError(t, p.Wait(context.Background()))

	_, terminals := rec.snapshot()
	require.Len(t, terminals, 1)
	assert.Equal(t, models.JobStatusFailed, terminals[0].Status)
	assert.Equal(t, "disk full", terminals[0].ErrorText())
	assert.Equal(t, 2, f.Calls())
}

func TestTransientFailuresAreRetried(t *testing.T) {
	boom := errors.New("connection reset")
	f := &scriptedFetcher{steps: []step{running(0.2), {err: boom}, {err: boom}, running(0.7), done()}}
	m := metrics.NewCollector(nil)
	p := New(f, WithInterval(time.Millisecond), WithMaxFailures(3), WithMetrics(m))
	rec := &recorder{}

	p.Start(context.Background(), "j1", rec.onTick, rec.onTerminal)
	require.NoError(t, p.Wait(context.Background()))

	ticks, terminals := rec.snapshot()
	assert.Len(t, ticks, 3)
	require.Len(t, terminals, 1)
	assert.Equal(t, models.JobStatusCompleted, terminals[0].Status)

	snap := m.Snapshot().Operations[metrics.OpJobPoll]
	assert.Equal(t, int64(5), snap.Count)
	assert.Equal(t, int64(2), snap.Failures)
}

func TestPersistentFailureBecomesFailedJob(t *testing.T) {
	boom := errors.New("connection refused")
	f := &scriptedFetcher{steps: []step{running(0.4), {err: boom}}}
	p := New(f, WithInterval(time.Millisecond), WithMaxFailures(2))
	rec := &recorder{}

	p.Start(context.Background(), "j1", rec.onTick, rec.onTerminal)
	require.NoError(t, p.Wait(context.Background()))

	_, terminals := rec.snapshot()
	require.Len(t, terminals, 1)
	job := terminals[0]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.InDelta(t, 0.4, job.Progress, 1e-9)
	assert.Contains(t, job.ErrorText(), ErrTooManyFailures.Error())
	assert.Contains(t, job.ErrorText(), "connection refused")
	assert.Equal(t, 3, f.Calls())
}

func TestToleratedFailuresDoNotCount(t *testing.T) {
	notFound := errors.New("404 job not found")
	f := &scriptedFetcher{steps: []step{
		{err: notFound}, {err: notFound}, {err: notFound}, {err: notFound},
		{err: notFound}, {err: notFound}, running(0.5), done(),
	}}
	// the first four failures are tolerated, the next two count
	p := New(f, WithInterval(time.Millisecond), WithMaxFailures(3), WithTolerate(func(error) bool {
		return f.Calls() <= 4
	}))
	rec := &recorder{}

	p.Start(context.Background(), "j1", rec.onTick, rec.onTerminal)
	require.NoError(t, p.Wait(context.Background()))

	_, terminals := rec.snapshot()
	require.Len(t, terminals, 1)
	assert.Equal(t, models.JobStatusCompleted, terminals[0].Status)
	assert.Equal(t, 8, f.Calls())
}

func TestBudgetAppliesOnceToleranceEnds(t *testing.T) {
	boom := errors.New("connection refused")
	f := &scriptedFetcher{steps: []step{{err: boom}}}
	p := New(f, WithInterval(time.Millisecond), WithMaxFailures(2), WithTolerate(func(error) bool {
		return f.Calls() <= 3
	}))
	rec := &recorder{}

	p.Start(context.Background(), "j1", rec.onTick, rec.onTerminal)
	require.NoError(t, p.Wait(context.Background()))

	_, terminals := rec.snapshot()
	require.Len(t, terminals, 1)
	assert.Equal(t, models.JobStatusFailed, terminals[0].Status)
	assert.Equal(t, 5, f.Calls())
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(&scriptedFetcher{steps: []step{running(0)}})
	p.Stop()
	p.Stop()
	assert.False(t, p.Running())
	require.NoError(t, p.Wait(context.Background()))
}

func TestStopPreventsTerminal(t *testing.T) {
	f := &scriptedFetcher{steps: []step{running(0.1)}}
	p := New(f, WithInterval(2*time.Millisecond))
	rec := &recorder{}

	p.Start(context.Background(), "j1", rec.onTick, rec.onTerminal)
	require.Eventually(t, func() bool { return f.Calls() >= 2 }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()
	require.NoError(t, p.Wait(context.Background()))

	calls := f.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.Calls())
	_, terminals := rec.snapshot()
	assert.Empty(t, terminals)
}

func TestStartSupersedesPreviousSession(t *testing.T) {
	slow := running(0.5)
	slow.delay = 50 * time.Millisecond
	f := &scriptedFetcher{steps: []step{slow, done()}}
	p := New(f, WithInterval(time.Millisecond))

	first := &recorder{}
	p.Start(context.Background(), "old", first.onTick, first.onTerminal)
	require.Eventually(t, func() bool { return f.Calls() == 1 }, time.Second, time.Millisecond)

	second := &recorder{}
	p.Start(context.Background(), "new", second.onTick, second.onTerminal)
	require.NoError(t, p.Wait(context.Background()))

	_, terminals := second.snapshot()
	require.Len(t, terminals, 1)
	assert.Equal(t, "new", terminals[0].ID)

	time.Sleep(60 * time.Millisecond)
	oldTicks, oldTerminals := first.snapshot()
	assert.Empty(t, oldTicks)
	assert.Empty(t, oldTerminals)
}

func TestContextCancellationStopsSession(t *testing.T) {
	f := &scriptedFetcher{steps: []step{running(0.1)}}
	p := New(f, WithInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	p.Start(ctx, "j1", nil, nil)
	require.Eventually(t, func() bool { return f.Calls() >= 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, p.Wait(context.Background()))
}
