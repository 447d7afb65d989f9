package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/omnisync/internal/client"
	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/models"
	"github.com/raphaelgruber/omnisync/internal/poller"
)

// ForecastAPI is the transport used by ForecastStore.
type ForecastAPI interface {
	poller.JobFetcher
	GetLatestForecast(ctx context.Context) (*client.ForecastResult, error)
	StartForecast(ctx context.Context) (*client.ForecastResult, error)
	PublishForecast(ctx context.Context, id int64) (*models.Forecast, error)
}

// ForecastStore holds the latest forecast and the job generating it.
type ForecastStore struct {
	lazy
	api    ForecastAPI
	poller *poller.Poller

	forecast *models.Forecast
	job      *models.Job
}

// NewForecastStore creates an unpopulated forecast store.
func NewForecastStore(ctx context.Context, api ForecastAPI, logger *slog.Logger, m *metrics.Collector, pollOpts ...poller.Option) *ForecastStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ForecastStore{api: api}
	s.poller = poller.New(api, append([]poller.Option{poller.WithLogger(logger), poller.WithMetrics(m)}, pollOpts...)...)
	s.init(ctx, "forecast", s.fetchLatest, logger, m)
	return s
}

func (s *ForecastStore) fetchLatest(ctx context.Context) (result, error) {
	res, err := s.api.GetLatestForecast(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest forecast: %w", err)
	}
	return func() func() {
		s.forecast = res.Forecast
		s.job = res.Job
		return s.followJobLocked()
	}, nil
}

// followJobLocked returns a follow-up that polls the current job if it is
// still running.
func (s *ForecastStore) followJobLocked() func() {
	if s.job == nil || s.job.Terminal() {
		return nil
	}
	id := s.job.ID
	return func() { s.pollJob(id) }
}

func (s *ForecastStore) pollJob(jobID string) {
	s.logger.Info("following forecast job", "job_id", jobID)
	s.poller.Start(s.ctx, jobID, func(j models.Job) {
		s.mu.Lock()
		changed := s.job != nil && s.job.ID == j.ID
		if changed {
			s.job = &j
		}
		s.mu.Unlock()
		if changed {
			s.Broadcast()
		}
	}, func(j models.Job) {
		s.logger.Info("forecast job finished", "job_id", j.ID, "status", j.Status)
		if err := s.Refresh(s.ctx); err != nil {
			s.logger.Warn("refresh forecast after job failed", "error", err)
		}
	})
}

// Peek returns the forecast and job without triggering a fetch.
func (s *ForecastStore) Peek() (*models.Forecast, *models.Job) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneForecast(s.forecast), cloneJob(s.job)
}

// Forecast returns the latest forecast, or nil, triggering the first fetch.
func (s *ForecastStore) Forecast() *models.Forecast {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerLocked()
	return cloneForecast(s.forecast)
}

// Job returns the job of the latest forecast, or nil, triggering the first fetch.
func (s *ForecastStore) Job() *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerLocked()
	return cloneJob(s.job)
}

// ForecastID returns the id of the current forecast, or 0 when there is none.
// It never triggers a fetch.
func (s *ForecastStore) ForecastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.forecast == nil {
		return 0
	}
	return s.forecast.ID
}

// StartForecast starts a new forecast run and follows its job, replacing any
// previous poll.
func (s *ForecastStore) StartForecast(ctx context.Context) (*models.Forecast, *models.Job, error) {
	res, err := s.api.StartForecast(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("start forecast: %w", err)
	}

	var follow func()
	s.set(func() {
		s.forecast = res.Forecast
		s.job = res.Job
		follow = s.followJobLocked()
	})
	if follow != nil {
		follow()
	} else {
		s.poller.Stop()
	}
	s.logger.Info("forecast started", "forecast_id", res.Forecast.ID)
	return cloneForecast(res.Forecast), cloneJob(res.Job), nil
}

// PublishForecast publishes the current forecast.
func (s *ForecastStore) PublishForecast(ctx context.Context) (*models.Forecast, error) {
	id := s.ForecastID()
	if id == 0 {
		return nil, ErrNoForecast
	}

	f, err := s.api.PublishForecast(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("publish forecast %d: %w", id, err)
	}

	s.mu.Lock()
	if s.forecast != nil && s.forecast.ID == f.ID {
		s.forecast = f
	}
	s.mu.Unlock()
	s.Broadcast()
	return cloneForecast(f), nil
}

// WaitJob blocks until the followed job has finished and the forecast has been
// refetched, or ctx is done.
func (s *ForecastStore) WaitJob(ctx context.Context) error {
	return s.poller.Wait(ctx)
}

// Close stops polling.
func (s *ForecastStore) Close() {
	s.poller.Stop()
}

func cloneForecast(f *models.Forecast) *models.Forecast {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func cloneJob(j *models.Job) *models.Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}
