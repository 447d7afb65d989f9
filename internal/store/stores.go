// Package store keeps in-memory, observable caches in sync with the
// forecasting service.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/raphaelgruber/omnisync/internal/identity"
	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/poller"
)

// API is the full transport consumed by the stores.
type API interface {
	InputsAPI
	InsightsAPI
	ForecastAPI
	ChartsAPI
}

// Options configures the stores.
type Options struct {
	PollInterval    time.Duration
	MaxPollFailures int
	Logger          *slog.Logger
	Metrics         *metrics.Collector
}

// Stores is the set of caches built once per process.
type Stores struct {
	Inputs   *InputsStore
	Insights *InsightsStore
	Forecast *ForecastStore
	Charts   *ChartsStore

	cancel context.CancelFunc
}

// New builds all stores. Background work runs until ctx is done or Close is called.
func New(ctx context.Context, api API, ident identity.Provider, opts Options) *Stores {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)

	pollOpts := []poller.Option{
		poller.WithInterval(opts.PollInterval),
		poller.WithMaxFailures(opts.MaxPollFailures),
	}

	forecast := NewForecastStore(ctx, api, logger, opts.Metrics, pollOpts...)
	return &Stores{
		Inputs:   NewInputsStore(ctx, api, ident, logger, opts.Metrics, pollOpts...),
		Insights: NewInsightsStore(ctx, api, ident, logger, opts.Metrics),
		Forecast: forecast,
		Charts:   NewChartsStore(ctx, api, ident, forecast, logger, opts.Metrics),
		cancel:   cancel,
	}
}

// Close stops pollers, watches and background fetches.
func (s *Stores) Close() {
	s.Charts.Close()
	s.Forecast.Close()
	s.Inputs.Close()
	s.cancel()
}
