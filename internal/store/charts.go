package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raphaelgruber/omnisync/internal/identity"
	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/models"
)

// ChartsAPI is the transport used by ChartsStore.
type ChartsAPI interface {
	GetUserCharts(ctx context.Context, username string) ([]models.UserChart, error)
	AddUserChart(ctx context.Context, key models.ChartKey, username string) (*models.UserChart, error)
	chartFetcher
}

type chartFetcher interface {
	GetChart(ctx context.Context, key models.ChartKey, forecastID int64) (*models.Chart, error)
}

// ForecastSource exposes the forecast identity charts depend on.
type ForecastSource interface {
	Observable
	ForecastID() int64
}

// ChartsStore holds the user's pinned charts and one Chart per key. Every
// Chart is invalidated when the forecast identity changes.
type ChartsStore struct {
	*Cache[models.UserChart, int64]
	api     ChartsAPI
	ident   identity.Provider
	ctx     context.Context
	logger  *slog.Logger
	metrics *metrics.Collector

	chartsMu   sync.Mutex
	charts     map[models.ChartKey]*Chart
	forecastID int64
	stopWatch  func()
}

// NewChartsStore creates the charts store and starts watching src.
func NewChartsStore(ctx context.Context, api ChartsAPI, ident identity.Provider, src ForecastSource, logger *slog.Logger, m *metrics.Collector) *ChartsStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ChartsStore{
		api:     api,
		ident:   ident,
		ctx:     ctx,
		logger:  logger,
		metrics: m,
		charts:  make(map[models.ChartKey]*Chart),
	}
	s.Cache = NewCache(ctx, CacheConfig[models.UserChart, int64]{
		Name: "user_charts",
		Fetch: func(ctx context.Context) ([]models.UserChart, error) {
			username := ident.Username()
			if username == "" {
				return nil, ErrNotLoggedIn
			}
			charts, err := api.GetUserCharts(ctx, username)
			if err != nil {
				return nil, fmt.Errorf("get user charts: %w", err)
			}
			return charts, nil
		},
		Key:     func(c models.UserChart) int64 { return c.ID },
		Logger:  logger,
		Metrics: m,
	})

	s.chartsMu.Lock()
	s.forecastID, s.stopWatch = Watch(src, src.ForecastID, s.onForecastChange)
	s.chartsMu.Unlock()
	return s
}

func (s *ChartsStore) onForecastChange(prev, next int64) {
	s.chartsMu.Lock()
	s.forecastID = next
	charts := make([]*Chart, 0, len(s.charts))
	for _, c := range s.charts {
		charts = append(charts, c)
	}
	s.chartsMu.Unlock()

	s.logger.Debug("forecast changed, invalidating charts", "from", prev, "to", next, "charts", len(charts))
	for _, c := range charts {
		c.reset(next)
	}
}

// Chart returns the chart for key, creating it bound to the current forecast.
func (s *ChartsStore) Chart(key models.ChartKey) *Chart {
	s.chartsMu.Lock()
	defer s.chartsMu.Unlock()
	if c, ok := s.charts[key]; ok {
		return c
	}
	c := newChart(s.ctx, key, s.forecastID, s.api, s.logger, s.metrics)
	s.charts[key] = c
	return c
}

// CreateChart pins a chart grouping x by agg over y for the current user.
// An empty agg selects the default aggregation.
func (s *ChartsStore) CreateChart(ctx context.Context, x, y, agg string) (*models.UserChart, error) {
	if agg == "" {
		agg = models.DefaultAggregation
	}
	key := models.NewChartKey(x, agg, y)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	username := s.ident.Username()
	if username == "" {
		return nil, ErrNotLoggedIn
	}

	uc, err := s.api.AddUserChart(ctx, key, username)
	if err != nil {
		return nil, fmt.Errorf("add chart %s: %w", key, err)
	}
	s.Merge(*uc)
	return uc, nil
}

// Close stops watching the forecast.
func (s *ChartsStore) Close() {
	s.chartsMu.Lock()
	stop := s.stopWatch
	s.chartsMu.Unlock()
	if stop != nil {
		stop()
	}
}

// Chart is the data of one chart key for the current forecast. Data is nil
// while unfetched or stale; it never mixes rows of two forecasts.
type Chart struct {
	*Notifier
	key     models.ChartKey
	api     chartFetcher
	ctx     context.Context
	logger  *slog.Logger
	metrics *metrics.Collector
	flight  singleflight.Group

	mu         sync.RWMutex
	forecastID int64
	data       *models.Chart
	loading    bool
	err        error
	gen        uint64
	triggered  bool
}

func newChart(ctx context.Context, key models.ChartKey, forecastID int64, api chartFetcher, logger *slog.Logger, m *metrics.Collector) *Chart {
	return &Chart{
		Notifier:   NewNotifier(),
		key:        key,
		api:        api,
		ctx:        ctx,
		logger:     logger.With("chart_key", key.String()),
		metrics:    m,
		forecastID: forecastID,
		loading:    forecastID != 0,
	}
}

// Key returns the chart key.
func (c *Chart) Key() models.ChartKey { return c.key }

// Fields returns the chart's fields without the aggregation.
func (c *Chart) Fields() []string { return c.key.Fields() }

// ForecastID returns the forecast the chart is bound to, or 0.
func (c *Chart) ForecastID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.forecastID
}

// Loading reports whether data for the current forecast is pending.
func (c *Chart) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Err returns the error of the last fetch for the current forecast.
func (c *Chart) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Peek returns the data without triggering a fetch.
func (c *Chart) Peek() *models.Chart {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// Data returns the data and starts a background fetch on the first read for
// the current forecast.
func (c *Chart) Data() *models.Chart {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil && c.forecastID != 0 && !c.triggered {
		c.triggered = true
		go c.background()
	}
	return c.data
}

func (c *Chart) background() {
	if err := c.Load(c.ctx); err != nil {
		c.logger.Warn("chart fetch failed", "error", err)
	}
}

// Load fetches data for the current forecast unless it is already present.
// Concurrent calls for the same forecast share one request, which runs under
// the store context; ctx only bounds how long this caller waits.
func (c *Chart) Load(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.data != nil || c.forecastID == 0 {
			c.mu.Unlock()
			return nil
		}
		c.triggered = true
		gen, id := c.gen, c.forecastID
		c.mu.Unlock()

		ch := c.flight.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
			c.mu.RLock()
			done := c.data != nil && c.gen == gen
			c.mu.RUnlock()
			if done {
				return nil, nil
			}
			return nil, c.fetch(c.ctx, gen, id)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return res.Err
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		c.mu.RLock()
		settled := c.gen == gen
		c.mu.RUnlock()
		if settled {
			return nil
		}
	}
}

func (c *Chart) fetch(ctx context.Context, gen uint64, forecastID int64) error {
	c.logger.Debug("chart fetch started", "forecast_id", forecastID)
	start := time.Now()
	data, err := c.api.GetChart(ctx, c.key, forecastID)
	c.metrics.RecordTiming(metrics.OpChart, time.Since(start), err)

	c.mu.Lock()
	if c.gen != gen || c.forecastID != forecastID {
		current := c.forecastID
		c.mu.Unlock()
		c.metrics.RecordStaleDiscard("chart")
		c.logger.Debug("stale chart discarded", "forecast_id", forecastID, "current_forecast_id", current)
		return nil
	}
	c.loading = false
	if err != nil {
		c.err = fmt.Errorf("get chart %s: %w", c.key, err)
	} else {
		c.data = data
		c.err = nil
	}
	err = c.err
	c.mu.Unlock()

	c.Broadcast()
	return err
}

// reset discards data bound to the previous forecast and schedules one fetch
// for the new one. With no forecast the chart stays empty and idle.
func (c *Chart) reset(forecastID int64) {
	c.mu.Lock()
	if c.forecastID == forecastID {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.forecastID = forecastID
	c.data = nil
	c.err = nil
	c.loading = forecastID != 0
	c.triggered = forecastID != 0
	c.mu.Unlock()

	c.Broadcast()
	if forecastID != 0 {
		go c.background()
	}
}
