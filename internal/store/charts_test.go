package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/omnisync/internal/client"
	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/models"
)

// chartGates holds one release channel per forecast id.
type chartGates struct {
	mu    sync.Mutex
	gates map[int64]chan struct{}
}

func (g *chartGates) get(id int64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gates == nil {
		g.gates = make(map[int64]chan struct{})
	}
	ch, ok := g.gates[id]
	if !ok {
		ch = make(chan struct{})
		g.gates[id] = ch
	}
	return ch
}

func chartFor(key models.ChartKey, forecastID int64) *models.Chart {
	return &models.Chart{ID: forecastID * 10, ForecastID: forecastID, ChartKey: key, Data: [][]any{{"north", float64(forecastID)}}}
}

func TestChartRefetchOnForecastChange(t *testing.T) {
	ctx := testContext(t)
	api := newFakeAPI()
	api.getLatest = func(context.Context) (*client.ForecastResult, error) {
		return &client.ForecastResult{Forecast: &models.Forecast{ID: 7, Status: models.ForecastStatusDraft}}, nil
	}
	api.startForecast = func(context.Context) (*client.ForecastResult, error) {
		return &client.ForecastResult{
			Forecast: &models.Forecast{ID: 12, Status: models.ForecastStatusDraft},
			Job:      &models.Job{ID: "j12", Status: models.JobStatusCompleted, Progress: 1},
		}, nil
	}
	gates := &chartGates{}
	api.getChart = func(ctx context.Context, key models.ChartKey, forecastID int64) (*models.Chart, error) {
		if err := gate(ctx, gates.get(forecastID)); err != nil {
			return nil, err
		}
		return chartFor(key, forecastID), nil
	}

	m := metrics.NewCollector(nil)
	stores := New(ctx, api, loggedIn("alice"), Options{PollInterval: time.Millisecond, Logger: testLogger(), Metrics: m})
	defer stores.Close()

	require.NoError(t, stores.Forecast.EnsureLoaded(ctx))
	chart := stores.Charts.Chart(models.NewChartKey("region", "sum", "forecast"))
	assert.True(t, chart.Loading())
	assert.Nil(t, chart.Data())

	require.Eventually(t, func() bool { return api.count("GetChart") == 1 }, waitFor, tick)
	assert.Equal(t, []any{int64(7)}, api.argsOf("GetChart"))

	_, _, err := stores.Forecast.StartForecast(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return api.count("GetChart") == 2 }, waitFor, tick)
	assert.Equal(t, []any{int64(7), int64(12)}, api.argsOf("GetChart"))
	assert.Equal(t, int64(12), chart.ForecastID())
	assert.True(t, chart.Loading())
	assert.Nil(t, chart.Peek())

	// the fetch for 7 lands after the change and must be dropped
	close(gates.get(7))
	require.Eventually(t, func() bool { return m.Snapshot().StaleDiscards["chart"] == 1 }, waitFor, tick)
	assert.Nil(t, chart.Peek())
	assert.True(t, chart.Loading())

	close(gates.get(12))
	require.Eventually(t, func() bool { return !chart.Loading() }, waitFor, tick)
	data := chart.Peek()
	require.NotNil(t, data)
	assert.Equal(t, int64(12), data.ForecastID)
	assert.NoError(t, chart.Err())
	assert.Equal(t, 2, api.count("GetChart"))
}

func TestChartWithoutForecastStaysIdle(t *testing.T) {
	ctx := testContext(t)
	api := newFakeAPI()
	api.startForecast = func(context.Context) (*client.ForecastResult, error) {
		return &client.ForecastResult{Forecast: &models.Forecast{ID: 3, Status: models.ForecastStatusDraft}}, nil
	}
	api.getChart = func(_ context.Context, key models.ChartKey, forecastID int64) (*models.Chart, error) {
		return chartFor(key, forecastID), nil
	}

	stores := New(ctx, api, loggedIn("alice"), Options{Logger: testLogger()})
	defer stores.Close()
	require.NoError(t, stores.Forecast.EnsureLoaded(ctx))

	chart := stores.Charts.Chart("sku,count/forecast")
	assert.Nil(t, chart.Data())
	assert.False(t, chart.Loading())
	require.NoError(t, chart.Load(ctx))
	assert.Equal(t, 0, api.count("GetChart"))

	_, _, err := stores.Forecast.StartForecast(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return chart.Peek() != nil }, waitFor, tick)
	assert.Equal(t, int64(3), chart.Peek().ForecastID)
	assert.Equal(t, 1, api.count("GetChart"))
}

func TestChartConcurrentLoadsShareOneFetch(t *testing.T) {
	ctx := testContext(t)
	api := newFakeAPI()
	api.getLatest = func(context.Context) (*client.ForecastResult, error) {
		return &client.ForecastResult{Forecast: &models.Forecast{ID: 7, Status: models.ForecastStatusDraft}}, nil
	}
	release := make(chan struct{})
	api.getChart = func(ctx context.Context, key models.ChartKey, forecastID int64) (*models.Chart, error) {
		if err := gate(ctx, release); err != nil {
			return nil, err
		}
		return chartFor(key, forecastID), nil
	}

	stores := New(ctx, api, loggedIn("alice"), Options{Logger: testLogger()})
	defer stores.Close()
	require.NoError(t, stores.Forecast.EnsureLoaded(ctx))
	chart := stores.Charts.Chart("sku,avg/forecast")
	assert.Same(t, chart, stores.Charts.Chart("sku,avg/forecast"))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			chart.Data()
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, chart.Load(ctx))
		}()
	}
	require.Eventually(t, func() bool { return api.count("GetChart") == 1 }, waitFor, tick)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, api.count("GetChart"))
	assert.NotNil(t, chart.Peek())
}

func TestChartFetchError(t *testing.T) {
	ctx := testContext(t)
	api := newFakeAPI()
	api.getLatest = func(context.Context) (*client.ForecastResult, error) {
		return &client.ForecastResult{Forecast: &models.Forecast{ID: 7, Status: models.ForecastStatusDraft}}, nil
	}
	api.getChart = func(context.Context, models.ChartKey, int64) (*models.Chart, error) {
		return nil, &client.TransportError{Method: "GET", Path: "/forecasts/get-chart", StatusCode: 404, Message: "Not Found"}
	}

	stores := New(ctx, api, loggedIn("alice"), Options{Logger: testLogger()})
	defer stores.Close()
	require.NoError(t, stores.Forecast.EnsureLoaded(ctx))

	chart := stores.Charts.Chart("sku,sum/forecast")
	chart.Data()
	require.Eventually(t, func() bool { return !chart.Loading() }, waitFor, tick)
	require.Error(t, chart.Err())
	assert.Equal(t, 404, client.StatusCode(chart.Err()))
	assert.Nil(t, chart.Peek())
}

func TestCreateChart(t *testing.T) {
	ctx := testContext(t)
	api := newFakeAPI()
	api.addUserChart = func(_ context.Context, key models.ChartKey, username string) (*models.UserChart, error) {
		return &models.UserChart{ID: 4, Username: username, ChartKey: key}, nil
	}

	stores := New(ctx, api, loggedIn("alice"), Options{Logger: testLogger()})
	defer stores.Close()
	require.NoError(t, stores.Charts.EnsureLoaded(ctx))
	assert.Equal(t, []any{"alice"}, api.argsOf("GetUserCharts"))

	_, err := stores.Charts.CreateChart(ctx, "region", "forecast", "median")
	require.ErrorIs(t, err, models.ErrInvalidChartKey)
	assert.Equal(t, 0, api.count("AddUserChart"))

	uc, err := stores.Charts.CreateChart(ctx, "region", "forecast", "")
	require.NoError(t, err)
	assert.Equal(t, models.ChartKey("region,sum/forecast"), uc.ChartKey)
	assert.Equal(t, []models.UserChart{*uc}, stores.Charts.Peek())
}

func TestChartsRequireLogin(t *testing.T) {
	ctx := testContext(t)
	api := newFakeAPI()
	stores := New(ctx, api, loggedIn(""), Options{Logger: testLogger()})
	defer stores.Close()

	assert.ErrorIs(t, stores.Charts.EnsureLoaded(ctx), ErrNotLoggedIn)
	_, err := stores.Charts.CreateChart(ctx, "region", "forecast", "sum")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestWatchFiresOnlyOnChange(t *testing.T) {
	n := NewNotifier()
	var value atomic.Int64
	value.Store(7)

	type change struct{ prev, next int64 }
	var changes []change
	initial, stop := Watch(n, value.Load, func(prev, next int64) {
		changes = append(changes, change{prev, next})
	})
	defer stop()

	assert.Equal(t, int64(7), initial)
	n.Broadcast()
	assert.Empty(t, changes)

	value.Store(12)
	n.Broadcast()
	n.Broadcast()
	value.Store(0)
	n.Broadcast()
	assert.Equal(t, []change{{7, 12}, {12, 0}}, changes)

	stop()
	value.Store(5)
	n.Broadcast()
	assert.Len(t, changes, 2)
}

func TestChartCallerCancelKeepsSharedFetch(t *testing.T) {
	ctx := testContext(t)
	api := newFakeAPI()
	api.getLatest = func(context.Context) (*client.ForecastResult, error) {
		return &client.ForecastResult{Forecast: &models.Forecast{ID: 7, Status: models.ForecastStatusDraft}}, nil
	}
	gates := &chartGates{}
	api.getChart = func(ctx context.Context, key models.ChartKey, forecastID int64) (*models.Chart, error) {
		if err := gate(ctx, gates.get(forecastID)); err != nil {
			return nil, err
		}
		return chartFor(key, forecastID), nil
	}

	stores := New(ctx, api, loggedIn("alice"), Options{PollInterval: time.Millisecond, Logger: testLogger()})
	defer stores.Close()
	require.NoError(t, stores.Forecast.EnsureLoaded(ctx))

	chart := stores.Charts.Chart(models.NewChartKey("region", "sum", "forecast"))
	require.Eventually(t, func() bool { return api.count("GetChart") == 1 }, waitFor, tick)

	impatient, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, chart.Load(impatient), context.Canceled)

	close(gates.get(7))
	require.NoError(t, chart.Load(ctx))
	assert.NoError(t, chart.Err())
	require.NotNil(t, chart.Peek())
	assert.Equal(t, int64(7), chart.Peek().ForecastID)
	assert.Equal(t, 1, api.count("GetChart"))
}
