package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/omnisync/internal/client"
	"github.com/raphaelgruber/omnisync/internal/identity"
	"github.com/raphaelgruber/omnisync/internal/models"
)

// fakeAPI implements API with overridable behavior and call counting.
type fakeAPI struct {
	mu    sync.Mutex
	calls map[string]int
	args  map[string][]any

	listInputs    func(ctx context.Context) ([]models.Input, error)
	uploadFile    func(ctx context.Context, fileName string, r io.Reader, username, jobID string) (*client.UploadResult, error)
	downloadFile  func(ctx context.Context, id string, w io.Writer) (string, error)
	getJob        func(ctx context.Context, id string) (*models.Job, error)
	listInsights  func(ctx context.Context) ([]models.Insight, error)
	sendMessage   func(ctx context.Context, message, username string) (*models.Insight, error)
	updateMessage func(ctx context.Context, id int64, message, username string) (*models.Insight, error)
	getLatest     func(ctx context.Context) (*client.ForecastResult, error)
	startForecast func(ctx context.Context) (*client.ForecastResult, error)
	publish       func(ctx context.Context, id int64) (*models.Forecast, error)
	getUserCharts func(ctx context.Context, username string) ([]models.UserChart, error)
	addUserChart  func(ctx context.Context, key models.ChartKey, username string) (*models.UserChart, error)
	getChart      func(ctx context.Context, key models.ChartKey, forecastID int64) (*models.Chart, error)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{calls: make(map[string]int), args: make(map[string][]any)}
}

func (f *fakeAPI) record(name string, arg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	f.args[name] = append(f.args[name], arg)
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) argsOf(name string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.args[name]...)
}

func (f *fakeAPI) ListInputs(ctx context.Context) ([]models.Input, error) {
	f.record("ListInputs", nil)
	if f.listInputs == nil {
		return []models.Input{}, nil
	}
	return f.listInputs(ctx)
}

func (f *fakeAPI) UploadFile(ctx context.Context, fileName string, r io.Reader, username, jobID string) (*client.UploadResult, error) {
	f.record("UploadFile", jobID)
	return f.uploadFile(ctx, fileName, r, username, jobID)
}

func (f *fakeAPI) DownloadFile(ctx context.Context, id string, w io.Writer) (string, error) {
	f.record("DownloadFile", id)
	return f.downloadFile(ctx, id, w)
}

func (f *fakeAPI) GetJob(ctx context.Context, id string) (*models.Job, error) {
	f.record("GetJob", id)
	return f.getJob(ctx, id)
}

func (f *fakeAPI) ListInsights(ctx context.Context) ([]models.Insight, error) {
	f.record("ListInsights", nil)
	if f.listInsights == nil {
		return []models.Insight{}, nil
	}
	return f.listInsights(ctx)
}

func (f *fakeAPI) SendMessage(ctx context.Context, message, username string) (*models.Insight, error) {
	f.record("SendMessage", message)
	return f.sendMessage(ctx, message, username)
}

func (f *fakeAPI) UpdateMessage(ctx context.Context, id int64, message, username string) (*models.Insight, error) {
	f.record("UpdateMessage", id)
	return f.updateMessage(ctx, id, message, username)
}

func (f *fakeAPI) GetLatestForecast(ctx context.Context) (*client.ForecastResult, error) {
	f.record("GetLatestForecast", nil)
	if f.getLatest == nil {
		return &client.ForecastResult{}, nil
	}
	return f.getLatest(ctx)
}

func (f *fakeAPI) StartForecast(ctx context.Context) (*client.ForecastResult, error) {
	f.record("StartForecast", nil)
	return f.startForecast(ctx)
}

func (f *fakeAPI) PublishForecast(ctx context.Context, id int64) (*models.Forecast, error) {
	f.record("PublishForecast", id)
	return f.publish(ctx, id)
}

func (f *fakeAPI) GetUserCharts(ctx context.Context, username string) ([]models.UserChart, error) {
	f.record("GetUserCharts", username)
	if f.getUserCharts == nil {
		return []models.UserChart{}, nil
	}
	return f.getUserCharts(ctx, username)
}

func (f *fakeAPI) AddUserChart(ctx context.Context, key models.ChartKey, username string) (*models.UserChart, error) {
	f.record("AddUserChart", key)
	return f.addUserChart(ctx, key, username)
}

func (f *fakeAPI) GetChart(ctx context.Context, key models.ChartKey, forecastID int64) (*models.Chart, error) {
	f.record("GetChart", forecastID)
	return f.getChart(ctx, key, forecastID)
}

// gate blocks until released or ctx is done.
func gate(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loggedIn(username string) *identity.CurrentUser {
	u := identity.NewCurrentUser()
	u.LogIn(username, "token", identity.PermissionNormal)
	return u
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func strPtr(s string) *string { return &s }
