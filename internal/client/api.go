package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/raphaelgruber/omnisync/internal/models"
)

// LoginResult is returned by a successful login.
type LoginResult struct {
	AccessToken string `json:"access_token" validate:"required"`
	Username    string `json:"username" validate:"required"`
	Permission  string `json:"permission" validate:"required,oneof=normal admin"`
}

// Login exchanges a username and password for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body := map[string]string{"username": username, "password": password}
	var out LoginResult
	if err := c.Do(ctx, http.MethodPost, "/users/login", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type inputsEnvelope struct {
	Inputs []models.Input `json:"inputs" validate:"required,dive"`
}

// ListInputs returns every uploaded input file.
func (c *Client) ListInputs(ctx context.Context) ([]models.Input, error) {
	var out inputsEnvelope
	if err := c.Do(ctx, http.MethodGet, "/inputs/list-inputs", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Inputs, nil
}

type insightsEnvelope struct {
	Insights []models.Insight `json:"insights" validate:"required,dive"`
}

type insightEnvelope struct {
	Insight models.Insight `json:"insight"`
}

// ListInsights returns every insight message.
func (c *Client) ListInsights(ctx context.Context) ([]models.Insight, error) {
	var out insightsEnvelope
	if err := c.Do(ctx, http.MethodGet, "/insights/list-insights", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Insights, nil
}

// SendMessage posts a new insight authored by username.
func (c *Client) SendMessage(ctx context.Context, message, username string) (*models.Insight, error) {
	body := map[string]string{"message": message, "username": username}
	var out insightEnvelope
	if err := c.Do(ctx, http.MethodPost, "/insights/send-message", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Insight, nil
}

// UpdateMessage replaces the text of an existing insight.
func (c *Client) UpdateMessage(ctx context.Context, id int64, message, username string) (*models.Insight, error) {
	body := map[string]any{"message_id": id, "message": message, "username": username}
	var out insightEnvelope
	if err := c.Do(ctx, http.MethodPost, "/insights/update-message", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Insight, nil
}

// ForecastResult pairs a forecast with the job generating it. Either may be nil.
type ForecastResult struct {
	Forecast *models.Forecast `json:"forecast"`
	Job      *models.Job      `json:"job"`
}

// GetLatestForecast returns the most recent forecast and its job.
func (c *Client) GetLatestForecast(ctx context.Context) (*ForecastResult, error) {
	var out ForecastResult
	if err := c.Do(ctx, http.MethodGet, "/forecasts/get-latest-forecast", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type startEnvelope struct {
	Forecast *models.Forecast `json:"forecast" validate:"required"`
	Job      *models.Job      `json:"job" validate:"required"`
}

// StartForecast starts a new forecast run from the latest inputs and insights.
func (c *Client) StartForecast(ctx context.Context) (*ForecastResult, error) {
	var out startEnvelope
	if err := c.Do(ctx, http.MethodPost, "/forecasts/start-forecast", nil, nil, &out); err != nil {
		return nil, err
	}
	return &ForecastResult{Forecast: out.Forecast, Job: out.Job}, nil
}

type forecastEnvelope struct {
	Forecast *models.Forecast `json:"forecast" validate:"required"`
}

// PublishForecast marks a forecast as published.
func (c *Client) PublishForecast(ctx context.Context, id int64) (*models.Forecast, error) {
	body := map[string]int64{"id": id}
	var out forecastEnvelope
	if err := c.Do(ctx, http.MethodPost, "/forecasts/publish-forecast", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Forecast, nil
}

type userChartsEnvelope struct {
	Charts []models.UserChart `json:"charts" validate:"required,dive"`
}

type userChartEnvelope struct {
	Chart models.UserChart `json:"chart"`
}

// GetUserCharts returns the charts pinned by username.
func (c *Client) GetUserCharts(ctx context.Context, username string) ([]models.UserChart, error) {
	var out userChartsEnvelope
	q := url.Values{"username": {username}}
	if err := c.Do(ctx, http.MethodGet, "/forecasts/get-user-charts", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Charts, nil
}

// AddUserChart pins a chart key for username.
func (c *Client) AddUserChart(ctx context.Context, key models.ChartKey, username string) (*models.UserChart, error) {
	body := map[string]string{"chart_key": key.String(), "username": username}
	var out userChartEnvelope
	if err := c.Do(ctx, http.MethodPost, "/forecasts/add-user-chart", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Chart, nil
}

type chartEnvelope struct {
	Chart models.Chart `json:"chart"`
}

// GetChart returns the aggregated data of key for the given forecast.
func (c *Client) GetChart(ctx context.Context, key models.ChartKey, forecastID int64) (*models.Chart, error) {
	q := url.Values{
		"chart_key":   {key.String()},
		"forecast_id": {strconv.FormatInt(forecastID, 10)},
	}
	var out chartEnvelope
	if err := c.Do(ctx, http.MethodGet, "/forecasts/get-chart", q, nil, &out); err != nil {
		return nil, err
	}
	return &out.Chart, nil
}

type jobEnvelope struct {
	Job models.Job `json:"job"`
}

// GetJob returns the current status of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var out jobEnvelope
	if err := c.Do(ctx, http.MethodGet, "/jobs/get-job", url.Values{"id": {id}}, nil, &out); err != nil {
		return nil, err
	}
	return &out.Job, nil
}
