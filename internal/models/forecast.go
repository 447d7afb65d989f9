package models

// ForecastStatus is the publication state of a forecast.
type ForecastStatus string

const (
	ForecastStatusDraft     ForecastStatus = "draft"
	ForecastStatusPublished ForecastStatus = "published"
)

// Forecast is the latest forecast produced for the session.
// FileID stays nil until the generating job completes.
type Forecast struct {
	ID        int64          `json:"id" yaml:"id" validate:"required"`
	FileID    *string        `json:"file_id" yaml:"file_id"`
	JobID     *string        `json:"job_id" yaml:"job_id"`
	Status    ForecastStatus `json:"status" yaml:"status" validate:"required,oneof=draft published"`
	CreatedAt string         `json:"created_at" yaml:"created_at"`
}
