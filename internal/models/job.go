// Package models defines the records exchanged with the forecasting service.
package models

// JobStatus represents the state of a server-side asynchronous job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions can follow.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents server-side asynchronous work (an upload or a forecast run).
type Job struct {
	ID        string    `json:"id" yaml:"id" validate:"required"`
	Status    JobStatus `json:"status" yaml:"status" validate:"required,oneof=running completed failed"`
	Progress  float64   `json:"progress" yaml:"progress" validate:"gte=0,lte=1"`
	Error     *string   `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt string    `json:"created_at" yaml:"created_at"`
}

// Terminal reports whether the job has completed or failed.
func (j Job) Terminal() bool {
	return j.Status.Terminal()
}

// ErrorText returns the server-supplied error message, or "" when there is none.
func (j Job) ErrorText() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}
