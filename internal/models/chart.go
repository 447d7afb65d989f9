package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Aggregations supported by the chart endpoint.
const (
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
)

// DefaultAggregation is applied when a chart key names no aggregation.
const DefaultAggregation = AggSum

var aggregations = []string{AggSum, AggAvg, AggMin, AggMax, AggCount}

// ErrInvalidChartKey is returned when a chart key cannot be parsed.
var ErrInvalidChartKey = errors.New("invalid chart key")

// ChartKey identifies a chart: comma-separated grouping fields followed by the
// value field, which may carry an aggregation prefix, e.g. "sku,region,count/forecast".
type ChartKey string

// NewChartKey builds the key for grouping x by agg over y.
func NewChartKey(x, agg, y string) ChartKey {
	return ChartKey(fmt.Sprintf("%s,%s/%s", x, agg, y))
}

// parts splits the key into fields and aggregation.
func (k ChartKey) parts() ([]string, string) {
	fields := strings.Split(string(k), ",")
	agg := DefaultAggregation
	last := fields[len(fields)-1]
	if a, field, ok := strings.Cut(last, "/"); ok {
		agg = a
		fields[len(fields)-1] = field
	}
	return fields, agg
}

// Fields returns the grouping fields followed by the value field, without the aggregation.
func (k ChartKey) Fields() []string {
	fields, _ := k.parts()
	return fields
}

// Aggregation returns the aggregation function name.
func (k ChartKey) Aggregation() string {
	_, agg := k.parts()
	return agg
}

// Validate checks the key against the grammar accepted by the server.
func (k ChartKey) Validate() error {
	fields, agg := k.parts()
	if !slices.Contains(aggregations, agg) {
		return fmt.Errorf("%w: unsupported aggregation %q", ErrInvalidChartKey, agg)
	}
	if len(fields) < 2 {
		return fmt.Errorf("%w: need at least two fields", ErrInvalidChartKey)
	}
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: empty field in %q", ErrInvalidChartKey, string(k))
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (k ChartKey) String() string {
	return string(k)
}

// UserChart is a chart a user pinned to their dashboard. It carries no data.
type UserChart struct {
	ID        int64    `json:"id" yaml:"id" validate:"required"`
	Username  string   `json:"username" yaml:"username"`
	ChartKey  ChartKey `json:"chart_key" yaml:"chart_key" validate:"required"`
	CreatedAt string   `json:"created_at" yaml:"created_at"`
}

// Chart is the aggregated data of a chart key for one forecast.
// Each row holds the grouping values followed by the aggregated value.
type Chart struct {
	ID         int64    `json:"id" yaml:"id"`
	ForecastID int64    `json:"forecast_id" yaml:"forecast_id" validate:"required"`
	ChartKey   ChartKey `json:"chart_key" yaml:"chart_key" validate:"required"`
	Data       [][]any  `json:"data" yaml:"data"`
	CreatedAt  string   `json:"created_at" yaml:"created_at"`
}
