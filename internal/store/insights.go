package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/omnisync/internal/identity"
	"github.com/raphaelgruber/omnisync/internal/metrics"
	"github.com/raphaelgruber/omnisync/internal/models"
)

// InsightsAPI is the transport used by InsightsStore.
type InsightsAPI interface {
	ListInsights(ctx context.Context) ([]models.Insight, error)
	SendMessage(ctx context.Context, message, username string) (*models.Insight, error)
	UpdateMessage(ctx context.Context, id int64, message, username string) (*models.Insight, error)
}

// InsightsStore holds the insight messages ordered by creation time.
type InsightsStore struct {
	*Cache[models.Insight, int64]
	api   InsightsAPI
	ident identity.Provider
}

// NewInsightsStore creates an unpopulated insights store.
func NewInsightsStore(ctx context.Context, api InsightsAPI, ident identity.Provider, logger *slog.Logger, m *metrics.Collector) *InsightsStore {
	return &InsightsStore{
		api:   api,
		ident: ident,
		Cache: NewCache(ctx, CacheConfig[models.Insight, int64]{
			Name: "insights",
			Fetch: func(ctx context.Context) ([]models.Insight, error) {
				insights, err := api.ListInsights(ctx)
				if err != nil {
					return nil, fmt.Errorf("list insights: %w", err)
				}
				return insights, nil
			},
			Key: func(in models.Insight) int64 { return in.ID },
			// ISO-8601 strings sort chronologically
			Compare: func(a, b models.Insight) int { return strings.Compare(a.CreatedAt, b.CreatedAt) },
			Logger:  logger,
			Metrics: m,
		}),
	}
}

// SendMessage posts a new insight as the current user.
func (s *InsightsStore) SendMessage(ctx context.Context, message string) (*models.Insight, error) {
	username := s.ident.Username()
	if username == "" {
		return nil, ErrNotLoggedIn
	}
	in, err := s.api.SendMessage(ctx, message, username)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.Merge(*in)
	return in, nil
}

// UpdateMessage edits an existing insight as the current user.
func (s *InsightsStore) UpdateMessage(ctx context.Context, id int64, message string) (*models.Insight, error) {
	username := s.ident.Username()
	if username == "" {
		return nil, ErrNotLoggedIn
	}
	in, err := s.api.UpdateMessage(ctx, id, message, username)
	if err != nil {
		return nil, fmt.Errorf("update message %d: %w", id, err)
	}
	s.Merge(*in)
	return in, nil
}
