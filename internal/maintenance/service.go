// Package maintenance runs background jobs over the catalog. The schema
// refresher re-inspects sources whose stored schema has gone stale.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/catalog"
)

type Catalog interface {
	ListStaleSources(ctx context.Context, connectedBefore time.Time, limit int) ([]catalog.Source, error)
}

// Refresher is satisfied by *sources.Service.
type Refresher interface {
	RefreshSource(ctx context.Context, source catalog.Source) (catalog.Source, error)
}

type Config struct {
	RefreshInterval time.Duration
	StaleAge        time.Duration
	BatchSize       int
}

type Service struct {
	Catalog   Catalog
	Refresher Refresher
	Config    Config
	Logger    *slog.Logger
	Clock     func() time.Time
}

type RefreshSummary struct {
	SourcesScanned   int `json:"sources_scanned"`
	SourcesRefreshed int `json:"sources_refreshed"`
	SourcesDegraded  int `json:"sources_degraded"`
	Failures         int `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunRefreshOnce(ctx)
			if err != nil {
				s.Logger.ErrorContext(ctx, "schema refresh cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			s.Logger.InfoContext(ctx, "schema refresh cycle completed", slog.Any("summary", summary))
		}
	}
}

// RunRefreshOnce refreshes one batch of sources last connected before
// now - StaleAge. Per-source failures are counted and reported together.
func (s *Service) RunRefreshOnce(ctx context.Context) (RefreshSummary, error) {
	s.ensureDefaults()
	if s.Catalog == nil {
		return RefreshSummary{}, fmt.Errorf("catalog is required")
	}
	if s.Refresher == nil {
		return RefreshSummary{}, fmt.Errorf("refresher is required")
	}

	cutoff := s.Clock().UTC().Add(-s.Config.StaleAge)
	stale, err := s.Catalog.ListStaleSources(ctx, cutoff, s.Config.BatchSize)
	if err != nil {
		refreshRunsTotal.WithLabelValues("error").Inc()
		return RefreshSummary{}, fmt.Errorf("list stale sources: %w", err)
	}

	summary := RefreshSummary{SourcesScanned: len(stale)}
	failures := make([]string, 0)
	for _, source := range stale {
		if ctx.Err() != nil {
			break
		}
		refreshed, err := s.Refresher.RefreshSource(ctx, source)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("source %s: %v", source.SourceID, err))
			s.Logger.WarnContext(ctx, "schema refresh failed",
				slog.String("source_id", source.SourceID),
				slog.String("source_type", string(source.Type)),
				slog.Any("error", err),
			)
			continue
		}
		summary.SourcesRefreshed++
		if refreshed.SchemaDegraded {
			summary.SourcesDegraded++
		}
	}

	sourcesRefreshedTotal.Add(float64(summary.SourcesRefreshed))
	refreshFailuresTotal.Add(float64(summary.Failures))
	if len(failures) > 0 {
		refreshRunsTotal.WithLabelValues("partial").Inc()
		return summary, errors.New(strings.Join(failures, "; "))
	}
	refreshRunsTotal.WithLabelValues("ok").Inc()
	return summary, nil
}

func (s *Service) ensureDefaults() {
	if s.Config.RefreshInterval <= 0 {
		s.Config.RefreshInterval = time.Hour
	}
	if s.Config.StaleAge <= 0 {
		s.Config.StaleAge = 24 * time.Hour
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 50
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
}
