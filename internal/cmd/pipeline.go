package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/avolkhov/wgfence/internal/config"
	"github.com/avolkhov/wgfence/internal/metrics"
	"github.com/avolkhov/wgfence/internal/netset"
	"github.com/avolkhov/wgfence/internal/resolve"
)

// ruleSet is the outcome of the loading/resolving/combining stages shared by
// every subcommand.
type ruleSet struct {
	Resolved *netset.Set
	Include  *netset.Set
	Exclude  *netset.Set
	Final    *netset.Set
}

// buildRuleSet runs the Loading, Resolving, and Combining stages. Any error
// aborts before a single OS mutation happens; the caller owns the Applying
// stage.
func buildRuleSet(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*ruleSet, error) {
	logger.Info("loading override lists",
		slog.String("include", cfg.IncludeFile),
		slog.String("exclude", cfg.ExcludeFile),
	)

	include, err := netset.LoadFile(cfg.IncludeFile)
	if err != nil {
		m.IncrementError("load")
		return nil, err
	}
	exclude, err := netset.LoadFile(cfg.ExcludeFile)
	if err != nil {
		m.IncrementError("load")
		return nil, err
	}

	logger.Info("resolving base ranges",
		slog.String("source", cfg.Source),
		slog.String("country", cfg.Country),
		slog.Bool("invert", cfg.Invert),
		slog.Int("cutoff_prefix", cfg.CutoffPrefix),
	)

	resolver := resolve.New(resolve.Config{
		Source:       cfg.Source,
		Country:      cfg.Country,
		BaseURL:      cfg.RIPEURL,
		SourceFile:   cfg.SourceFile,
		CutoffPrefix: cfg.CutoffPrefix,
		Invert:       cfg.Invert,
		IPv6:         cfg.IPv6,
		HTTPClient:   http.DefaultClient,
		Logger:       logger,
	})

	resolved, err := resolver.Resolve(ctx)
	if err != nil {
		m.IncrementError("resolve")
		return nil, err
	}

	final := netset.Combine(resolved, include, exclude)

	m.SetCounts(resolved.Len(), include.Len(), exclude.Len(), len(final.Prefixes()))
	logger.Info("rule set combined",
		slog.Int("resolved", resolved.Len()),
		slog.Int("include", include.Len()),
		slog.Int("exclude", exclude.Len()),
		slog.Int("final", len(final.Prefixes())),
	)

	return &ruleSet{
		Resolved: resolved,
		Include:  include,
		Exclude:  exclude,
		Final:    final,
	}, nil
}

// finishRun stamps the run outcome and exports the metrics textfile when one
// is configured. Export failures are logged, not fatal: the networking change
// already landed.
func finishRun(cfg config.Config, m *metrics.Metrics, success bool, logger *slog.Logger) {
	m.FinishRun(success)
	if cfg.MetricsFile == "" {
		return
	}
	if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
		logger.Warn("failed to write metrics textfile",
			slog.String("path", cfg.MetricsFile),
			slog.String("error", err.Error()),
		)
	}
}
