package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/core/ports"
	"digemidscraper/internal/normalize"
	"digemidscraper/internal/ratelimit"
)

// noResultsRe matches page texts shown when a search has no rows for the region.
var noResultsRe = regexp.MustCompile(`no se encontraron resultados|sin resultados|(^|[^0-9])0 registros`)

// FetcherConfig tunes the export fetcher.
type FetcherConfig struct {
	Attempts   int           // tries per search on transport failures
	RetryPause time.Duration // pause between tries
}

// ExportFetcher drives the portal through search, region filter and export.
type ExportFetcher struct {
	portal  ports.Portal
	guard   *ratelimit.Guard
	exports ports.ExportStore
	cfg     FetcherConfig
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewExportFetcher creates a new ExportFetcher.
func NewExportFetcher(
	portal ports.Portal,
	guard *ratelimit.Guard,
	exports ports.ExportStore,
	cfg FetcherConfig,
	logger *slog.Logger,
) *ExportFetcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &ExportFetcher{
		portal:  portal,
		guard:   guard,
		exports: exports,
		cfg:     cfg,
		logger:  logger.With("component", "ExportFetcher"),
		sleep:   sleepCtx,
	}
}

// Fetch returns the export for searchText in the given region. Transport
// failures are retried; a block closes the session and returns at once.
func (f *ExportFetcher) Fetch(ctx context.Context, searchText, regionCode string) (domain.ExportFile, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Attempts; attempt++ {
		file, err := f.fetchOnce(ctx, searchText, regionCode)
		if err == nil {
			return file, nil
		}
		if errors.Is(err, domain.ErrBlocked) {
			f.Close()
			return domain.ExportFile{}, err
		}
		if !errors.Is(err, domain.ErrTransport) {
			return domain.ExportFile{}, err
		}

		lastErr = err
		f.logger.Warn("fetch attempt failed", "search_text", searchText, "attempt", attempt, "error", err)
		if attempt < f.cfg.Attempts {
			if err := f.sleep(ctx, f.cfg.RetryPause); err != nil {
				return domain.ExportFile{}, err
			}
		}
	}
	return domain.ExportFile{}, fmt.Errorf("gave up after %d attempts: %w", f.cfg.Attempts, lastErr)
}

func (f *ExportFetcher) fetchOnce(ctx context.Context, searchText, regionCode string) (domain.ExportFile, error) {
	if err := f.portal.Open(ctx); err != nil {
		if f.blocked(domain.Observation{Err: err}) {
			return domain.ExportFile{}, fmt.Errorf("%w: %v", domain.ErrBlocked, err)
		}
		return domain.ExportFile{}, fmt.Errorf("%w: open session: %v", domain.ErrTransport, err)
	}

	obs, err := f.portal.Search(ctx, searchText)
	if f.blocked(withErr(obs, err)) {
		return domain.ExportFile{}, fmt.Errorf("%w: while searching %q", domain.ErrBlocked, searchText)
	}
	if err != nil {
		return domain.ExportFile{}, fmt.Errorf("%w: search: %v", domain.ErrTransport, err)
	}

	if err := f.portal.FilterRegion(ctx, regionCode); err != nil {
		if f.blocked(domain.Observation{Err: err}) {
			return domain.ExportFile{}, fmt.Errorf("%w: while filtering", domain.ErrBlocked)
		}
		return domain.ExportFile{}, fmt.Errorf("%w: filter region %s: %v", domain.ErrTransport, regionCode, err)
	}

	obs, err = f.portal.Submit(ctx)
	if f.blocked(withErr(obs, err)) {
		return domain.ExportFile{}, fmt.Errorf("%w: after submit", domain.ErrBlocked)
	}
	if err != nil {
		return domain.ExportFile{}, fmt.Errorf("%w: submit: %v", domain.ErrTransport, err)
	}
	if hasNoResults(obs.HTML) {
		return domain.ExportFile{}, fmt.Errorf("%w: %q in region %s", domain.ErrNotFound, searchText, regionCode)
	}

	downloaded, err := f.portal.Export(ctx, f.exports.Dir())
	if err != nil {
		if f.blocked(domain.Observation{Err: err}) {
			return domain.ExportFile{}, fmt.Errorf("%w: during export", domain.ErrBlocked)
		}
		return domain.ExportFile{}, fmt.Errorf("%w: export: %v", domain.ErrTransport, err)
	}

	file, err := f.exports.Place(ctx, downloaded, searchText)
	if err != nil {
		os.Remove(downloaded)
		return domain.ExportFile{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return file, nil
}

func (f *ExportFetcher) blocked(obs domain.Observation) bool {
	return f.guard.Classify(obs) == domain.Blocked
}

// Close ends the browser session.
func (f *ExportFetcher) Close() error {
	return f.portal.Close()
}

func withErr(obs domain.Observation, err error) domain.Observation {
	if obs.Err == nil {
		obs.Err = err
	}
	return obs
}

func hasNoResults(html string) bool {
	if html == "" {
		return false
	}
	return noResultsRe.MatchString(normalize.Fold(ratelimit.VisibleText(html)))
}

// sleepCtx pauses for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
