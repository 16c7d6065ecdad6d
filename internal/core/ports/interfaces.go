package ports

import (
	"context"
	"time"

	"digemidscraper/internal/core/domain"
)

// TaskQueue defines the contract for the remote work queue.
type TaskQueue interface {
	// ClaimNext moves the oldest PENDING task to IN_PROGRESS and returns it.
	// Returns nil when the backlog is empty.
	ClaimNext(ctx context.Context) (*domain.Task, error)

	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) error
	Requeue(ctx context.Context, id string) error

	// RecoverStale resets IN_PROGRESS tasks untouched since before the cutoff.
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)

	// FindPending returns PENDING tasks whose search text maps to the export stem.
	FindPending(ctx context.Context, stem string) ([]domain.Task, error)

	// Resolve marks a PENDING task DONE without claiming it.
	Resolve(ctx context.Context, id, note string) error
}

// ResultStore defines the contract for the location table.
type ResultStore interface {
	// Upsert writes records keyed by their natural key and returns how many were written.
	Upsert(ctx context.Context, records []domain.LocationRecord) (int, error)

	// CountFor returns how many records exist for a search text.
	CountFor(ctx context.Context, searchText string) (int, error)
}

// Portal is the browser capability the fetcher drives.
type Portal interface {
	// Open starts a session on the search page, dismissing interstitials.
	Open(ctx context.Context) error

	// Search types the text and picks the first autocomplete suggestion.
	Search(ctx context.Context, text string) (domain.Observation, error)

	// FilterRegion selects the department filter.
	FilterRegion(ctx context.Context, regionCode string) error

	// Submit runs the search and reports the rendered result page.
	Submit(ctx context.Context) (domain.Observation, error)

	// Export triggers the spreadsheet download into dir and returns the file path.
	Export(ctx context.Context, dir string) (string, error)

	// Close ends the session. The next Open starts a fresh one.
	Close() error
}

// ExportStore defines the contract for the local export directory.
type ExportStore interface {
	EnsureDir() error
	Dir() string

	// PathFor returns the canonical path for a search text.
	PathFor(searchText string) string

	// Staged lists the export files currently on disk.
	Staged(ctx context.Context) ([]domain.ExportFile, error)

	// Place moves a downloaded file to the canonical path for searchText.
	Place(ctx context.Context, downloaded, searchText string) (domain.ExportFile, error)

	// Consume removes or archives an ingested file.
	Consume(ctx context.Context, file domain.ExportFile) error
}

// ExportParser reads spreadsheet rows.
type ExportParser interface {
	Parse(ctx context.Context, path string) ([]domain.RawRow, error)
}

// Fetcher produces an export file for a search.
type Fetcher interface {
	Fetch(ctx context.Context, searchText, regionCode string) (domain.ExportFile, error)
	Close() error
}
