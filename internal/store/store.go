// Package store defines the external run store contract and its two
// implementations: an HTTP client for the production ETL API and an
// embedded sqlite store for offline and development use. All durable
// state lives behind this interface; the engines never touch a database
// or an endpoint directly.
package store

import (
	"context"
	"time"

	"github.com/castnet/trawler/internal/types"
)

// RunQuery filters ListRuns. Zero fields match everything.
type RunQuery struct {
	Domain string
	Status types.RunStatus
	Since  time.Time
}

// AddItemsResult reports a batch upload: which source URLs were
// persisted and which failed with what message.
type AddItemsResult struct {
	Successful []string
	Failed     map[string]string
}

// Store is the ETL API surface the orchestration core depends on.
type Store interface {
	// CreateRun persists one committed pagination as a pending run whose
	// items are the collected URLs.
	CreateRun(ctx context.Context, domain string, urls []string) (*types.ScrapeRun, error)

	// FetchRun returns one run with its items.
	FetchRun(ctx context.Context, runID string) (*types.ScrapeRun, error)

	// ListRuns returns runs matching the query, newest first.
	ListRuns(ctx context.Context, q RunQuery) ([]types.ScrapeRun, error)

	// UpdateRunItem applies a patch to one item of a run.
	UpdateRunItem(ctx context.Context, runID, url string, patch types.TargetPatch) error

	// FinalizeRun marks a run completed.
	FinalizeRun(ctx context.Context, runID string) error

	// AddItems uploads a batch of product records. Partial failure is
	// reported per URL, not as an error.
	AddItems(ctx context.Context, items []types.ItemRecord) (*AddItemsResult, error)

	// GetSites returns every site's scraping configuration.
	GetSites(ctx context.Context) ([]types.SiteConfig, error)

	// GetSite returns one site's configuration by domain.
	GetSite(ctx context.Context, domain string) (*types.SiteConfig, error)

	// Close releases the store's resources.
	Close() error
}
