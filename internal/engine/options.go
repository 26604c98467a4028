package engine

import (
	"time"

	"github.com/castnet/trawler/internal/cache"
)

// Defaults applied when option fields are left zero.
const (
	DefaultInstanceLimit   = 10
	DefaultCacheSizeMB     = 250
	DefaultCacheTTLSeconds = 300

	DefaultPaginateRetries = 2
	DefaultScrapeRetries   = 1

	DefaultPaginateTimeout = 15 * time.Second
	DefaultScrapeTimeout   = 30 * time.Second
)

// PaginateOptions configures one paginate invocation.
type PaginateOptions struct {
	// Sites restricts the run to these domains; empty means every site
	// with start pages. Exclude wins over Sites.
	Sites   []string
	Exclude []string

	// Since skips sites that have any run newer than the cutoff,
	// whatever that run's status. Force overrides the skip.
	Since time.Time
	Force bool

	// InstanceLimit caps concurrent sessions held by this invocation.
	InstanceLimit int

	// MaxPages caps the pagination walk per start page; 0 defers to the
	// extractor definition.
	MaxPages int

	DisableCache    bool
	CacheSizeMB     int
	CacheTTLSeconds int
	BlockImages     bool

	// NoSave runs the full pagination but never commits.
	NoSave bool

	// MaxRetries bounds in-batch retries of network-classified errors.
	MaxRetries int

	// NoProxy forces proxy strategy none for every site this invocation.
	NoProxy bool

	PageTimeout time.Duration
}

// DefaultPaginateOptions returns the documented defaults.
func DefaultPaginateOptions() PaginateOptions {
	return PaginateOptions{
		InstanceLimit:   DefaultInstanceLimit,
		CacheSizeMB:     DefaultCacheSizeMB,
		CacheTTLSeconds: DefaultCacheTTLSeconds,
		BlockImages:     true,
		MaxRetries:      DefaultPaginateRetries,
		PageTimeout:     DefaultPaginateTimeout,
	}
}

func (o *PaginateOptions) normalize() {
	if o.InstanceLimit <= 0 {
		o.InstanceLimit = DefaultInstanceLimit
	}
	if o.CacheSizeMB <= 0 {
		o.CacheSizeMB = DefaultCacheSizeMB
	}
	if o.CacheTTLSeconds <= 0 {
		o.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = DefaultPaginateRetries
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = DefaultPaginateTimeout
	}
}

// ScrapeOptions configures one scrape-item invocation.
type ScrapeOptions struct {
	Sites   []string
	Exclude []string

	InstanceLimit int

	DisableCache    bool
	CacheSizeMB     int
	CacheTTLSeconds int
	BlockImages     bool

	// NoSave scrapes but never uploads records or marks items.
	NoSave bool

	MaxRetries int

	// RetryFailedItems widens the pending query to items with prior
	// retryable failures.
	RetryFailedItems bool

	NoProxy bool

	PageTimeout time.Duration
}

// DefaultScrapeOptions returns the documented defaults.
func DefaultScrapeOptions() ScrapeOptions {
	return ScrapeOptions{
		InstanceLimit:   DefaultInstanceLimit,
		CacheSizeMB:     DefaultCacheSizeMB,
		CacheTTLSeconds: DefaultCacheTTLSeconds,
		BlockImages:     true,
		MaxRetries:      DefaultScrapeRetries,
		PageTimeout:     DefaultScrapeTimeout,
	}
}

func (o *ScrapeOptions) normalize() {
	if o.InstanceLimit <= 0 {
		o.InstanceLimit = DefaultInstanceLimit
	}
	if o.CacheSizeMB <= 0 {
		o.CacheSizeMB = DefaultCacheSizeMB
	}
	if o.CacheTTLSeconds <= 0 {
		o.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = DefaultScrapeRetries
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = DefaultScrapeTimeout
	}
}

// newCache builds the invocation-wide request cache, or nil when
// disabled.
func newCache(disable bool, sizeMB, ttlSeconds int, blockImages bool) *cache.RequestCache {
	if disable {
		return nil
	}
	return cache.New(int64(sizeMB)*1024*1024, time.Duration(ttlSeconds)*time.Second, blockImages)
}
