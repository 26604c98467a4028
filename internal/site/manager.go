// Package site tracks everything the engines need to know about one
// domain: its scraping configuration, its temporarily blocked proxies,
// and the in-flight pagination state that becomes a durable run only
// when every start page has completed.
package site

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/metrics"
	"github.com/castnet/trawler/internal/store"
	"github.com/castnet/trawler/internal/types"
)

// Config cache sizing. Site configs are small; the TTL exists so config
// edits in the external store are picked up without a restart.
const (
	configCacheSize = 1024
	configCacheTTL  = 5 * time.Minute
)

// PaginationState is the progress of one start page within a partial run.
type PaginationState struct {
	Collected      []string
	Completed      bool
	FailureCount   int
	FailureHistory []string

	seen map[string]struct{}
}

// PartialRun holds a domain's pagination progress until commit or abandon.
type PartialRun struct {
	Domain     string
	StartPages []string // original order, drives commit ordering
	States     map[string]*PaginationState
	StartedAt  time.Time
}

// PaginationPatch is one update to a start page's state. Nil CollectedURLs
// leaves the collected set untouched; an empty non-nil slice clears nothing
// but still marks the shape explicit. Failure appends to the history.
type PaginationPatch struct {
	CollectedURLs []string
	Completed     bool
	Failure       string
}

// StartPage is one unit of pagination work handed to the distributor.
type StartPage struct {
	Domain string
	URL    string
}

// PendingItem is one scrape-item unit: a run item plus where to report
// its progress.
type PendingItem struct {
	RunID  string
	Domain string
	Target types.ScrapeTarget
}

// Manager owns per-site state. The config cache is lock-free (otter);
// blocklist and partial runs share one mutex, held only for in-memory
// work; store I/O happens outside it.
type Manager struct {
	store   store.Store
	configs otter.Cache[string, *types.SiteConfig]

	mu        sync.Mutex
	blocklist map[string]map[string]*types.BlockEntry // domain -> proxyID
	partials  map[string]*PartialRun                  // domain -> partial run
	pageIndex map[string]string                       // start page URL -> domain

	now func() time.Time
}

// NewManager creates a site manager over the given run store.
func NewManager(st store.Store) *Manager {
	cache, err := otter.MustBuilder[string, *types.SiteConfig](configCacheSize).
		Cost(func(_ string, _ *types.SiteConfig) uint32 { return 1 }).
		WithTTL(configCacheTTL).
		Build()
	if err != nil {
		panic("site: failed to create config cache: " + err.Error())
	}

	return &Manager{
		store:     st,
		configs:   cache,
		blocklist: make(map[string]map[string]*types.BlockEntry),
		partials:  make(map[string]*PartialRun),
		pageIndex: make(map[string]string),
		now:       time.Now,
	}
}

// Config returns a site's configuration, cached.
func (m *Manager) Config(ctx context.Context, domain string) (*types.SiteConfig, error) {
	if cfg, ok := m.configs.Get(domain); ok {
		return cfg, nil
	}
	cfg, err := m.store.GetSite(ctx, domain)
	if err != nil {
		return nil, err
	}
	m.configs.Set(domain, cfg)
	return cfg, nil
}

// AddBlock records a proxy failure against a domain. Only datacenter
// proxies are blocked; rotating residential pools are not penalized for
// a single bad exit.
func (m *Manager) AddBlock(domain string, proxy *types.Proxy, errMsg string) {
	if proxy == nil || proxy.Type != types.ProxyTypeDatacenter {
		return
	}

	m.mu.Lock()
	entries, ok := m.blocklist[domain]
	if !ok {
		entries = make(map[string]*types.BlockEntry)
		m.blocklist[domain] = entries
	}
	if entry, exists := entries[proxy.ID]; exists {
		entry.FailureCount++
		entry.LastError = errMsg
	} else {
		entries[proxy.ID] = &types.BlockEntry{
			ProxyID:      proxy.ID,
			FailedAt:     m.now(),
			FailureCount: 1,
			LastError:    errMsg,
		}
	}
	count := entries[proxy.ID].FailureCount
	m.mu.Unlock()

	metrics.ProxiesBlocked.WithLabelValues(domain).Inc()
	log.Warn().
		Str("domain", domain).
		Str("proxy_id", proxy.ID).
		Int("failure_count", count).
		Str("error", errMsg).
		Msg("Proxy blocked for domain")
}

// Blocklist returns the domain's currently blocked proxy IDs, lazily
// expiring entries whose cooldown has passed. The cooldown comes from
// the site's config; sites without one use the default.
func (m *Manager) Blocklist(ctx context.Context, domain string) map[string]struct{} {
	cooldown := (*types.ProxyRequirement)(nil).EffectiveCooldown()
	if cfg, err := m.Config(ctx, domain); err == nil && cfg.Proxy != nil {
		cooldown = cfg.Proxy.EffectiveCooldown()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.blocklist[domain]
	if !ok {
		return nil
	}

	now := m.now()
	out := make(map[string]struct{}, len(entries))
	for id, entry := range entries {
		if entry.Expired(cooldown, now) {
			delete(entries, id)
			continue
		}
		out[id] = struct{}{}
	}
	if len(entries) == 0 {
		delete(m.blocklist, domain)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// StartPagination initializes a partial run for the domain with one
// empty pagination state per start page.
func (m *Manager) StartPagination(domain string, startPages []string) error {
	if len(startPages) == 0 {
		return fmt.Errorf("site %s has no start pages", domain)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.partials[domain]; exists {
		return fmt.Errorf("%w: %s", types.ErrPaginationExists, domain)
	}

	partial := &PartialRun{
		Domain:     domain,
		StartPages: append([]string(nil), startPages...),
		States:     make(map[string]*PaginationState, len(startPages)),
		StartedAt:  m.now(),
	}
	for _, page := range startPages {
		partial.States[page] = &PaginationState{seen: make(map[string]struct{})}
		m.pageIndex[page] = domain
	}
	m.partials[domain] = partial

	log.Debug().
		Str("domain", domain).
		Int("start_pages", len(startPages)).
		Msg("Pagination started")
	return nil
}

// UpdatePagination applies a patch to the start page's state, located
// through the owning partial run.
func (m *Manager) UpdatePagination(startPageURL string, patch PaginationPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain, ok := m.pageIndex[startPageURL]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNoActivePagination, startPageURL)
	}
	partial := m.partials[domain]
	state := partial.States[startPageURL]

	if patch.CollectedURLs != nil {
		for _, u := range patch.CollectedURLs {
			if _, dup := state.seen[u]; dup {
				continue
			}
			state.seen[u] = struct{}{}
			state.Collected = append(state.Collected, u)
		}
	}
	if patch.Completed {
		state.Completed = true
	}
	if patch.Failure != "" {
		state.FailureCount++
		state.FailureHistory = append(state.FailureHistory, patch.Failure)
	}
	return nil
}

// UnprocessedStartPages returns up to the site's session limit of
// not-yet-completed start pages per domain, in start-page order.
func (m *Manager) UnprocessedStartPages(ctx context.Context, domains []string) []StartPage {
	limits := make(map[string]int, len(domains))
	for _, domain := range domains {
		limit := types.DefaultSessionLimit
		if cfg, err := m.Config(ctx, domain); err == nil {
			limit = cfg.Proxy.EffectiveSessionLimit()
		}
		limits[domain] = limit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []StartPage
	for _, domain := range domains {
		partial, ok := m.partials[domain]
		if !ok {
			continue
		}
		taken := 0
		for _, page := range partial.StartPages {
			if taken >= limits[domain] {
				break
			}
			if partial.States[page].Completed {
				continue
			}
			out = append(out, StartPage{Domain: domain, URL: page})
			taken++
		}
	}
	return out
}

// CommitReady reports whether the domain's partial run currently passes
// the commit predicate. Used to avoid pointless commit attempts while
// batches are still running.
func (m *Manager) CommitReady(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	partial, ok := m.partials[domain]
	if !ok {
		return false
	}
	anyURLs := false
	for _, state := range partial.States {
		if !state.Completed {
			return false
		}
		if len(state.Collected) > 0 {
			anyURLs = true
		}
	}
	return anyURLs
}

// Commit turns the domain's partial run into a durable ScrapeRun.
//
// The predicate is checked and the URL union snapshotted under the lock;
// the store write happens outside it; the partial run is cleared only
// after the write succeeds. Any failure (incomplete paginations, a
// completed pagination with zero URLs, a store error) leaves the
// partial run intact so the caller can retry or abandon explicitly.
func (m *Manager) Commit(ctx context.Context, domain string) (*types.ScrapeRun, error) {
	m.mu.Lock()
	partial, ok := m.partials[domain]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no partial run for %s", types.ErrNoActivePagination, domain)
	}

	var urls []string
	seen := make(map[string]struct{})
	for _, page := range partial.StartPages {
		state := partial.States[page]
		if !state.Completed {
			m.mu.Unlock()
			metrics.RunsAborted.WithLabelValues("incomplete").Inc()
			return nil, fmt.Errorf("%w: %s still pending for %s", types.ErrPaginationIncomplete, page, domain)
		}
		if len(state.Collected) == 0 {
			m.mu.Unlock()
			metrics.RunsAborted.WithLabelValues("empty_pagination").Inc()
			return nil, fmt.Errorf("%w: %s collected nothing for %s", types.ErrEmptyPagination, page, domain)
		}
		for _, u := range state.Collected {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	m.mu.Unlock()

	run, err := m.store.CreateRun(ctx, domain, urls)
	if err != nil {
		metrics.RunsAborted.WithLabelValues("store_error").Inc()
		return nil, err
	}

	m.clearPartial(domain)
	metrics.RunsCommitted.WithLabelValues(domain).Inc()
	log.Info().
		Str("domain", domain).
		Str("run_id", run.ID).
		Int("urls", len(urls)).
		Msg("Pagination committed")
	return run, nil
}

// Abandon drops the domain's partial run without persisting anything.
func (m *Manager) Abandon(domain string) {
	if m.clearPartial(domain) {
		log.Warn().Str("domain", domain).Msg("Partial run abandoned")
	}
}

// AbandonAll drops every partial run. Called on engine shutdown.
func (m *Manager) AbandonAll() {
	m.mu.Lock()
	domains := make([]string, 0, len(m.partials))
	for domain := range m.partials {
		domains = append(domains, domain)
	}
	m.mu.Unlock()

	for _, domain := range domains {
		m.Abandon(domain)
	}
}

func (m *Manager) clearPartial(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	partial, ok := m.partials[domain]
	if !ok {
		return false
	}
	for _, page := range partial.StartPages {
		delete(m.pageIndex, page)
	}
	delete(m.partials, domain)
	return true
}

// ActivePartialDomains returns the domains with a live partial run.
func (m *Manager) ActivePartialDomains() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.partials))
	for domain := range m.partials {
		out = append(out, domain)
	}
	return out
}

// PendingItems returns up to perDomainMax pending items per domain, read
// from the latest run of each. includeFailed widens "pending" to items
// with prior retryable failures.
func (m *Manager) PendingItems(ctx context.Context, domains []string, perDomainMax int, includeFailed bool) ([]PendingItem, error) {
	var out []PendingItem
	for _, domain := range domains {
		runs, err := m.store.ListRuns(ctx, store.RunQuery{Domain: domain})
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			continue
		}
		latest := runs[0]

		taken := 0
		for _, item := range latest.PendingItems(includeFailed) {
			if perDomainMax > 0 && taken >= perDomainMax {
				break
			}
			out = append(out, PendingItem{RunID: latest.ID, Domain: domain, Target: item})
			taken++
		}
	}
	return out, nil
}

// MarkItem applies a patch to one run item in the external store.
func (m *Manager) MarkItem(ctx context.Context, runID, url string, patch types.TargetPatch) error {
	return m.store.UpdateRunItem(ctx, runID, url, patch)
}

// FinalizeIfDone marks the run completed when no pending items remain.
func (m *Manager) FinalizeIfDone(ctx context.Context, runID string) error {
	run, err := m.store.FetchRun(ctx, runID)
	if err != nil {
		return err
	}
	if len(run.PendingItems(true)) > 0 {
		return nil
	}
	if err := m.store.FinalizeRun(ctx, runID); err != nil {
		return err
	}
	log.Info().Str("run_id", runID).Str("domain", run.Domain).Msg("Run finalized")
	return nil
}
