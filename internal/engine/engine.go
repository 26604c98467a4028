// Package engine drives the batch loop: pick targets, distribute them
// over live sessions, top the fleet up, fan the work out, and report
// progress back through the site manager. The paginate engine collects
// item URLs from listings; the scrape-item engine turns those URLs into
// product records.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/distribute"
	"github.com/castnet/trawler/internal/extractor"
	"github.com/castnet/trawler/internal/session"
	"github.com/castnet/trawler/internal/site"
	"github.com/castnet/trawler/internal/store"
	"github.com/castnet/trawler/internal/types"
)

// ExtractorSource resolves extractor IDs. Satisfied by
// *extractor.Registry; faked in tests.
type ExtractorSource interface {
	Get(id string) (*extractor.Definition, error)
}

// Deps bundles the collaborators both engines share.
type Deps struct {
	Sessions   *session.Manager
	Sites      *site.Manager
	Store      store.Store
	Extractors ExtractorSource
	Visitor    Visitor
	Inflight   *Inflight
}

// Inflight is the process-wide set of target URLs currently being
// worked on. It keeps overlapping invocations (daemon schedules firing
// while a manual run is active) from visiting the same URL twice.
type Inflight struct {
	m *xsync.Map[string, struct{}]
}

// NewInflight creates an empty in-flight set.
func NewInflight() *Inflight {
	return &Inflight{m: xsync.NewMap[string, struct{}]()}
}

// TryAcquire claims a URL. False means someone else holds it.
func (f *Inflight) TryAcquire(url string) bool {
	_, loaded := f.m.LoadOrStore(url, struct{}{})
	return !loaded
}

// Release returns a claimed URL.
func (f *Inflight) Release(url string) {
	f.m.Delete(url)
}

// chooseSites filters the store's site list down to this invocation's
// domains. include narrows, exclude wins over include, and sites without
// the required field (start pages for paginate) are dropped by the
// caller. When since is set and force is not, domains with any run after
// the cutoff are skipped regardless of that run's status.
func (d *Deps) chooseSites(ctx context.Context, include, exclude []string, since time.Time, force bool) ([]types.SiteConfig, error) {
	all, err := d.Store.GetSites(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(include))
	for _, s := range include {
		wanted[strings.ToLower(s)] = struct{}{}
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, s := range exclude {
		excluded[strings.ToLower(s)] = struct{}{}
	}

	var out []types.SiteConfig
	for _, cfg := range all {
		domain := strings.ToLower(cfg.Domain)
		if _, skip := excluded[domain]; skip {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[domain]; !ok {
				continue
			}
		}
		if !since.IsZero() && !force {
			runs, err := d.Store.ListRuns(ctx, store.RunQuery{Domain: cfg.Domain, Since: since})
			if err != nil {
				return nil, err
			}
			if len(runs) > 0 {
				log.Debug().
					Str("domain", cfg.Domain).
					Time("since", since).
					Msg("Site skipped, already has a recent run")
				continue
			}
		}
		out = append(out, cfg)
	}
	return out, nil
}

// forceNoProxy overrides every site's proxy policy to strategy none.
func forceNoProxy(configs []types.SiteConfig) {
	for i := range configs {
		configs[i].Proxy = &types.ProxyRequirement{Strategy: types.StrategyNone}
	}
}

// attachBlocklists refreshes each config's blocked proxy set for the
// next distribution round.
func (d *Deps) attachBlocklists(ctx context.Context, configs []types.SiteConfig) {
	for i := range configs {
		configs[i].BlockedProxyIDs = d.Sites.Blocklist(ctx, configs[i].Domain)
	}
}

// prepareSessions runs one batch's two-pass distribution.
//
// First pass matches targets against the sessions already alive; the
// unmatched sessions are excess and get destroyed. If room remains under
// instanceLimit, new sessions are created per unmatched domain's proxy
// policy and the distributor runs a second pass over the whole fleet.
func (d *Deps) prepareSessions(ctx context.Context, targets []types.ScrapeTarget, configs []types.SiteConfig, instanceLimit int) []distribute.Pair {
	byDomain := make(map[string]*types.SiteConfig, len(configs))
	for i := range configs {
		byDomain[configs[i].Domain] = &configs[i]
	}

	active := d.Sessions.Active()
	pairs := distribute.Distribute(targets, active, configs)

	inUse := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		inUse[p.SessionID] = struct{}{}
	}
	for _, info := range active {
		if _, keep := inUse[info.ID]; keep {
			continue
		}
		if err := d.Sessions.Destroy(info.ID); err != nil {
			log.Debug().Err(err).Str("session_id", info.ID).Msg("Excess session already gone")
		}
	}

	room := instanceLimit - len(pairs)
	unmatched := distribute.Unmatched(targets, pairs)
	if room <= 0 || len(unmatched) == 0 {
		return pairs
	}

	// One session per unmatched target, bounded by the per-site limit and
	// the remaining room.
	domainCounts := make(map[string]int)
	var domainOrder []string
	for _, t := range unmatched {
		if room <= 0 {
			break
		}
		domain := distribute.DomainOf(t.URL)
		cfg := byDomain[domain]
		limit := 1
		if cfg != nil {
			limit = cfg.Proxy.EffectiveSessionLimit()
		}
		if domainCounts[domain] >= limit {
			continue
		}
		if domainCounts[domain] == 0 {
			domainOrder = append(domainOrder, domain)
		}
		domainCounts[domain]++
		room--
	}

	for _, domain := range domainOrder {
		cfg := byDomain[domain]
		var req *types.ProxyRequirement
		var blocked map[string]struct{}
		if cfg != nil {
			req = cfg.Proxy
			blocked = cfg.BlockedProxyIDs
		}
		if _, err := d.Sessions.CreateBatch(ctx, domainCounts[domain], req, blocked); err != nil {
			log.Warn().
				Err(err).
				Str("domain", domain).
				Int("requested", domainCounts[domain]).
				Msg("Session top-up failed")
		}
	}

	return distribute.Distribute(targets, d.Sessions.Active(), configs)
}
