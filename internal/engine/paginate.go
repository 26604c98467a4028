package engine

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/castnet/trawler/internal/cache"
	"github.com/castnet/trawler/internal/classify"
	"github.com/castnet/trawler/internal/humanize"
	"github.com/castnet/trawler/internal/metrics"
	"github.com/castnet/trawler/internal/security"
	"github.com/castnet/trawler/internal/site"
	"github.com/castnet/trawler/internal/types"
)

// stallSleep is the pause between batches when no session could be
// matched, before giving up on the remaining targets.
const stallSleep = 2 * time.Second

// PaginateEngine walks site listings and commits the collected item
// URLs as runs.
type PaginateEngine struct {
	deps Deps
}

// NewPaginateEngine creates a paginate engine over the shared
// collaborators.
func NewPaginateEngine(deps Deps) *PaginateEngine {
	return &PaginateEngine{deps: deps}
}

// Run executes one paginate invocation: choose sites, open partial runs
// for their start pages, then batch-process start pages until every
// pagination completed or stalled, committing domains as they finish.
func (e *PaginateEngine) Run(ctx context.Context, opts PaginateOptions) (*Result, error) {
	opts.normalize()
	start := time.Now()
	res := newResult()

	configs, err := e.deps.chooseSites(ctx, opts.Sites, opts.Exclude, opts.Since, opts.Force)
	if err != nil {
		return nil, err
	}
	kept := configs[:0]
	for _, cfg := range configs {
		if len(cfg.StartPages) == 0 {
			log.Debug().Str("domain", cfg.Domain).Msg("Site has no start pages, skipped")
			continue
		}
		kept = append(kept, cfg)
	}
	configs = kept
	if opts.NoProxy {
		forceNoProxy(configs)
	}
	if len(configs) == 0 {
		res.Duration = time.Since(start)
		log.Info().Msg("No sites to paginate")
		return res, nil
	}

	reqCache := newCache(opts.DisableCache, opts.CacheSizeMB, opts.CacheTTLSeconds, opts.BlockImages)
	defer func() {
		e.deps.Sessions.DestroyAll()
		if reqCache != nil {
			res.CacheStats = reqCache.Stats()
			reqCache.Clear()
		}
	}()

	var domains []string
	for _, cfg := range configs {
		if err := e.deps.Sites.StartPagination(cfg.Domain, cfg.StartPages); err != nil {
			res.addError(cfg.Domain, err.Error())
			continue
		}
		domains = append(domains, cfg.Domain)
	}

	log.Info().
		Int("sites", len(domains)).
		Int("instance_limit", opts.InstanceLimit).
		Bool("cache", reqCache != nil).
		Msg("Paginate run starting")

	// Start pages that reached a terminal outcome this invocation; they
	// are never re-picked even when their pagination stays incomplete.
	attempted := xsync.NewMap[string, struct{}]()
	committed := make(map[string]bool, len(domains))
	stalls := 0

	for ctx.Err() == nil {
		pending := e.deps.Sites.UnprocessedStartPages(ctx, domains)
		var targets []types.ScrapeTarget
		startPages := make(map[string]site.StartPage, len(pending))
		for _, sp := range pending {
			if _, done := attempted.Load(sp.URL); done {
				continue
			}
			targets = append(targets, types.ScrapeTarget{URL: sp.URL})
			startPages[sp.URL] = sp
		}
		if len(targets) == 0 {
			break
		}

		e.deps.attachBlocklists(ctx, configs)
		pairs := e.deps.prepareSessions(ctx, targets, configs, opts.InstanceLimit)
		if len(pairs) == 0 {
			stalls++
			if stalls >= 2 {
				for _, t := range targets {
					res.addError(t.URL, "no session available for target")
					attempted.Store(t.URL, struct{}{})
				}
				break
			}
			humanize.SleepWithContext(ctx, stallSleep)
			continue
		}
		stalls = 0

		byDomain := make(map[string]*types.SiteConfig, len(configs))
		for i := range configs {
			byDomain[configs[i].Domain] = &configs[i]
		}

		batchStart := time.Now()
		eg := new(errgroup.Group)
		eg.SetLimit(opts.InstanceLimit)
		for _, pair := range pairs {
			pair := pair
			sp := startPages[pair.URL]
			cfg := byDomain[sp.Domain]
			eg.Go(func() error {
				e.processStartPage(ctx, pair.SessionID, sp, cfg, opts, reqCache, attempted, res)
				return nil
			})
		}
		_ = eg.Wait()
		metrics.BatchDuration.WithLabelValues("paginate").Observe(time.Since(batchStart).Seconds())

		e.commitFinished(ctx, domains, opts.NoSave, committed, res)
	}

	e.commitFinished(ctx, domains, opts.NoSave, committed, res)

	// Whatever still holds a partial run could not finish this invocation.
	for _, domain := range domains {
		if committed[domain] {
			continue
		}
		res.addError(domain, types.ErrPaginationIncomplete.Error())
		e.deps.Sites.Abandon(domain)
	}
	if ctx.Err() != nil {
		res.addError("run", ctx.Err().Error())
	}

	res.Duration = time.Since(start)
	log.Info().
		Int("sites_processed", res.SitesProcessed).
		Int("total_urls", res.TotalURLs).
		Int("errors", len(res.Errors)).
		Dur("duration", res.Duration).
		Msg("Paginate run finished")
	return res, nil
}

// processStartPage runs one pagination work unit, including in-batch
// retries for network-class failures.
func (e *PaginateEngine) processStartPage(ctx context.Context, sessionID string, sp site.StartPage, cfg *types.SiteConfig, opts PaginateOptions, reqCache *cache.RequestCache, attempted *xsync.Map[string, struct{}], res *Result) {
	if !e.deps.Inflight.TryAcquire(sp.URL) {
		log.Debug().Str("url", security.RedactURL(sp.URL)).Msg("Start page already in flight elsewhere")
		return
	}
	defer e.deps.Inflight.Release(sp.URL)

	sess, err := e.deps.Sessions.Get(sessionID)
	if err != nil {
		// Session vanished between distribution and execution; the next
		// batch re-picks the target.
		return
	}

	def, err := e.deps.Extractors.Get(cfg.ExtractorID)
	if err != nil {
		// No extractor for the site: the start page completes with no
		// URLs, which aborts the domain's run at commit time.
		_ = e.deps.Sites.UpdatePagination(sp.URL, site.PaginationPatch{Completed: true, Failure: err.Error()})
		attempted.Store(sp.URL, struct{}{})
		res.addError(sp.URL, err.Error())
		metrics.RecordTarget("paginate", "invalid")
		return
	}

	params := PageParams{
		Cache:       reqCache,
		BlockImages: opts.BlockImages,
		MaxPages:    opts.MaxPages,
		Timeout:     opts.PageTimeout,
	}

	for attempt := 0; ; attempt++ {
		urls, err := e.deps.Visitor.Paginate(ctx, sess, sp.URL, def, params)
		if err == nil {
			patch := site.PaginationPatch{CollectedURLs: urls, Completed: true}
			if uerr := e.deps.Sites.UpdatePagination(sp.URL, patch); uerr != nil {
				res.addError(sp.URL, uerr.Error())
				return
			}
			res.addURLs(sp.Domain, len(urls))
			metrics.RecordTarget("paginate", "ok")
			log.Info().
				Str("domain", sp.Domain).
				Str("start_page", security.RedactURL(sp.URL)).
				Int("urls", len(urls)).
				Msg("Pagination completed")
			return
		}

		class := classify.Classify(err)
		switch {
		case class == classify.ClassBrowserClosed:
			// The session died under us. Invalidate it and leave the start
			// page untouched for the next batch.
			e.deps.Sessions.Invalidate(sess.ID, err)
			metrics.RecordTarget("paginate", "browser_closed")
			return

		case class.Retryable() && attempt < opts.MaxRetries:
			log.Warn().
				Err(err).
				Str("start_page", security.RedactURL(sp.URL)).
				Int("attempt", attempt+1).
				Msg("Pagination failed, retrying")
			if !humanize.SleepWithContext(ctx, classify.Backoff(attempt)) {
				return
			}

		case class == classify.ClassNetwork:
			_ = e.deps.Sites.UpdatePagination(sp.URL, site.PaginationPatch{Failure: err.Error()})
			e.deps.Sites.AddBlock(sp.Domain, sess.Proxy, err.Error())
			attempted.Store(sp.URL, struct{}{})
			res.addError(sp.URL, err.Error())
			metrics.RecordTarget("paginate", "failed")
			return

		default:
			_ = e.deps.Sites.UpdatePagination(sp.URL, site.PaginationPatch{Failure: err.Error()})
			attempted.Store(sp.URL, struct{}{})
			res.addError(sp.URL, err.Error())
			metrics.RecordTarget("paginate", "invalid")
			return
		}
	}
}

// commitFinished commits every domain whose partial run passes the
// predicate. A failed commit aborts the domain; noSave discards instead
// of committing but still counts the site as processed.
func (e *PaginateEngine) commitFinished(ctx context.Context, domains []string, noSave bool, committed map[string]bool, res *Result) {
	for _, domain := range domains {
		if committed[domain] || !e.deps.Sites.CommitReady(domain) {
			continue
		}
		if noSave {
			e.deps.Sites.Abandon(domain)
			committed[domain] = true
			res.addSite()
			log.Info().Str("domain", domain).Msg("Run discarded (noSave)")
			continue
		}
		if _, err := e.deps.Sites.Commit(ctx, domain); err != nil {
			res.addError(domain, err.Error())
			e.deps.Sites.Abandon(domain)
			committed[domain] = true
			continue
		}
		committed[domain] = true
		res.addSite()
	}
}
