package engine

import (
	"context"
	"sync"
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

// ScrapeEngine turns pending run items into product records.
type ScrapeEngine struct {
	deps Deps
}

// NewScrapeEngine creates a scrape-item engine over the shared
// collaborators.
func NewScrapeEngine(deps Deps) *ScrapeEngine {
	return &ScrapeEngine{deps: deps}
}

// itemBatch buffers the records of one batch so they upload in a single
// store call at batch end.
type itemBatch struct {
	mu      sync.Mutex
	records []types.ItemRecord
	items   map[string]site.PendingItem // source URL -> origin
}

func newItemBatch() *itemBatch {
	return &itemBatch{items: make(map[string]site.PendingItem)}
}

func (b *itemBatch) add(rec types.ItemRecord, origin site.PendingItem) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.items[rec.SourceURL] = origin
	b.mu.Unlock()
}

// Run executes one scrape-item invocation against the latest run of
// each chosen site.
func (e *ScrapeEngine) Run(ctx context.Context, opts ScrapeOptions) (*Result, error) {
	opts.normalize()
	start := time.Now()
	res := newResult()

	configs, err := e.deps.chooseSites(ctx, opts.Sites, opts.Exclude, time.Time{}, false)
	if err != nil {
		return nil, err
	}
	if opts.NoProxy {
		forceNoProxy(configs)
	}
	if len(configs) == 0 {
		res.Duration = time.Since(start)
		log.Info().Msg("No sites to scrape")
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

	log.Info().
		Int("sites", len(configs)).
		Int("instance_limit", opts.InstanceLimit).
		Bool("retry_failed", opts.RetryFailedItems).
		Msg("Scrape run starting")

	byDomain := make(map[string]*types.SiteConfig, len(configs))
	var domains []string
	for i := range configs {
		byDomain[configs[i].Domain] = &configs[i]
		domains = append(domains, configs[i].Domain)
	}

	attempted := xsync.NewMap[string, struct{}]()
	touchedDomains := make(map[string]struct{})
	touchedRuns := make(map[string]struct{})
	stalls := 0

	for ctx.Err() == nil {
		var targets []types.ScrapeTarget
		origins := make(map[string]site.PendingItem)
		for _, domain := range domains {
			cfg := byDomain[domain]
			perDomain := cfg.Proxy.EffectiveSessionLimit()
			items, err := e.deps.Sites.PendingItems(ctx, []string{domain}, perDomain, opts.RetryFailedItems)
			if err != nil {
				res.addError(domain, err.Error())
				continue
			}
			for _, pi := range items {
				if _, done := attempted.Load(pi.Target.URL); done {
					continue
				}
				targets = append(targets, pi.Target)
				origins[pi.Target.URL] = pi
				touchedDomains[domain] = struct{}{}
				touchedRuns[pi.RunID] = struct{}{}
			}
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

		batch := newItemBatch()
		batchStart := time.Now()
		eg := new(errgroup.Group)
		eg.SetLimit(opts.InstanceLimit)
		for _, pair := range pairs {
			pair := pair
			origin := origins[pair.URL]
			cfg := byDomain[origin.Domain]
			eg.Go(func() error {
				e.processItem(ctx, pair.SessionID, origin, cfg, opts, reqCache, batch, attempted, res)
				return nil
			})
		}
		_ = eg.Wait()
		metrics.BatchDuration.WithLabelValues("scrape").Observe(time.Since(batchStart).Seconds())

		e.uploadBatch(ctx, batch, opts.NoSave, res)
	}

	// Runs whose last pending items went invalid or failed never pass
	// through an upload, so sweep them for finalization here.
	if !opts.NoSave {
		for runID := range touchedRuns {
			if err := e.deps.Sites.FinalizeIfDone(ctx, runID); err != nil {
				log.Warn().Err(err).Str("run_id", runID).Msg("Run finalize check failed")
			}
		}
	}

	res.SitesProcessed = len(touchedDomains)
	if ctx.Err() != nil {
		res.addError("run", ctx.Err().Error())
	}

	res.Duration = time.Since(start)
	log.Info().
		Int("sites_processed", res.SitesProcessed).
		Int("items_scraped", res.ItemsScraped).
		Int("errors", len(res.Errors)).
		Dur("duration", res.Duration).
		Msg("Scrape run finished")
	return res, nil
}

// processItem runs one scrape work unit with in-batch retries.
func (e *ScrapeEngine) processItem(ctx context.Context, sessionID string, origin site.PendingItem, cfg *types.SiteConfig, opts ScrapeOptions, reqCache *cache.RequestCache, batch *itemBatch, attempted *xsync.Map[string, struct{}], res *Result) {
	url := origin.Target.URL
	if !e.deps.Inflight.TryAcquire(url) {
		log.Debug().Str("url", security.RedactURL(url)).Msg("Item already in flight elsewhere")
		return
	}
	defer e.deps.Inflight.Release(url)

	sess, err := e.deps.Sessions.Get(sessionID)
	if err != nil {
		return
	}

	def, err := e.deps.Extractors.Get(cfg.ExtractorID)
	if err != nil {
		e.markInvalid(ctx, origin, opts.NoSave, err, attempted, res)
		return
	}

	params := PageParams{
		Cache:       reqCache,
		BlockImages: opts.BlockImages,
		Timeout:     opts.PageTimeout,
	}

	for attempt := 0; ; attempt++ {
		rec, err := e.deps.Visitor.ScrapeItem(ctx, sess, url, def, params)
		if err == nil {
			rec.SourceURL = url
			rec.Domain = origin.Domain
			batch.add(*rec, origin)
			attempted.Store(url, struct{}{})
			res.addItem(origin.Domain)
			metrics.RecordTarget("scrape", "ok")
			return
		}

		class := classify.Classify(err)
		switch {
		case class == classify.ClassBrowserClosed:
			e.deps.Sessions.Invalidate(sess.ID, err)
			metrics.RecordTarget("scrape", "browser_closed")
			return

		case class.Retryable() && attempt < opts.MaxRetries:
			log.Warn().
				Err(err).
				Str("url", security.RedactURL(url)).
				Int("attempt", attempt+1).
				Msg("Item scrape failed, retrying")
			if !humanize.SleepWithContext(ctx, classify.Backoff(attempt)) {
				return
			}

		case class == classify.ClassNetwork:
			if !opts.NoSave {
				failed := origin.Target.Failed + 1
				if merr := e.deps.Sites.MarkItem(ctx, origin.RunID, url, types.TargetPatch{Failed: &failed}); merr != nil {
					log.Warn().Err(merr).Str("url", security.RedactURL(url)).Msg("Failed to mark item failed")
				}
			}
			e.deps.Sites.AddBlock(origin.Domain, sess.Proxy, err.Error())
			attempted.Store(url, struct{}{})
			res.addError(url, err.Error())
			metrics.RecordTarget("scrape", "failed")
			return

		default:
			e.markInvalid(ctx, origin, opts.NoSave, err, attempted, res)
			return
		}
	}
}

func (e *ScrapeEngine) markInvalid(ctx context.Context, origin site.PendingItem, noSave bool, cause error, attempted *xsync.Map[string, struct{}], res *Result) {
	url := origin.Target.URL
	if !noSave {
		invalid := true
		if err := e.deps.Sites.MarkItem(ctx, origin.RunID, url, types.TargetPatch{Invalid: &invalid}); err != nil {
			log.Warn().Err(err).Str("url", security.RedactURL(url)).Msg("Failed to mark item invalid")
		}
	}
	attempted.Store(url, struct{}{})
	res.addError(url, cause.Error())
	metrics.RecordTarget("scrape", "invalid")
}

// uploadBatch sends the batch's records to the store, marks the
// successfully stored items done, and finalizes runs with nothing left.
func (e *ScrapeEngine) uploadBatch(ctx context.Context, batch *itemBatch, noSave bool, res *Result) {
	batch.mu.Lock()
	records := batch.records
	items := batch.items
	batch.mu.Unlock()

	if len(records) == 0 || noSave {
		return
	}

	result, err := e.deps.Store.AddItems(ctx, records)
	if err != nil {
		res.addError("item_upload", err.Error())
		log.Error().Err(err).Int("items", len(records)).Msg("Item batch upload failed")
		return
	}

	runs := make(map[string]struct{})
	done := true
	for _, url := range result.Successful {
		origin, ok := items[url]
		if !ok {
			continue
		}
		if err := e.deps.Sites.MarkItem(ctx, origin.RunID, url, types.TargetPatch{Done: &done}); err != nil {
			log.Warn().Err(err).Str("url", security.RedactURL(url)).Msg("Failed to mark item done")
			continue
		}
		runs[origin.RunID] = struct{}{}
	}
	for url, reason := range result.Failed {
		log.Warn().
			Str("url", security.RedactURL(url)).
			Str("reason", reason).
			Msg("Item rejected by store")
	}

	for runID := range runs {
		if err := e.deps.Sites.FinalizeIfDone(ctx, runID); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("Run finalize check failed")
		}
	}

	log.Info().
		Int("uploaded", len(result.Successful)).
		Int("rejected", len(result.Failed)).
		Msg("Item batch uploaded")
}
