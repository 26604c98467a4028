// Package main provides the trawler command line interface.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/browser"
	"github.com/castnet/trawler/internal/config"
	"github.com/castnet/trawler/internal/engine"
	"github.com/castnet/trawler/internal/extractor"
	"github.com/castnet/trawler/internal/proxy"
	"github.com/castnet/trawler/internal/session"
	"github.com/castnet/trawler/internal/site"
	"github.com/castnet/trawler/internal/store"
	"github.com/castnet/trawler/pkg/version"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	app := kingpin.New("trawler", "Fleet orchestrator for headless-browser e-commerce scraping.")
	app.HelpFlag.Short('h')

	paginateCmd := app.Command("paginate", "Walk site listings and commit the collected item URLs as runs.")
	paginateFlags := setupPaginateFlags(paginateCmd)

	scrapeCmd := app.Command("scrape", "Scrape pending item URLs from the latest runs into product records.")
	scrapeFlags := setupScrapeFlags(scrapeCmd)

	daemonCmd := app.Command("daemon", "Run both pipelines on cron schedules with a metrics endpoint.")
	daemonFlags := setupDaemonFlags(daemonCmd)

	versionCmd := app.Command("version", "Print version information.")

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == versionCmd.FullCommand() {
		fmt.Printf("trawler %s (%s)\n", version.Full(), version.GoVersion())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
	defer rt.close()

	switch command {
	case paginateCmd.FullCommand():
		runPaginate(ctx, rt, cfg, paginateFlags)
	case scrapeCmd.FullCommand():
		runScrape(ctx, rt, cfg, scrapeFlags)
	case daemonCmd.FullCommand():
		runDaemon(ctx, rt, cfg, daemonFlags)
	}
}

// paginateFlags holds the per-invocation paginate options plus the
// flag-only extras.
type paginateFlags struct {
	sites        *[]string
	exclude      *[]string
	since        *time.Duration
	force        *bool
	instances    *int
	maxPages     *int
	disableCache *bool
	cacheSizeMB  *int
	cacheTTL     *int
	blockImages  *bool
	noSave       *bool
	maxRetries   *int
	noProxy      *bool
	progress     *bool
}

func setupPaginateFlags(cmd *kingpin.CmdClause) *paginateFlags {
	f := &paginateFlags{}
	f.sites = cmd.Flag("site", "Only process these domains (repeatable).").Strings()
	f.exclude = cmd.Flag("exclude", "Skip these domains (repeatable, wins over --site).").Strings()
	f.since = cmd.Flag("since", "Skip sites with any run newer than this long ago (e.g. 24h).").Duration()
	f.force = cmd.Flag("force", "Process sites even when --since would skip them.").Bool()
	f.instances = cmd.Flag("instances", "Max concurrent sessions for this invocation.").Default(strconv.Itoa(engine.DefaultInstanceLimit)).Int()
	f.maxPages = cmd.Flag("max-pages", "Cap pages per start page (0 = extractor default).").Int()
	f.disableCache = cmd.Flag("disable-cache", "Turn the shared request cache off.").Bool()
	f.cacheSizeMB = cmd.Flag("cache-size-mb", "Request cache budget in MB.").Default(strconv.Itoa(engine.DefaultCacheSizeMB)).Int()
	f.cacheTTL = cmd.Flag("cache-ttl", "Request cache entry TTL in seconds.").Default(strconv.Itoa(engine.DefaultCacheTTLSeconds)).Int()
	f.blockImages = cmd.Flag("block-images", "Abort image requests instead of loading them.").Default("true").Bool()
	f.noSave = cmd.Flag("no-save", "Paginate fully but never commit runs.").Bool()
	f.maxRetries = cmd.Flag("max-retries", "In-batch retries for network failures.").Default(strconv.Itoa(engine.DefaultPaginateRetries)).Int()
	f.noProxy = cmd.Flag("no-proxy", "Force proxy strategy none for every site.").Bool()
	f.progress = cmd.Flag("progress", "Show a live progress view.").Bool()
	return f
}

func (f *paginateFlags) options(cfg *config.Config) engine.PaginateOptions {
	opts := engine.DefaultPaginateOptions()
	opts.Sites = *f.sites
	opts.Exclude = *f.exclude
	if *f.since > 0 {
		opts.Since = time.Now().Add(-*f.since)
	}
	opts.Force = *f.force
	opts.InstanceLimit = *f.instances
	opts.MaxPages = *f.maxPages
	opts.DisableCache = *f.disableCache
	opts.CacheSizeMB = *f.cacheSizeMB
	opts.CacheTTLSeconds = *f.cacheTTL
	opts.BlockImages = *f.blockImages
	opts.NoSave = *f.noSave
	opts.MaxRetries = *f.maxRetries
	opts.NoProxy = *f.noProxy
	opts.PageTimeout = cfg.PaginateTimeout
	return opts
}

type scrapeFlags struct {
	sites        *[]string
	exclude      *[]string
	instances    *int
	disableCache *bool
	cacheSizeMB  *int
	cacheTTL     *int
	blockImages  *bool
	noSave       *bool
	maxRetries   *int
	retryFailed  *bool
	noProxy      *bool
	progress     *bool
}

func setupScrapeFlags(cmd *kingpin.CmdClause) *scrapeFlags {
	f := &scrapeFlags{}
	f.sites = cmd.Flag("site", "Only process these domains (repeatable).").Strings()
	f.exclude = cmd.Flag("exclude", "Skip these domains (repeatable, wins over --site).").Strings()
	f.instances = cmd.Flag("instances", "Max concurrent sessions for this invocation.").Default(strconv.Itoa(engine.DefaultInstanceLimit)).Int()
	f.disableCache = cmd.Flag("disable-cache", "Turn the shared request cache off.").Bool()
	f.cacheSizeMB = cmd.Flag("cache-size-mb", "Request cache budget in MB.").Default(strconv.Itoa(engine.DefaultCacheSizeMB)).Int()
	f.cacheTTL = cmd.Flag("cache-ttl", "Request cache entry TTL in seconds.").Default(strconv.Itoa(engine.DefaultCacheTTLSeconds)).Int()
	f.blockImages = cmd.Flag("block-images", "Abort image requests instead of loading them.").Default("true").Bool()
	f.noSave = cmd.Flag("no-save", "Scrape fully but never upload records or mark items.").Bool()
	f.maxRetries = cmd.Flag("max-retries", "In-batch retries for network failures.").Default(strconv.Itoa(engine.DefaultScrapeRetries)).Int()
	f.retryFailed = cmd.Flag("retry-failed", "Also pick up items with prior retryable failures.").Bool()
	f.noProxy = cmd.Flag("no-proxy", "Force proxy strategy none for every site.").Bool()
	f.progress = cmd.Flag("progress", "Show a live progress view.").Bool()
	return f
}

func (f *scrapeFlags) options(cfg *config.Config) engine.ScrapeOptions {
	opts := engine.DefaultScrapeOptions()
	opts.Sites = *f.sites
	opts.Exclude = *f.exclude
	opts.InstanceLimit = *f.instances
	opts.DisableCache = *f.disableCache
	opts.CacheSizeMB = *f.cacheSizeMB
	opts.CacheTTLSeconds = *f.cacheTTL
	opts.BlockImages = *f.blockImages
	opts.NoSave = *f.noSave
	opts.MaxRetries = *f.maxRetries
	opts.RetryFailedItems = *f.retryFailed
	opts.NoProxy = *f.noProxy
	opts.PageTimeout = cfg.ScrapeTimeout
	return opts
}

// runtime is the assembled object graph shared by every command.
type runtime struct {
	store    store.Store
	pool     *proxy.Pool
	sessions *session.Manager
	sites    *site.Manager
	registry *extractor.Registry
	deps     engine.Deps
}

func (rt *runtime) close() {
	rt.sites.AbandonAll()
	rt.sessions.Close()
	if err := rt.registry.Close(); err != nil {
		log.Warn().Err(err).Msg("Extractor registry close failed")
	}
	if err := rt.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	var st store.Store
	if cfg.UsesLocalStore() {
		local, err := store.OpenSQLite(cfg.DataDir, cfg.SitesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		log.Info().Str("data_dir", cfg.DataDir).Msg("Using local sqlite store")
		st = local
	} else {
		st = store.NewHTTPStore(cfg.StoreEndpoint, cfg.StoreAPIKey, cfg.StoreTimeout)
		log.Info().Str("endpoint", cfg.StoreEndpoint).Msg("Using remote store")
	}

	var pool *proxy.Pool
	if cfg.ProxyPoolPath != "" {
		p, err := proxy.LoadFile(cfg.ProxyPoolPath)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to load proxy pool: %w", err)
		}
		pool = p
		if cfg.GeoIPDBPath != "" {
			resolver, err := proxy.OpenMaxMind(cfg.GeoIPDBPath)
			if err != nil {
				log.Warn().Err(err).Msg("GeoIP database unavailable, proxy geos stay as configured")
			} else {
				pool.FillGeo(resolver)
				_ = resolver.Close()
			}
		}
		log.Info().Int("proxies", pool.Size()).Msg("Proxy pool loaded")
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent
	}

	provider := browser.NewProvider(browser.LaunchConfig{
		RemoteURL:        remoteURLWithTimeout(cfg.RemoteBrowserURL, cfg.SessionTimeout),
		BrowserPath:      cfg.BrowserPath,
		Headless:         cfg.Headless,
		IgnoreCertErrors: cfg.IgnoreCertErrors,
		UserAgent:        userAgent,
	})

	sessions := session.NewManager(provider, pool, cfg.MaxSessions)

	registry, err := extractor.NewRegistry(cfg.ExtractorDir, cfg.ExtractorHotReload)
	if err != nil {
		sessions.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to load extractors: %w", err)
	}

	sites := site.NewManager(st)

	rt := &runtime{
		store:    st,
		pool:     pool,
		sessions: sessions,
		sites:    sites,
		registry: registry,
	}
	rt.deps = engine.Deps{
		Sessions:   sessions,
		Sites:      sites,
		Store:      st,
		Extractors: registry,
		Visitor:    engine.NewRodVisitor(userAgent, cfg.BlockPrivateHosts),
		Inflight:   engine.NewInflight(),
	}
	return rt, nil
}

// remoteURLWithTimeout forwards the session timeout to the remote
// launcher manager as a hint. The engine never enforces it locally.
func remoteURLWithTimeout(remoteURL string, timeout time.Duration) string {
	if remoteURL == "" || timeout <= 0 {
		return remoteURL
	}
	u, err := url.Parse(remoteURL)
	if err != nil {
		return remoteURL
	}
	q := u.Query()
	q.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

func runPaginate(ctx context.Context, rt *runtime, cfg *config.Config, flags *paginateFlags) {
	eng := engine.NewPaginateEngine(rt.deps)
	run := func(ctx context.Context) (*engine.Result, error) {
		return eng.Run(ctx, flags.options(cfg))
	}

	res, err := runWithOptionalProgress(ctx, rt, "paginate", *flags.progress, run)
	if err != nil {
		log.Fatal().Err(err).Msg("Paginate run failed")
	}
	fmt.Print(renderSummary("paginate", res))
	if !res.Success() {
		os.Exit(1)
	}
}

func runScrape(ctx context.Context, rt *runtime, cfg *config.Config, flags *scrapeFlags) {
	eng := engine.NewScrapeEngine(rt.deps)
	run := func(ctx context.Context) (*engine.Result, error) {
		return eng.Run(ctx, flags.options(cfg))
	}

	res, err := runWithOptionalProgress(ctx, rt, "scrape", *flags.progress, run)
	if err != nil {
		log.Fatal().Err(err).Msg("Scrape run failed")
	}
	fmt.Print(renderSummary("scrape", res))
	if !res.Success() {
		os.Exit(1)
	}
}

// setupLogging configures zerolog with a console writer.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
