package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/config"
	"github.com/castnet/trawler/internal/engine"
	"github.com/castnet/trawler/internal/metrics"
	"github.com/castnet/trawler/pkg/version"
)

type daemonFlags struct {
	paginateSchedule *string
	scrapeSchedule   *string
	retryFailed      *bool
}

func setupDaemonFlags(cmd *kingpin.CmdClause) *daemonFlags {
	f := &daemonFlags{}
	f.paginateSchedule = cmd.Flag("paginate-schedule", "Cron schedule for the paginate pipeline.").Default("0 2 * * *").String()
	f.scrapeSchedule = cmd.Flag("scrape-schedule", "Cron schedule for the scrape pipeline.").Default("0 4 * * *").String()
	f.retryFailed = cmd.Flag("retry-failed", "Scheduled scrape runs also pick up previously failed items.").Bool()
	return f
}

// runDaemon runs both pipelines on cron schedules and serves metrics
// until the process is signalled.
func runDaemon(ctx context.Context, rt *runtime, cfg *config.Config, flags *daemonFlags) {
	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	stopCh := make(chan struct{})
	go metrics.StartMemoryCollector(10*time.Second, stopCh)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	paginateEng := engine.NewPaginateEngine(rt.deps)
	scrapeEng := engine.NewScrapeEngine(rt.deps)

	// One flag per pipeline: a schedule firing while its previous run is
	// still going is skipped, not queued.
	var paginateBusy, scrapeBusy atomic.Bool

	c := cron.New()
	if _, err := c.AddFunc(*flags.paginateSchedule, func() {
		if !paginateBusy.CompareAndSwap(false, true) {
			log.Warn().Msg("Paginate schedule fired while previous run still active, skipping")
			return
		}
		defer paginateBusy.Store(false)

		opts := engine.DefaultPaginateOptions()
		opts.PageTimeout = cfg.PaginateTimeout
		res, err := paginateEng.Run(ctx, opts)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled paginate run failed")
			return
		}
		log.Info().
			Int("sites", res.SitesProcessed).
			Int("urls", res.TotalURLs).
			Int("errors", len(res.Errors)).
			Msg("Scheduled paginate run finished")
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", *flags.paginateSchedule).Msg("Invalid paginate schedule")
	}

	if _, err := c.AddFunc(*flags.scrapeSchedule, func() {
		if !scrapeBusy.CompareAndSwap(false, true) {
			log.Warn().Msg("Scrape schedule fired while previous run still active, skipping")
			return
		}
		defer scrapeBusy.Store(false)

		opts := engine.DefaultScrapeOptions()
		opts.PageTimeout = cfg.ScrapeTimeout
		opts.RetryFailedItems = *flags.retryFailed
		res, err := scrapeEng.Run(ctx, opts)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled scrape run failed")
			return
		}
		log.Info().
			Int("sites", res.SitesProcessed).
			Int("items", res.ItemsScraped).
			Int("errors", len(res.Errors)).
			Msg("Scheduled scrape run finished")
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", *flags.scrapeSchedule).Msg("Invalid scrape schedule")
	}

	c.Start()
	log.Info().
		Str("paginate", *flags.paginateSchedule).
		Str("scrape", *flags.scrapeSchedule).
		Msg("Daemon started")

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	// Stop scheduling new runs, then wait for the active ones; they see
	// the canceled context and wind down on their own.
	stopCtx := c.Stop()
	<-stopCtx.Done()
	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server shutdown error")
	}
	log.Info().Msg("Shutdown complete")
}
