package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/browser"
	"github.com/castnet/trawler/internal/cache"
	"github.com/castnet/trawler/internal/extractor"
	"github.com/castnet/trawler/internal/humanize"
	"github.com/castnet/trawler/internal/metrics"
	"github.com/castnet/trawler/internal/security"
	"github.com/castnet/trawler/internal/session"
	"github.com/castnet/trawler/internal/types"
)

// PageParams carries the per-invocation page settings into the visitor.
type PageParams struct {
	// Cache is the shared request cache, nil when disabled.
	Cache *cache.RequestCache

	// BlockImages aborts image requests. When the cache is active it does
	// the blocking itself; this flag only matters for cacheless pages.
	BlockImages bool

	// MaxPages caps the pagination walk; 0 defers to the extractor.
	MaxPages int

	// Timeout bounds one page load.
	Timeout time.Duration
}

// Visitor performs the browser side of one work unit. Faked in engine
// tests; RodVisitor is the real implementation.
type Visitor interface {
	// Paginate walks the listing starting at startURL and returns the
	// union of item URLs across all visited pages, in collection order.
	Paginate(ctx context.Context, sess *session.Session, startURL string, def *extractor.Definition, p PageParams) ([]string, error)

	// ScrapeItem loads one item page and extracts its product record.
	ScrapeItem(ctx context.Context, sess *session.Session, itemURL string, def *extractor.Definition, p PageParams) (*types.ItemRecord, error)
}

// RodVisitor drives real browser pages through go-rod.
type RodVisitor struct {
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	BlockPrivateHosts bool
	Scroll            humanize.ScrollConfig
}

// NewRodVisitor returns a visitor with the standard viewport and scroll
// behavior.
func NewRodVisitor(userAgent string, blockPrivateHosts bool) *RodVisitor {
	return &RodVisitor{
		UserAgent:         userAgent,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		BlockPrivateHosts: blockPrivateHosts,
		Scroll:            humanize.DefaultScrollConfig(),
	}
}

// Paginate implements Visitor.
func (v *RodVisitor) Paginate(ctx context.Context, sess *session.Session, startURL string, def *extractor.Definition, p PageParams) ([]string, error) {
	page, cleanup, err := v.openPage(ctx, sess, p)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	maxPages := def.MaxPages()
	if p.MaxPages > 0 && p.MaxPages < maxPages {
		maxPages = p.MaxPages
	}

	var urls []string
	seen := make(map[string]struct{})
	pageURL := startURL

	for pageIndex := 0; pageIndex < maxPages; pageIndex++ {
		html, err := v.loadPage(ctx, page, pageURL, p.Timeout, def.Mode() == extractor.PaginateScroll)
		if err != nil {
			return urls, err
		}
		metrics.PagesLoaded.WithLabelValues(def.Domain).Inc()

		pageURLs, err := def.ExtractItemURLs(html, pageURL)
		if err != nil {
			return urls, err
		}
		for _, u := range pageURLs {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}

		next, ok, err := def.NextPageURL(html, pageURL, pageIndex)
		if err != nil {
			return urls, err
		}
		if !ok {
			break
		}
		log.Debug().
			Str("session_id", sess.ID).
			Str("next", security.RedactURL(next)).
			Int("page_index", pageIndex+1).
			Msg("Advancing pagination")
		pageURL = next
	}

	return urls, nil
}

// ScrapeItem implements Visitor.
func (v *RodVisitor) ScrapeItem(ctx context.Context, sess *session.Session, itemURL string, def *extractor.Definition, p PageParams) (*types.ItemRecord, error) {
	page, cleanup, err := v.openPage(ctx, sess, p)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	html, err := v.loadPage(ctx, page, itemURL, p.Timeout, false)
	if err != nil {
		return nil, err
	}
	metrics.PagesLoaded.WithLabelValues(def.Domain).Inc()

	rec, err := def.ExtractItem(html, itemURL)
	if err != nil {
		return nil, err
	}
	rec.ScrapedAt = time.Now().UTC()
	return rec, nil
}

// openPage creates a stealth page on the session's browser and wires up
// the request cache (or plain image blocking) and proxy auth. The
// returned cleanup closes the page and detaches everything.
func (v *RodVisitor) openPage(ctx context.Context, sess *session.Session, p PageParams) (page *rod.Page, cleanup func(), err error) {
	rp, err := sess.Browser.NewStealthPage(v.UserAgent, v.ViewportWidth, v.ViewportHeight)
	if err != nil {
		return nil, nil, err
	}

	var cleanups []func()
	cleanup = func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		if err := rp.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", sess.ID).Msg("Page close failed")
		}
	}

	if p.Cache != nil {
		stop, err := p.Cache.Attach(rp, sess.Client())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to attach request cache: %w", err)
		}
		cleanups = append(cleanups, stop)
	} else if p.BlockImages {
		stop, err := browser.BlockImages(ctx, rp)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to enable image blocking: %w", err)
		}
		cleanups = append(cleanups, stop)
	}

	if sess.Proxy != nil {
		// Auth handling re-enables the Fetch domain, so it must come after
		// the interception above; continuePaused only when nothing else
		// owns paused requests.
		stop, err := browser.SetupProxyAuth(ctx, rp, sess.Proxy, p.Cache == nil && !p.BlockImages)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to set up proxy auth: %w", err)
		}
		cleanups = append(cleanups, stop)
	}

	return rp, cleanup, nil
}

// loadPage navigates within the timeout, waits for the load event, and
// optionally runs the scroll walk before grabbing the HTML.
func (v *RodVisitor) loadPage(ctx context.Context, page *rod.Page, pageURL string, timeout time.Duration, scroll bool) (string, error) {
	if err := security.ValidateTargetURL(pageURL, v.BlockPrivateHosts); err != nil {
		return "", err
	}

	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scoped := page.Context(loadCtx)
	if err := scoped.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigation to %s failed: %w", security.RedactURL(pageURL), err)
	}
	if err := scoped.WaitLoad(); err != nil {
		log.Debug().Err(err).Str("url", security.RedactURL(pageURL)).Msg("WaitLoad failed, continuing anyway")
	}

	if scroll {
		if err := humanize.ScrollToBottom(loadCtx, page, v.Scroll, ""); err != nil {
			log.Debug().Err(err).Str("url", security.RedactURL(pageURL)).Msg("Scroll walk stopped early")
		}
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("failed to read page HTML: %w", err)
	}
	return html, nil
}
