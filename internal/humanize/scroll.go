package humanize

import (
	"context"
	"math/rand"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
)

// ScrollConfig controls the lazy-load scroll walk.
type ScrollConfig struct {
	// MinStepPx and MaxStepPx bound each scroll increment.
	MinStepPx int
	MaxStepPx int
	// MinStepDelayMs and MaxStepDelayMs bound the pause between steps.
	MinStepDelayMs int
	MaxStepDelayMs int
	// SettleDelayMs is how long to wait at the bottom for late content
	// before re-measuring the page height.
	SettleDelayMs int
	// MaxRounds caps how often a growing page is chased to its new
	// bottom. Infinite-scroll listings are cut off here.
	MaxRounds int
}

// DefaultScrollConfig returns the defaults used for listing pages.
func DefaultScrollConfig() ScrollConfig {
	return ScrollConfig{
		MinStepPx:      400,
		MaxStepPx:      900,
		MinStepDelayMs: 40,
		MaxStepDelayMs: 120,
		SettleDelayMs:  350,
		MaxRounds:      8,
	}
}

// pageMetrics is the JS-side measurement of scroll position and page size.
type pageMetrics struct {
	ScrollY   float64
	Height    float64
	Viewport  float64
	ItemCount int
}

// ScrollToBottom walks the page to its bottom in randomized increments,
// waiting between steps so lazy-loaded grids have time to fill in. When
// the page grows while scrolling (infinite scroll), the walk continues
// into the new content up to MaxRounds times. itemSelector, when set, is
// counted before and after so the caller can log how much the walk
// surfaced; pass "" to skip counting.
func ScrollToBottom(ctx context.Context, page *rod.Page, cfg ScrollConfig, itemSelector string) error {
	before, err := measure(page, itemSelector)
	if err != nil {
		return err
	}

	rounds := 0
	current := before
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		for current.ScrollY+current.Viewport < current.Height-1 {
			step := float64(randomStep(cfg))
			if _, err := page.Eval(`(dy) => window.scrollBy(0, dy)`, step); err != nil {
				return err
			}
			if !SleepWithContext(ctx, RandomDuration(cfg.MinStepDelayMs, cfg.MaxStepDelayMs)) {
				return ctx.Err()
			}
			current, err = measure(page, itemSelector)
			if err != nil {
				return err
			}
		}

		// Let trailing XHRs land, then check whether the bottom moved.
		if !SleepWithContext(ctx, RandomDuration(cfg.SettleDelayMs, cfg.SettleDelayMs*2)) {
			return ctx.Err()
		}
		settled, err := measure(page, itemSelector)
		if err != nil {
			return err
		}

		rounds++
		if settled.Height <= current.Height+1 || rounds >= cfg.MaxRounds {
			if itemSelector != "" && settled.ItemCount > before.ItemCount {
				log.Debug().
					Int("items_before", before.ItemCount).
					Int("items_after", settled.ItemCount).
					Int("rounds", rounds).
					Msg("Lazy-load scroll surfaced items")
			}
			return nil
		}
		current = settled
	}
}

// measure reads scroll position, page height, viewport height and the
// item count in one Eval round trip.
func measure(page *rod.Page, itemSelector string) (pageMetrics, error) {
	res, err := page.Eval(`(sel) => ({
		y: window.scrollY,
		h: Math.max(document.body.scrollHeight, document.documentElement.scrollHeight),
		v: window.innerHeight,
		n: sel ? document.querySelectorAll(sel).length : 0,
	})`, itemSelector)
	if err != nil {
		return pageMetrics{}, err
	}
	return decodeMetrics(res.Value), nil
}

// decodeMetrics pulls the measurement out of the raw Eval value.
func decodeMetrics(v gson.JSON) pageMetrics {
	return pageMetrics{
		ScrollY:   v.Get("y").Num(),
		Height:    v.Get("h").Num(),
		Viewport:  v.Get("v").Num(),
		ItemCount: v.Get("n").Int(),
	}
}

func randomStep(cfg ScrollConfig) int {
	if cfg.MaxStepPx <= cfg.MinStepPx {
		return cfg.MinStepPx
	}
	return cfg.MinStepPx + rand.Intn(cfg.MaxStepPx-cfg.MinStepPx+1)
}
