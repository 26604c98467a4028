// Package distribute matches batches of target URLs to live sessions.
//
// Distribution is a pure function: no I/O, deterministic for identical
// inputs. The engine calls it up to twice per batch (once against existing
// sessions, once after topping the fleet up) and treats targets missing
// from the output as "try again next batch".
package distribute

import (
	"net/url"
	"strings"

	"github.com/castnet/trawler/internal/types"
)

// Pair assigns one target URL to one session for the current batch.
type Pair struct {
	URL       string
	SessionID string
}

// Distribute greedily matches pending targets to sessions.
//
// Guarantees on the output:
//   - each URL appears at most once
//   - each session ID appears at most once
//   - every pair satisfies sessionMatches for the URL's site config
//   - per-site pair count never exceeds the site's session limit
//
// Matching is first-fit: targets in input order, sessions in input order.
// Targets with no usable session are silently omitted.
func Distribute(targets []types.ScrapeTarget, sessions []types.SessionInfo, configs []types.SiteConfig) []Pair {
	if len(targets) == 0 || len(sessions) == 0 {
		return nil
	}

	byDomain := make(map[string]*types.SiteConfig, len(configs))
	for i := range configs {
		if _, ok := byDomain[configs[i].Domain]; !ok {
			byDomain[configs[i].Domain] = &configs[i]
		}
	}

	used := make(map[string]struct{}, len(sessions))
	perSite := make(map[string]int)

	var pairs []Pair
	for _, target := range targets {
		if target.Done {
			continue
		}

		domain := DomainOf(target.URL)
		cfg := byDomain[domain]

		// The per-site cap only exists once the site declares a config.
		if cfg != nil && perSite[domain] >= cfg.Proxy.EffectiveSessionLimit() {
			continue
		}

		for _, sess := range sessions {
			if _, taken := used[sess.ID]; taken {
				continue
			}
			if !sessionMatches(sess, cfg) {
				continue
			}
			used[sess.ID] = struct{}{}
			perSite[domain]++
			pairs = append(pairs, Pair{URL: target.URL, SessionID: sess.ID})
			break
		}
	}
	return pairs
}

// sessionMatches reports whether a session satisfies a site's constraints.
// A nil config (or nil proxy requirement) matches any session.
func sessionMatches(sess types.SessionInfo, cfg *types.SiteConfig) bool {
	if cfg == nil || cfg.Proxy == nil {
		return true
	}

	if sess.ProxyID != "" {
		if _, blocked := cfg.BlockedProxyIDs[sess.ProxyID]; blocked {
			return false
		}
	}

	req := cfg.Proxy
	if req.Geo != "" && sess.ProxyGeo != "" && !strings.EqualFold(req.Geo, sess.ProxyGeo) {
		return false
	}

	switch req.Strategy {
	case types.StrategyNone:
		return sess.ProxyType == types.ProxyTypeNone || sess.ProxyType == ""
	case types.StrategyDatacenter:
		return sess.ProxyType == types.ProxyTypeDatacenter
	case types.StrategyResidentialStable, types.StrategyResidentialRotating:
		return sess.ProxyType == types.ProxyTypeResidential
	case types.StrategyDatacenterToResidential:
		return sess.ProxyType == types.ProxyTypeDatacenter || sess.ProxyType == types.ProxyTypeResidential
	default:
		// Unknown strategies never match. Better to starve a site than to
		// hit it through the wrong egress.
		return false
	}
}

// DomainOf extracts the site key from a target URL: the hostname with a
// leading "www." stripped. Unparseable URLs yield an empty domain, which
// only ever matches the nil config.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// Unmatched returns the pending targets that did not receive a session.
// The engine uses it to size the second-pass session creation.
func Unmatched(targets []types.ScrapeTarget, pairs []Pair) []types.ScrapeTarget {
	assigned := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		assigned[p.URL] = struct{}{}
	}
	var out []types.ScrapeTarget
	for _, t := range targets {
		if t.Done {
			continue
		}
		if _, ok := assigned[t.URL]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}
