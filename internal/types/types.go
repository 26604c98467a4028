// Package types provides shared model types and errors for the scraping fleet.
package types

import (
	"time"
)

// ProxyStrategy declares how a site wants its sessions proxied.
type ProxyStrategy string

// Known proxy strategies. Unknown values never match any session.
const (
	StrategyNone                    ProxyStrategy = "none"
	StrategyDatacenter              ProxyStrategy = "datacenter"
	StrategyResidentialStable       ProxyStrategy = "residential-stable"
	StrategyResidentialRotating     ProxyStrategy = "residential-rotating"
	StrategyDatacenterToResidential ProxyStrategy = "datacenter-to-residential"
)

// ProxyType is the kind of proxy a concrete pool entry or session uses.
type ProxyType string

const (
	ProxyTypeNone        ProxyType = "none"
	ProxyTypeDatacenter  ProxyType = "datacenter"
	ProxyTypeResidential ProxyType = "residential"
)

// ProxyRequirement is a site's declared proxy policy.
type ProxyRequirement struct {
	Strategy         ProxyStrategy `json:"strategy" yaml:"strategy"`
	Geo              string        `json:"geo,omitempty" yaml:"geo,omitempty"` // ISO-2 country code
	SessionLimit     int           `json:"sessionLimit,omitempty" yaml:"sessionLimit,omitempty"`
	CooldownMinutes  int           `json:"cooldownMinutes,omitempty" yaml:"cooldownMinutes,omitempty"`
	FailureThreshold int           `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`
}

// Default knobs applied when a site leaves requirement fields unset.
const (
	DefaultSessionLimit    = 1
	DefaultCooldownMinutes = 30
)

// EffectiveSessionLimit returns the per-site session cap, defaulting to 1
// when the requirement or the field is absent.
func (r *ProxyRequirement) EffectiveSessionLimit() int {
	if r == nil || r.SessionLimit < 1 {
		return DefaultSessionLimit
	}
	return r.SessionLimit
}

// EffectiveCooldown returns the blocklist cooldown window.
func (r *ProxyRequirement) EffectiveCooldown() time.Duration {
	if r == nil || r.CooldownMinutes < 1 {
		return DefaultCooldownMinutes * time.Minute
	}
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// SiteConfig is the per-site scraping configuration. Immutable during a run.
type SiteConfig struct {
	Domain      string            `json:"domain" yaml:"domain"`
	StartPages  []string          `json:"startPages" yaml:"startPages"`
	Proxy       *ProxyRequirement `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	ExtractorID string            `json:"extractorId" yaml:"extractorId"`

	// BlockedProxyIDs is a runtime augmentation added by the site manager
	// before distribution. It is never persisted.
	BlockedProxyIDs map[string]struct{} `json:"-" yaml:"-"`
}

// Proxy is a concrete proxy pool entry.
type Proxy struct {
	ID       string    `json:"id" yaml:"id"`
	Type     ProxyType `json:"type" yaml:"type"`
	Geo      string    `json:"geo,omitempty" yaml:"geo,omitempty"`
	URL      string    `json:"url" yaml:"url"`
	Username string    `json:"username,omitempty" yaml:"username,omitempty"`
	Password string    `json:"password,omitempty" yaml:"password,omitempty"`
}

// HasCredentials reports whether the proxy needs authentication.
func (p *Proxy) HasCredentials() bool {
	return p != nil && p.Username != ""
}

// SessionInfo is the distributor's view of a live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	ProxyType ProxyType `json:"proxyType,omitempty"`
	ProxyID   string    `json:"proxyId,omitempty"`
	ProxyGeo  string    `json:"proxyGeo,omitempty"`
}

// ScrapeTarget is one unit of work: a URL plus its terminal flags.
// done is terminal success, invalid is terminal non-retryable, failed
// counts retryable failures. Pending means no terminal flag is set.
type ScrapeTarget struct {
	URL     string `json:"url"`
	Done    bool   `json:"done,omitempty"`
	Failed  int    `json:"failed,omitempty"`
	Invalid bool   `json:"invalid,omitempty"`
}

// Pending reports whether the target still needs work.
func (t ScrapeTarget) Pending() bool {
	return !t.Done && !t.Invalid
}

// TargetPatch is a partial update applied to a run item. Nil fields are
// left untouched.
type TargetPatch struct {
	Done    *bool `json:"done,omitempty"`
	Failed  *int  `json:"failed,omitempty"`
	Invalid *bool `json:"invalid,omitempty"`
}

// RunStatus is the lifecycle state of a ScrapeRun in the external store.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
)

// ScrapeRun is a durable pagination result: the URL set of one committed
// pagination and the per-item progress of scrape-item against it.
type ScrapeRun struct {
	ID        string         `json:"id"`
	Domain    string         `json:"domain"`
	CreatedAt time.Time      `json:"createdAt"`
	Status    RunStatus      `json:"status"`
	Items     []ScrapeTarget `json:"items"`
}

// PendingItems returns the items that still need scraping. When
// includeFailed is false, items with a failure count are skipped too.
func (r *ScrapeRun) PendingItems(includeFailed bool) []ScrapeTarget {
	var out []ScrapeTarget
	for _, it := range r.Items {
		if !it.Pending() {
			continue
		}
		if !includeFailed && it.Failed > 0 {
			continue
		}
		out = append(out, it)
	}
	return out
}

// ItemRecord is a structured product record extracted from an item page.
type ItemRecord struct {
	SourceURL  string            `json:"sourceUrl"`
	Domain     string            `json:"domain,omitempty"`
	Title      string            `json:"title,omitempty"`
	Brand      string            `json:"brand,omitempty"`
	Price      string            `json:"price,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Available  bool              `json:"available,omitempty"`
	ImageURLs  []string          `json:"imageUrls,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ScrapedAt  time.Time         `json:"scrapedAt,omitempty"`
}

// BlockEntry is one per-site blocklist record for a datacenter proxy.
type BlockEntry struct {
	ProxyID      string
	FailedAt     time.Time
	FailureCount int
	LastError    string
}

// Expired reports whether the entry's cooldown window has passed.
func (b *BlockEntry) Expired(cooldown time.Duration, now time.Time) bool {
	return now.After(b.FailedAt.Add(cooldown))
}
