// Package proxy manages the proxy pool sessions draw from: loading pool
// definitions, picking entries per site strategy, and resolving exit geo.
package proxy

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/castnet/trawler/internal/types"
)

// poolFile is the on-disk YAML schema.
type poolFile struct {
	Proxies []types.Proxy `yaml:"proxies"`
}

// Pool is a thread-safe set of proxies with round-robin selection per
// strategy and geo.
type Pool struct {
	mu      sync.Mutex
	proxies []types.Proxy
	cursor  map[string]int
}

// NewPool builds a pool from an in-memory list.
func NewPool(proxies []types.Proxy) *Pool {
	return &Pool{
		proxies: append([]types.Proxy(nil), proxies...),
		cursor:  make(map[string]int),
	}
}

// LoadFile reads a YAML pool definition.
func LoadFile(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy pool file: %w", err)
	}

	var file poolFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse proxy pool file: %w", err)
	}

	for i := range file.Proxies {
		p := &file.Proxies[i]
		if p.ID == "" {
			return nil, fmt.Errorf("proxy at index %d has no id", i)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("proxy %s has no url", p.ID)
		}
		switch p.Type {
		case types.ProxyTypeDatacenter, types.ProxyTypeResidential:
		default:
			return nil, fmt.Errorf("proxy %s has unknown type %q", p.ID, p.Type)
		}
		p.Geo = strings.ToUpper(p.Geo)
	}

	log.Info().
		Int("proxy_count", len(file.Proxies)).
		Str("path", path).
		Msg("Loaded proxy pool")

	return NewPool(file.Proxies), nil
}

// Size returns the number of entries in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// All returns a copy of the pool entries.
func (p *Pool) All() []types.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Proxy(nil), p.proxies...)
}

// Pick selects a proxy for a new session under the given requirement.
// Strategy none returns a nil proxy. datacenter-to-residential prefers
// datacenter entries and falls back to residential once every datacenter
// candidate is blocked. Entries whose ID appears in blocked are skipped,
// and a geo requirement restricts candidates to that country code.
//
// Eligible entries are handed out round-robin so concurrent sessions for
// the same site spread across the pool.
func (p *Pool) Pick(req *types.ProxyRequirement, blocked map[string]struct{}) (*types.Proxy, error) {
	strategy := types.StrategyNone
	geo := ""
	if req != nil {
		strategy = req.Strategy
		geo = strings.ToUpper(req.Geo)
	}
	if strategy == types.StrategyNone || strategy == "" {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return nil, types.ErrEmptyProxyPool
	}

	var want []types.ProxyType
	switch strategy {
	case types.StrategyDatacenter:
		want = []types.ProxyType{types.ProxyTypeDatacenter}
	case types.StrategyResidentialStable, types.StrategyResidentialRotating:
		want = []types.ProxyType{types.ProxyTypeResidential}
	case types.StrategyDatacenterToResidential:
		want = []types.ProxyType{types.ProxyTypeDatacenter, types.ProxyTypeResidential}
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", types.ErrNoSuitableProxy, strategy)
	}

	for _, proxyType := range want {
		eligible := p.eligibleLocked(proxyType, geo, blocked)
		if len(eligible) == 0 {
			continue
		}
		key := string(strategy) + "|" + string(proxyType) + "|" + geo
		idx := p.cursor[key] % len(eligible)
		p.cursor[key]++
		chosen := eligible[idx]
		return &chosen, nil
	}

	return nil, fmt.Errorf("%w: strategy=%s geo=%s blocked=%d",
		types.ErrNoSuitableProxy, strategy, geo, len(blocked))
}

func (p *Pool) eligibleLocked(proxyType types.ProxyType, geo string, blocked map[string]struct{}) []types.Proxy {
	var out []types.Proxy
	for _, entry := range p.proxies {
		if entry.Type != proxyType {
			continue
		}
		if geo != "" && !strings.EqualFold(entry.Geo, geo) {
			continue
		}
		if _, isBlocked := blocked[entry.ID]; isBlocked {
			continue
		}
		out = append(out, entry)
	}
	return out
}
