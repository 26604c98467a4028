package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog/log"
)

// GeoResolver maps a proxy endpoint to an ISO-2 country code. It exists
// as an interface so the pool can be geo-tagged in tests without a
// database file.
type GeoResolver interface {
	CountryCode(host string) (string, error)
	Close() error
}

// MaxMindResolver resolves countries from a local MaxMind database.
type MaxMindResolver struct {
	db *maxminddb.Reader
}

// OpenMaxMind opens a GeoLite2/GeoIP2 country database.
func OpenMaxMind(path string) (*MaxMindResolver, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

// CountryCode looks up the host's country. Hostnames are resolved to
// their first address before the lookup.
func (r *MaxMindResolver) CountryCode(host string) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil {
			return "", fmt.Errorf("failed to resolve proxy host %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("proxy host %s resolved to no addresses", host)
		}
		ip = addrs[0]
	}

	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := r.db.Lookup(ip, &record); err != nil {
		return "", fmt.Errorf("geoip lookup failed for %s: %w", ip, err)
	}
	return record.Country.ISOCode, nil
}

// Close releases the database.
func (r *MaxMindResolver) Close() error {
	return r.db.Close()
}

// FillGeo tags pool entries that have no geo with the country of their
// endpoint. Lookup failures leave the entry untagged.
func (p *Pool) FillGeo(resolver GeoResolver) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tagged := 0
	for i := range p.proxies {
		entry := &p.proxies[i]
		if entry.Geo != "" {
			continue
		}
		u, err := url.Parse(entry.URL)
		if err != nil {
			log.Debug().Err(err).Str("proxy_id", entry.ID).Msg("Skipping geo fill for unparseable proxy URL")
			continue
		}
		code, err := resolver.CountryCode(u.Hostname())
		if err != nil {
			log.Debug().Err(err).Str("proxy_id", entry.ID).Msg("Geo lookup failed")
			continue
		}
		if code == "" {
			continue
		}
		entry.Geo = strings.ToUpper(code)
		tagged++
	}

	if tagged > 0 {
		log.Info().Int("tagged", tagged).Msg("Filled proxy geo tags from GeoIP database")
	}
}
