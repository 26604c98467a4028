package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/castnet/trawler/internal/types"
)

// HTTPClient builds a client that routes through the given proxy with
// credentials embedded, for Go-side fetches that must share the
// session's exit IP. A nil proxy yields a direct client.
func HTTPClient(p *types.Proxy) (*http.Client, error) {
	if p == nil || p.URL == "" {
		return &http.Client{Timeout: 30 * time.Second}, nil
	}

	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy url: %w", err)
	}
	if p.HasCredentials() {
		u.User = url.UserPassword(p.Username, p.Password)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyURL(u),
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}, nil
}
