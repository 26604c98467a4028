package proxy

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/castnet/trawler/internal/types"
)

func testPool() *Pool {
	return NewPool([]types.Proxy{
		{ID: "dc-us-1", Type: types.ProxyTypeDatacenter, Geo: "US", URL: "http://dc1.example:8080"},
		{ID: "dc-us-2", Type: types.ProxyTypeDatacenter, Geo: "US", URL: "http://dc2.example:8080"},
		{ID: "dc-de-1", Type: types.ProxyTypeDatacenter, Geo: "DE", URL: "http://dc3.example:8080"},
		{ID: "res-us-1", Type: types.ProxyTypeResidential, Geo: "US", URL: "http://res1.example:8080"},
		{ID: "res-uk-1", Type: types.ProxyTypeResidential, Geo: "UK", URL: "http://res2.example:8080"},
	})
}

func TestPickByStrategy(t *testing.T) {
	tests := []struct {
		name     string
		req      *types.ProxyRequirement
		blocked  map[string]struct{}
		wantID   string
		wantType types.ProxyType
		wantNil  bool
		wantErr  error
	}{
		{
			name:    "nil requirement means no proxy",
			req:     nil,
			wantNil: true,
		},
		{
			name:    "strategy none means no proxy",
			req:     &types.ProxyRequirement{Strategy: types.StrategyNone},
			wantNil: true,
		},
		{
			name:     "datacenter",
			req:      &types.ProxyRequirement{Strategy: types.StrategyDatacenter},
			wantType: types.ProxyTypeDatacenter,
		},
		{
			name:     "residential stable",
			req:      &types.ProxyRequirement{Strategy: types.StrategyResidentialStable},
			wantType: types.ProxyTypeResidential,
		},
		{
			name:     "residential rotating",
			req:      &types.ProxyRequirement{Strategy: types.StrategyResidentialRotating},
			wantType: types.ProxyTypeResidential,
		},
		{
			name:     "datacenter-to-residential prefers datacenter",
			req:      &types.ProxyRequirement{Strategy: types.StrategyDatacenterToResidential},
			wantType: types.ProxyTypeDatacenter,
		},
		{
			name: "datacenter-to-residential falls back when all datacenter blocked",
			req:  &types.ProxyRequirement{Strategy: types.StrategyDatacenterToResidential, Geo: "US"},
			blocked: map[string]struct{}{
				"dc-us-1": {}, "dc-us-2": {},
			},
			wantID:   "res-us-1",
			wantType: types.ProxyTypeResidential,
		},
		{
			name:    "geo narrows candidates",
			req:     &types.ProxyRequirement{Strategy: types.StrategyDatacenter, Geo: "DE"},
			wantID:  "dc-de-1",
			wantType: types.ProxyTypeDatacenter,
		},
		{
			name:    "geo with no candidates",
			req:     &types.ProxyRequirement{Strategy: types.StrategyResidentialStable, Geo: "JP"},
			wantErr: types.ErrNoSuitableProxy,
		},
		{
			name:    "unknown strategy",
			req:     &types.ProxyRequirement{Strategy: "martian"},
			wantErr: types.ErrNoSuitableProxy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := testPool().Pick(tt.req, tt.blocked)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if p != nil {
					t.Fatalf("got proxy %s, want none", p.ID)
				}
				return
			}
			if p == nil {
				t.Fatal("got nil proxy")
			}
			if p.Type != tt.wantType {
				t.Errorf("type = %s, want %s", p.Type, tt.wantType)
			}
			if tt.wantID != "" && p.ID != tt.wantID {
				t.Errorf("id = %s, want %s", p.ID, tt.wantID)
			}
		})
	}
}

func TestPickRoundRobin(t *testing.T) {
	pool := testPool()
	req := &types.ProxyRequirement{Strategy: types.StrategyDatacenter, Geo: "US"}

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		p, err := pool.Pick(req, nil)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		seen[p.ID]++
	}

	if seen["dc-us-1"] != 2 || seen["dc-us-2"] != 2 {
		t.Errorf("picks not rotated: %v", seen)
	}
}

func TestPickBlockedSkipped(t *testing.T) {
	pool := testPool()
	req := &types.ProxyRequirement{Strategy: types.StrategyDatacenter, Geo: "US"}
	blocked := map[string]struct{}{"dc-us-1": {}}

	for i := 0; i < 3; i++ {
		p, err := pool.Pick(req, blocked)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if p.ID == "dc-us-1" {
			t.Fatal("picked a blocked proxy")
		}
	}
}

func TestPickEmptyPool(t *testing.T) {
	pool := NewPool(nil)
	_, err := pool.Pick(&types.ProxyRequirement{Strategy: types.StrategyDatacenter}, nil)
	if !errors.Is(err, types.ErrEmptyProxyPool) {
		t.Fatalf("err = %v, want ErrEmptyProxyPool", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.yaml")
	data := `proxies:
  - id: dc-1
    type: datacenter
    geo: us
    url: http://dc.example:8080
    username: user
    password: secret
  - id: res-1
    type: residential
    url: http://res.example:8080
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	pool, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if pool.Size() != 2 {
		t.Fatalf("size = %d, want 2", pool.Size())
	}

	all := pool.All()
	if all[0].Geo != "US" {
		t.Errorf("geo not normalized: %q", all[0].Geo)
	}
	if !all[0].HasCredentials() {
		t.Error("credentials lost in load")
	}
}

func TestLoadFileRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing id", "proxies:\n  - type: datacenter\n    url: http://x:1\n"},
		{"missing url", "proxies:\n  - id: a\n    type: datacenter\n"},
		{"unknown type", "proxies:\n  - id: a\n    type: orbital\n    url: http://x:1\n"},
		{"not yaml", "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "proxies.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestHTTPClient(t *testing.T) {
	p := &types.Proxy{
		ID:       "dc-1",
		Type:     types.ProxyTypeDatacenter,
		URL:      "http://dc.example:8080",
		Username: "user",
		Password: "secret",
	}
	client, err := HTTPClient(p)
	if err != nil {
		t.Fatalf("HTTPClient: %v", err)
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("transport is not *http.Transport")
	}
	req, _ := http.NewRequest(http.MethodGet, "https://shop.example/", nil)
	proxyURL, err := transport.Proxy(req)
	if err != nil {
		t.Fatalf("proxy func: %v", err)
	}
	if proxyURL == nil {
		t.Fatal("no proxy configured on transport")
	}
	if proxyURL.Host != "dc.example:8080" {
		t.Errorf("proxy host = %s", proxyURL.Host)
	}
	if user := proxyURL.User.Username(); user != "user" {
		t.Errorf("proxy user = %s", user)
	}
	if pw, _ := proxyURL.User.Password(); pw != "secret" {
		t.Errorf("proxy password = %s", pw)
	}
}

func TestHTTPClientDirect(t *testing.T) {
	client, err := HTTPClient(nil)
	if err != nil {
		t.Fatalf("HTTPClient(nil): %v", err)
	}
	if client.Transport != nil {
		t.Error("direct client should use the default transport")
	}
}

type fakeResolver struct {
	codes map[string]string
}

func (f fakeResolver) CountryCode(host string) (string, error) { return f.codes[host], nil }
func (f fakeResolver) Close() error                            { return nil }

func TestFillGeo(t *testing.T) {
	pool := NewPool([]types.Proxy{
		{ID: "a", Type: types.ProxyTypeDatacenter, URL: "http://dc1.example:8080"},
		{ID: "b", Type: types.ProxyTypeDatacenter, Geo: "DE", URL: "http://dc2.example:8080"},
		{ID: "c", Type: types.ProxyTypeResidential, URL: "http://res.example:8080"},
	})

	pool.FillGeo(fakeResolver{codes: map[string]string{
		"dc1.example": "us",
		"dc2.example": "FR",
	}})

	all := pool.All()
	if all[0].Geo != "US" {
		t.Errorf("a geo = %q, want US", all[0].Geo)
	}
	if all[1].Geo != "DE" {
		t.Errorf("existing geo overwritten: %q", all[1].Geo)
	}
	if all[2].Geo != "" {
		t.Errorf("unresolvable geo = %q, want empty", all[2].Geo)
	}
}
