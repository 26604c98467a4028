//go:build integration

// Package integration exercises the full pipeline against the local
// sqlite store: paginate commits a run, scrape drains it into item
// records. Page visits are faked so no browser is needed; everything
// else (store, site manager, session manager, extractor registry,
// engines) is real.
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/castnet/trawler/internal/browser"
	"github.com/castnet/trawler/internal/engine"
	"github.com/castnet/trawler/internal/extractor"
	"github.com/castnet/trawler/internal/session"
	"github.com/castnet/trawler/internal/site"
	"github.com/castnet/trawler/internal/store"
	"github.com/castnet/trawler/internal/types"
)

const sitesYAML = `sites:
  - domain: shop.example
    startPages:
      - https://shop.example/list
    extractorId: shop
    proxy:
      strategy: none
      sessionLimit: 2
`

const shopExtractor = `id: shop
itemUrls:
  selector: a.product
item:
  title:
    selector: h1.title
  price:
    selector: span.price
`

type fakeProvider struct {
	counter atomic.Int64
}

func (p *fakeProvider) Spawn(_ context.Context, proxy *types.Proxy) (*browser.Browser, error) {
	return &browser.Browser{ID: fmt.Sprintf("b-it-%d", p.counter.Add(1)), Proxy: proxy}, nil
}

// fakeVisitor answers pagination and item visits from fixtures instead
// of driving a browser.
type fakeVisitor struct {
	mu    sync.Mutex
	pages map[string][]string
	items map[string]*types.ItemRecord
}

func (v *fakeVisitor) Paginate(_ context.Context, _ *session.Session, startURL string, _ *extractor.Definition, _ engine.PageParams) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pages[startURL], nil
}

func (v *fakeVisitor) ScrapeItem(_ context.Context, _ *session.Session, itemURL string, _ *extractor.Definition, _ engine.PageParams) (*types.ItemRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.items[itemURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoItemRecord, itemURL)
	}
	cp := *rec
	return &cp, nil
}

func writeFixtures(t *testing.T) (sitesPath, extractorDir string) {
	t.Helper()
	dir := t.TempDir()

	sitesPath = filepath.Join(dir, "sites.yaml")
	if err := os.WriteFile(sitesPath, []byte(sitesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	extractorDir = filepath.Join(dir, "extractors")
	if err := os.Mkdir(extractorDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(extractorDir, "shop.yaml"), []byte(shopExtractor), 0o644); err != nil {
		t.Fatal(err)
	}
	return sitesPath, extractorDir
}

func TestPipelineEndToEnd(t *testing.T) {
	sitesPath, extractorDir := writeFixtures(t)

	st, err := store.OpenSQLiteMemory(sitesPath)
	if err != nil {
		t.Fatalf("OpenSQLiteMemory: %v", err)
	}
	defer st.Close()

	registry, err := extractor.NewRegistry(extractorDir, false)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer registry.Close()

	visitor := &fakeVisitor{
		pages: map[string][]string{
			"https://shop.example/list": {
				"https://shop.example/p/1",
				"https://shop.example/p/2",
			},
		},
		items: map[string]*types.ItemRecord{
			"https://shop.example/p/1": {Title: "Widget", Price: "9.99", Currency: "EUR"},
			"https://shop.example/p/2": {Title: "Gadget", Price: "19.99", Currency: "EUR"},
		},
	}

	sessions := session.NewManager(&fakeProvider{}, nil, 5)
	defer sessions.Close()

	deps := engine.Deps{
		Sessions:   sessions,
		Sites:      site.NewManager(st),
		Store:      st,
		Extractors: registry,
		Visitor:    visitor,
		Inflight:   engine.NewInflight(),
	}

	ctx := context.Background()

	pagRes, err := engine.NewPaginateEngine(deps).Run(ctx, engine.DefaultPaginateOptions())
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if !pagRes.Success() {
		t.Fatalf("paginate errors: %v", pagRes.Errors)
	}
	if pagRes.TotalURLs != 2 {
		t.Fatalf("TotalURLs = %d, want 2", pagRes.TotalURLs)
	}

	runs, err := st.ListRuns(ctx, store.RunQuery{Domain: "shop.example"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("store has %d runs, want 1", len(runs))
	}
	if runs[0].Status != types.RunStatusPending {
		t.Fatalf("fresh run status = %s, want pending", runs[0].Status)
	}
	if len(runs[0].Items) != 2 {
		t.Fatalf("run has %d items, want 2", len(runs[0].Items))
	}

	scrRes, err := engine.NewScrapeEngine(deps).Run(ctx, engine.DefaultScrapeOptions())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if !scrRes.Success() {
		t.Fatalf("scrape errors: %v", scrRes.Errors)
	}
	if scrRes.ItemsScraped != 2 {
		t.Fatalf("ItemsScraped = %d, want 2", scrRes.ItemsScraped)
	}

	final, err := st.FetchRun(ctx, runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != types.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", final.Status)
	}
	for _, item := range final.Items {
		if !item.Done {
			t.Errorf("item %s not marked done", item.URL)
		}
	}
}
