package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/castnet/trawler/internal/browser"
	"github.com/castnet/trawler/internal/extractor"
	"github.com/castnet/trawler/internal/session"
	"github.com/castnet/trawler/internal/site"
	"github.com/castnet/trawler/internal/store"
	"github.com/castnet/trawler/internal/types"
)

// fakeProvider hands out browsers with no underlying Chromium; Close on
// a zero rod handle is a no-op, so the session manager works unchanged.
type fakeProvider struct {
	counter atomic.Int64
}

func (p *fakeProvider) Spawn(_ context.Context, proxy *types.Proxy) (*browser.Browser, error) {
	return &browser.Browser{
		ID:    fmt.Sprintf("b-fake-%d", p.counter.Add(1)),
		Proxy: proxy,
	}, nil
}

// fakeVisitor serves canned pagination and item results keyed by URL.
type fakeVisitor struct {
	mu       sync.Mutex
	pages    map[string][]string // start page -> collected URLs
	items    map[string]*types.ItemRecord
	failures map[string]error // URL -> error returned instead
	failOnce map[string]int   // URL -> remaining failures before success
	calls    map[string]int
}

func newFakeVisitor() *fakeVisitor {
	return &fakeVisitor{
		pages:    make(map[string][]string),
		items:    make(map[string]*types.ItemRecord),
		failures: make(map[string]error),
		failOnce: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (v *fakeVisitor) visit(url string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[url]++
	if n, ok := v.failOnce[url]; ok && n > 0 {
		v.failOnce[url] = n - 1
		return errors.New("connection reset by peer")
	}
	if err, ok := v.failures[url]; ok {
		return err
	}
	return nil
}

func (v *fakeVisitor) Paginate(_ context.Context, _ *session.Session, startURL string, _ *extractor.Definition, _ PageParams) ([]string, error) {
	if err := v.visit(startURL); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pages[startURL], nil
}

func (v *fakeVisitor) ScrapeItem(_ context.Context, _ *session.Session, itemURL string, _ *extractor.Definition, _ PageParams) (*types.ItemRecord, error) {
	if err := v.visit(itemURL); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.items[itemURL]
	if !ok {
		return nil, fmt.Errorf("%w: no record for %s", types.ErrNoItemRecord, itemURL)
	}
	cp := *rec
	return &cp, nil
}

func (v *fakeVisitor) callCount(url string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[url]
}

// fakeExtractors resolves every ID to one shared definition unless the
// ID is marked missing.
type fakeExtractors struct {
	missing map[string]bool
}

func (f *fakeExtractors) Get(id string) (*extractor.Definition, error) {
	if f.missing[id] {
		return nil, types.NewExtractorNotFoundError(id)
	}
	return &extractor.Definition{
		ID:       id,
		ItemURLs: extractor.ItemURLRule{Selector: "a.item"},
	}, nil
}

// memStore is an in-memory store.Store for engine tests.
type memStore struct {
	mu    sync.Mutex
	sites []types.SiteConfig
	runs  []types.ScrapeRun
	items []types.ItemRecord
}

func (s *memStore) CreateRun(_ context.Context, domain string, urls []string) (*types.ScrapeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]types.ScrapeTarget, len(urls))
	for i, u := range urls {
		items[i] = types.ScrapeTarget{URL: u}
	}
	run := types.ScrapeRun{
		ID:        fmt.Sprintf("run-%d", len(s.runs)+1),
		Domain:    domain,
		CreatedAt: time.Now(),
		Status:    types.RunStatusPending,
		Items:     items,
	}
	s.runs = append([]types.ScrapeRun{run}, s.runs...)
	return &run, nil
}

func (s *memStore) FetchRun(_ context.Context, runID string) (*types.ScrapeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == runID {
			cp := s.runs[i]
			return &cp, nil
		}
	}
	return nil, types.ErrRunNotFound
}

func (s *memStore) ListRuns(_ context.Context, q store.RunQuery) ([]types.ScrapeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ScrapeRun
	for _, r := range s.runs {
		if q.Domain != "" && r.Domain != q.Domain {
			continue
		}
		if !q.Since.IsZero() && !r.CreatedAt.After(q.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) UpdateRunItem(_ context.Context, runID, url string, patch types.TargetPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID != runID {
			continue
		}
		for j := range s.runs[i].Items {
			if s.runs[i].Items[j].URL != url {
				continue
			}
			if patch.Done != nil {
				s.runs[i].Items[j].Done = *patch.Done
			}
			if patch.Failed != nil {
				s.runs[i].Items[j].Failed = *patch.Failed
			}
			if patch.Invalid != nil {
				s.runs[i].Items[j].Invalid = *patch.Invalid
			}
			return nil
		}
	}
	return types.ErrRunNotFound
}

func (s *memStore) FinalizeRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == runID {
			s.runs[i].Status = types.RunStatusCompleted
			return nil
		}
	}
	return types.ErrRunNotFound
}

func (s *memStore) AddItems(_ context.Context, items []types.ItemRecord) (*store.AddItemsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &store.AddItemsResult{Failed: map[string]string{}}
	for _, it := range items {
		s.items = append(s.items, it)
		res.Successful = append(res.Successful, it.SourceURL)
	}
	return res, nil
}

func (s *memStore) GetSites(_ context.Context) ([]types.SiteConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SiteConfig(nil), s.sites...), nil
}

func (s *memStore) GetSite(_ context.Context, domain string) (*types.SiteConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sites {
		if s.sites[i].Domain == domain {
			cp := s.sites[i]
			return &cp, nil
		}
	}
	return nil, types.ErrSiteNotFound
}

func (s *memStore) Close() error { return nil }

var _ store.Store = (*memStore)(nil)

func newDeps(st *memStore, visitor Visitor, extractors ExtractorSource) Deps {
	return Deps{
		Sessions:   session.NewManager(&fakeProvider{}, nil, 5),
		Sites:      site.NewManager(st),
		Store:      st,
		Extractors: extractors,
		Visitor:    visitor,
		Inflight:   NewInflight(),
	}
}

func TestPaginateRunCommitsRun(t *testing.T) {
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{"https://shop.example/a", "https://shop.example/b"},
		ExtractorID: "shop",
		Proxy:       &types.ProxyRequirement{SessionLimit: 2},
	}}}
	visitor := newFakeVisitor()
	visitor.pages["https://shop.example/a"] = []string{"https://shop.example/i1", "https://shop.example/i2"}
	visitor.pages["https://shop.example/b"] = []string{"https://shop.example/i2", "https://shop.example/i3"}

	deps := newDeps(st, visitor, &fakeExtractors{})
	defer deps.Sessions.Close()

	res, err := NewPaginateEngine(deps).Run(context.Background(), DefaultPaginateOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Success() {
		t.Fatalf("run reported errors: %v", res.Errors)
	}
	if res.SitesProcessed != 1 {
		t.Errorf("SitesProcessed = %d, want 1", res.SitesProcessed)
	}

	if len(st.runs) != 1 {
		t.Fatalf("store has %d runs, want 1", len(st.runs))
	}
	run := st.runs[0]
	want := []string{"https://shop.example/i1", "https://shop.example/i2", "https://shop.example/i3"}
	if len(run.Items) != len(want) {
		t.Fatalf("run has %d items, want %d", len(run.Items), len(want))
	}
	for i, w := range want {
		if run.Items[i].URL != w {
			t.Errorf("item %d = %q, want %q", i, run.Items[i].URL, w)
		}
	}

	if n := deps.Sessions.Count(); n != 0 {
		t.Errorf("%d sessions still alive after run", n)
	}
}

func TestPaginateEmptyStartPageAbortsDomain(t *testing.T) {
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{"https://shop.example/a", "https://shop.example/b"},
		ExtractorID: "shop",
		Proxy:       &types.ProxyRequirement{SessionLimit: 2},
	}}}
	visitor := newFakeVisitor()
	visitor.pages["https://shop.example/a"] = []string{"https://shop.example/i1"}
	// /b completes with zero URLs.

	deps := newDeps(st, visitor, &fakeExtractors{})
	defer deps.Sessions.Close()

	res, err := NewPaginateEngine(deps).Run(context.Background(), DefaultPaginateOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Success() {
		t.Fatal("run succeeded despite an empty pagination")
	}
	if msg := res.Errors["shop.example"]; !strings.Contains(msg, "zero urls") {
		t.Errorf("domain error = %q, want empty-pagination abort", msg)
	}
	if len(st.runs) != 0 {
		t.Errorf("store has %d runs, want none", len(st.runs))
	}
}

func TestPaginateRetriesNetworkFailures(t *testing.T) {
	start := "https://shop.example/a"
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{start},
		ExtractorID: "shop",
	}}}
	visitor := newFakeVisitor()
	visitor.pages[start] = []string{"https://shop.example/i1"}
	visitor.failOnce[start] = 1

	deps := newDeps(st, visitor, &fakeExtractors{})
	defer deps.Sessions.Close()

	res, err := NewPaginateEngine(deps).Run(context.Background(), DefaultPaginateOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Success() {
		t.Fatalf("run reported errors: %v", res.Errors)
	}
	if got := visitor.callCount(start); got != 2 {
		t.Errorf("visitor called %d times, want 2 (one failure, one retry)", got)
	}
	if len(st.runs) != 1 {
		t.Errorf("store has %d runs, want 1", len(st.runs))
	}
}

func TestPaginateTerminalFailureAbandonsDomain(t *testing.T) {
	start := "https://shop.example/a"
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{start},
		ExtractorID: "shop",
	}}}
	visitor := newFakeVisitor()
	visitor.failures[start] = errors.New("document structure made no sense")

	deps := newDeps(st, visitor, &fakeExtractors{})
	defer deps.Sessions.Close()

	opts := DefaultPaginateOptions()
	opts.MaxRetries = 0
	res, err := NewPaginateEngine(deps).Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Success() {
		t.Fatal("run succeeded despite a terminal failure")
	}
	if _, ok := res.Errors[start]; !ok {
		t.Errorf("no error recorded for %s: %v", start, res.Errors)
	}
	if len(st.runs) != 0 {
		t.Errorf("store has %d runs, want none", len(st.runs))
	}
	if got := visitor.callCount(start); got != 1 {
		t.Errorf("terminal failure retried: %d calls", got)
	}
}

func TestPaginateMissingExtractorAborts(t *testing.T) {
	start := "https://shop.example/a"
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{start},
		ExtractorID: "ghost",
	}}}
	visitor := newFakeVisitor()

	deps := newDeps(st, visitor, &fakeExtractors{missing: map[string]bool{"ghost": true}})
	defer deps.Sessions.Close()

	res, err := NewPaginateEngine(deps).Run(context.Background(), DefaultPaginateOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Success() {
		t.Fatal("run succeeded without an extractor")
	}
	if got := visitor.callCount(start); got != 0 {
		t.Errorf("visitor invoked %d times without an extractor", got)
	}
	if len(st.runs) != 0 {
		t.Errorf("store has %d runs, want none", len(st.runs))
	}
}

func TestPaginateNoSaveSkipsCommit(t *testing.T) {
	start := "https://shop.example/a"
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{start},
		ExtractorID: "shop",
	}}}
	visitor := newFakeVisitor()
	visitor.pages[start] = []string{"https://shop.example/i1", "https://shop.example/i2"}

	deps := newDeps(st, visitor, &fakeExtractors{})
	defer deps.Sessions.Close()

	opts := DefaultPaginateOptions()
	opts.NoSave = true
	res, err := NewPaginateEngine(deps).Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Success() {
		t.Fatalf("run reported errors: %v", res.Errors)
	}
	if res.TotalURLs != 2 {
		t.Errorf("TotalURLs = %d, want 2", res.TotalURLs)
	}
	if len(st.runs) != 0 {
		t.Errorf("noSave committed %d runs", len(st.runs))
	}
}

func TestPaginateSinceSkipsRecentlyRunSites(t *testing.T) {
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{"https://shop.example/a"},
		ExtractorID: "shop",
	}}}
	if _, err := st.CreateRun(context.Background(), "shop.example", []string{"https://shop.example/i1"}); err != nil {
		t.Fatal(err)
	}
	visitor := newFakeVisitor()

	deps := newDeps(st, visitor, &fakeExtractors{})
	defer deps.Sessions.Close()

	opts := DefaultPaginateOptions()
	opts.Since = time.Now().Add(-time.Hour)
	res, err := NewPaginateEngine(deps).Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SitesProcessed != 0 {
		t.Errorf("SitesProcessed = %d, want 0 (site has a recent run)", res.SitesProcessed)
	}

	// Force overrides the cutoff.
	visitor.pages["https://shop.example/a"] = []string{"https://shop.example/i2"}
	opts.Force = true
	res, err = NewPaginateEngine(deps).Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if res.SitesProcessed != 1 {
		t.Errorf("forced SitesProcessed = %d, want 1", res.SitesProcessed)
	}
}

func TestScrapeRunUploadsAndFinalizes(t *testing.T) {
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{"https://shop.example/a"},
		ExtractorID: "shop",
		Proxy:       &types.ProxyRequirement{SessionLimit: 2},
	}}}
	run, err := st.CreateRun(context.Background(), "shop.example",
		[]string{"https://shop.example/i1", "https://shop.example/i2"})
	if err != nil {
		t.Fatal(err)
	}

	visitor := newFakeVisitor()
	visitor.items["https://shop.example/i1"] = &types.ItemRecord{Title: "Widget", Price: "9.99"}
	visitor.items["https://shop.example/i2"] = &types.ItemRecord{Title: "Gadget", Price: "19.99"}

	deps := newDeps(st, visitor, &fakeExtractors{})
	defer deps.Sessions.Close()

	res, err := NewScrapeEngine(deps).Run(context.Background(), DefaultScrapeOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.Success() {
		t.Fatalf("run reported errors: %v", res.Errors)
	}
	if res.ItemsScraped != 2 {
		t.Errorf("ItemsScraped = %d, want 2", res.ItemsScraped)
	}
	if len(st.items) != 2 {
		t.Fatalf("store has %d items, want 2", len(st.items))
	}
	for _, it := range st.items {
		if it.Domain != "shop.example" {
			t.Errorf("item %s has domain %q", it.SourceURL, it.Domain)
		}
	}

	stored, err := st.FetchRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != types.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", stored.Status)
	}
	for _, item := range stored.Items {
		if !item.Done {
			t.Errorf("item %s not marked done", item.URL)
		}
	}
}

func TestScrapeInvalidItemIsTerminal(t *testing.T) {
	st := &memStore{sites: []types.SiteConfig{{
		Domain:      "shop.example",
		StartPages:  []string{"https://shop.example/a"},
		ExtractorID: "shop",
	}}}
	run, err := st.CreateRun(context.Background(), "shop.example", []string{"https://shop.example/i1"})
	if err != nil {
		t.Fatal(err)
	}
	visitor := newFakeVisitor()
	// No record registered: the visitor reports ErrNoItemRecord, which
	// classifies as a terminal failure.

	deps := newDeps(st, visitor, &fakeExtractors{})
	defer deps.Sessions.Close()

	res, err := NewScrapeEngine(deps).Run(context.Background(), DefaultScrapeOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Success() {
		t.Fatal("run succeeded despite an invalid item")
	}
	if got := visitor.callCount("https://shop.example/i1"); got != 1 {
		t.Errorf("terminal item retried: %d calls", got)
	}

	stored, err := st.FetchRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Items[0].Invalid {
		t.Error("item not marked invalid")
	}
	if stored.Status != types.RunStatusCompleted {
		t.Errorf("run status = %s, want completed (no pending items left)", stored.Status)
	}
}

func TestInflightSet(t *testing.T) {
	f := NewInflight()
	if !f.TryAcquire("u") {
		t.Fatal("fresh URL not acquirable")
	}
	if f.TryAcquire("u") {
		t.Fatal("URL acquired twice")
	}
	f.Release("u")
	if !f.TryAcquire("u") {
		t.Fatal("released URL not acquirable")
	}
}
