package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/metrics"
	"github.com/castnet/trawler/internal/types"
)

// HTTPStore talks to the production ETL API over JSON/HTTP. Every
// request carries the API key; non-2xx responses surface as StoreError
// so callers can log the operation and status.
type HTTPStore struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPStore creates a client for the given endpoint. timeout bounds
// each request; 0 selects 30s.
func NewHTTPStore(endpoint, apiKey string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// CreateRun persists a committed pagination.
func (s *HTTPStore) CreateRun(ctx context.Context, domain string, urls []string) (*types.ScrapeRun, error) {
	body := map[string]interface{}{"domain": domain, "urls": urls}
	var run types.ScrapeRun
	if err := s.do(ctx, "createRun", http.MethodPost, "/runs", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// FetchRun returns one run by ID.
func (s *HTTPStore) FetchRun(ctx context.Context, runID string) (*types.ScrapeRun, error) {
	var run types.ScrapeRun
	if err := s.do(ctx, "fetchRun", http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs matching the query, newest first.
func (s *HTTPStore) ListRuns(ctx context.Context, q RunQuery) ([]types.ScrapeRun, error) {
	params := url.Values{}
	if q.Domain != "" {
		params.Set("domain", q.Domain)
	}
	if q.Status != "" {
		params.Set("status", string(q.Status))
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	path := "/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var runs []types.ScrapeRun
	if err := s.do(ctx, "listRuns", http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRunItem patches one item of a run.
func (s *HTTPStore) UpdateRunItem(ctx context.Context, runID, itemURL string, patch types.TargetPatch) error {
	body := map[string]interface{}{"url": itemURL, "changes": patch}
	return s.do(ctx, "updateRunItem", http.MethodPatch, "/runs/"+url.PathEscape(runID)+"/items", body, nil)
}

// FinalizeRun marks a run completed.
func (s *HTTPStore) FinalizeRun(ctx context.Context, runID string) error {
	return s.do(ctx, "finalizeRun", http.MethodPost, "/runs/"+url.PathEscape(runID)+"/finalize", nil, nil)
}

// AddItems uploads a batch of product records.
func (s *HTTPStore) AddItems(ctx context.Context, items []types.ItemRecord) (*AddItemsResult, error) {
	body := map[string]interface{}{"items": items}
	var result AddItemsResult
	if err := s.do(ctx, "addItems", http.MethodPost, "/items", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSites returns every site configuration.
func (s *HTTPStore) GetSites(ctx context.Context) ([]types.SiteConfig, error) {
	var sites []types.SiteConfig
	if err := s.do(ctx, "getSites", http.MethodGet, "/sites", nil, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// GetSite returns one site configuration.
func (s *HTTPStore) GetSite(ctx context.Context, domain string) (*types.SiteConfig, error) {
	var site types.SiteConfig
	if err := s.do(ctx, "getSite", http.MethodGet, "/sites/"+url.PathEscape(domain), nil, &site); err != nil {
		return nil, err
	}
	return &site, nil
}

// Close is a no-op; the HTTP client holds no resources worth freeing.
func (s *HTTPStore) Close() error { return nil }

// do runs one JSON round trip. A nil out discards the response body.
func (s *HTTPStore) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.NewStoreError(op, 0, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return types.NewStoreError(op, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	metrics.RecordStoreRequest(op, err)
	if err != nil {
		return types.NewStoreError(op, 0, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.NewStoreError(op, resp.StatusCode, types.ErrRunNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("body", string(snippet)).
			Msg("Store request failed")
		return types.NewStoreError(op, resp.StatusCode,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewStoreError(op, resp.StatusCode, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

var _ Store = (*HTTPStore)(nil)
