package engine

import (
	"sync"
	"time"

	"github.com/castnet/trawler/internal/cache"
)

// Result is what one engine invocation reports back to the CLI.
type Result struct {
	SitesProcessed int               `json:"sitesProcessed"`
	TotalURLs      int               `json:"totalUrls,omitempty"`
	URLsBySite     map[string]int    `json:"urlsBySite,omitempty"`
	ItemsScraped   int               `json:"itemsScraped,omitempty"`
	ItemsBySite    map[string]int    `json:"itemsBySite,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
	CacheStats     cache.Stats       `json:"cacheStats"`
	Duration       time.Duration     `json:"duration"`

	mu sync.Mutex
}

func newResult() *Result {
	return &Result{
		URLsBySite:  make(map[string]int),
		ItemsBySite: make(map[string]int),
		Errors:      make(map[string]string),
	}
}

// Success reports whether the invocation finished without errors.
func (r *Result) Success() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Errors) == 0
}

func (r *Result) addSite() {
	r.mu.Lock()
	r.SitesProcessed++
	r.mu.Unlock()
}

func (r *Result) addError(key, msg string) {
	r.mu.Lock()
	r.Errors[key] = msg
	r.mu.Unlock()
}

func (r *Result) addURLs(domain string, n int) {
	r.mu.Lock()
	r.URLsBySite[domain] += n
	r.TotalURLs += n
	r.mu.Unlock()
}

func (r *Result) addItem(domain string) {
	r.mu.Lock()
	r.ItemsBySite[domain]++
	r.ItemsScraped++
	r.mu.Unlock()
}
