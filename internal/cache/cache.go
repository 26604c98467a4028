// Package cache implements the shared request cache interposed on every
// browser network request across all sessions of one engine invocation.
//
// The cache amortizes identical sub-resource fetches across concurrent
// page loads. Policy: GET only, 2xx only, never requests carrying
// Authorization or Cookie headers. Entries expire ttl after insertion
// (checked lazily on read) and the oldest-inserted entries are evicted
// while the byte budget is exceeded.
package cache

import (
	"container/list"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	SizeBytes       int64 `json:"sizeBytes"`
	ItemCount       int64 `json:"itemCount"`
	BytesSaved      int64 `json:"bytesSaved"`
	BytesDownloaded int64 `json:"bytesDownloaded"`
}

// Entry is one cached response.
type Entry struct {
	Body   []byte
	Header http.Header
	Status int

	insertedAt time.Time
	key        string
}

// Size returns the accounted size of the entry in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// RequestCache is a mutex-guarded insertion-ordered cache shared by many
// concurrent request handlers.
type RequestCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest inserted
	size    int64

	maxBytes    int64
	ttl         time.Duration
	blockImages bool

	hits            atomic.Int64
	misses          atomic.Int64
	bytesSaved      atomic.Int64
	bytesDownloaded atomic.Int64

	now func() time.Time
}

// New creates a cache with the given byte budget and TTL. A ttl <= 0
// disables expiry; blockImages aborts image requests outright.
func New(maxSizeBytes int64, ttl time.Duration, blockImages bool) *RequestCache {
	return &RequestCache{
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		maxBytes:    maxSizeBytes,
		ttl:         ttl,
		blockImages: blockImages,
		now:         time.Now,
	}
}

// Get looks up the exact request URL. Entries past their TTL are evicted
// and reported as misses. A hit accounts the body size as bytes saved.
func (c *RequestCache) Get(url string) (*Entry, bool) {
	c.mu.Lock()
	elem, ok := c.entries[url]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if c.ttl > 0 && c.now().Sub(entry.insertedAt) > c.ttl {
		c.removeLocked(elem)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.mu.Unlock()

	c.hits.Add(1)
	c.bytesSaved.Add(entry.Size())
	return entry, true
}

// Put stores a 2xx response body under its exact URL, then evicts the
// oldest-inserted entries until the byte budget holds. Bodies larger than
// the whole budget are not stored at all. Re-inserting an existing key
// replaces the entry and refreshes its position in insertion order.
func (c *RequestCache) Put(url string, status int, header http.Header, body []byte) {
	size := int64(len(body))
	c.bytesDownloaded.Add(size)
	if size > c.maxBytes {
		return
	}

	entry := &Entry{
		Body:       body,
		Header:     header,
		Status:     status,
		insertedAt: c.now(),
		key:        url,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[url]; ok {
		c.removeLocked(old)
	}
	c.entries[url] = c.order.PushBack(entry)
	c.size += size

	for c.size > c.maxBytes {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// removeLocked unlinks an element from both indexes. Caller holds mu.
func (c *RequestCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.size -= entry.Size()
}

// Stats returns a snapshot of the counters and current occupancy.
func (c *RequestCache) Stats() Stats {
	c.mu.Lock()
	size := c.size
	count := int64(c.order.Len())
	c.mu.Unlock()

	return Stats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		SizeBytes:       size,
		ItemCount:       count,
		BytesSaved:      c.bytesSaved.Load(),
		BytesDownloaded: c.bytesDownloaded.Load(),
	}
}

// Clear drops all entries and resets the counters. Called when an engine
// invocation finishes.
func (c *RequestCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	c.bytesSaved.Store(0)
	c.bytesDownloaded.Store(0)
}

// Cacheable reports whether a request may be served from or admitted to
// the cache: GET only, and never with credentials attached.
func Cacheable(method string, header http.Header) bool {
	if method != http.MethodGet {
		return false
	}
	if header.Get("Authorization") != "" || header.Get("Cookie") != "" {
		return false
	}
	return true
}
