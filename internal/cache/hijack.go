package cache

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// defaultClient serves hijacked fetches for sessions without a proxy.
var defaultClient = &http.Client{Timeout: 30 * time.Second}

// Attach intercepts every request on the page and routes cacheable ones
// through the cache. Non-cacheable requests continue inside the browser
// untouched, so cookies and the session proxy still apply to them.
//
// Cache misses are fetched Go-side, which bypasses the browser's proxy
// configuration. The caller must pass a client routed through the same
// proxy as the session, or nil when the session has none.
//
// The returned cleanup stops interception and is safe to call more than
// once.
func (c *RequestCache) Attach(page *rod.Page, client *http.Client) (func(), error) {
	if client == nil {
		client = defaultClient
	}

	router := page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		c.handle(h, client)
	})
	if err != nil {
		return nil, err
	}
	go router.Run()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := router.Stop(); err != nil {
				log.Debug().Err(err).Msg("Failed to stop request interception")
			}
		})
	}
	return cleanup, nil
}

func (c *RequestCache) handle(h *rod.Hijack, client *http.Client) {
	if c.blockImages && h.Request.Type() == proto.NetworkResourceTypeImage {
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		return
	}

	if !Cacheable(h.Request.Method(), h.Request.Req().Header) {
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	key := h.Request.URL().String()
	if entry, ok := c.Get(key); ok {
		h.Response.Payload().ResponseCode = entry.Status
		for name, values := range entry.Header {
			for _, value := range values {
				h.Response.SetHeader(name, value)
			}
		}
		h.Response.SetBody(entry.Body)
		return
	}

	if err := h.LoadResponse(client, true); err != nil {
		log.Debug().Err(err).Str("url", key).Msg("Hijacked fetch failed")
		h.Response.Fail(proto.NetworkErrorReasonConnectionFailed)
		return
	}

	status := h.Response.Payload().ResponseCode
	if status < 200 || status >= 300 {
		return
	}

	body := []byte(h.Response.Body())
	header := make(http.Header, len(h.Response.Headers()))
	for name, values := range h.Response.Headers() {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	c.Put(key, status, header, body)
}
