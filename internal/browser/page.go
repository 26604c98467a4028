package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// NewStealthPage creates a page with the stealth evasions injected before
// any document runs, then applies the user agent and viewport. Pages are
// created blank; the caller navigates.
func (b *Browser) NewStealthPage(userAgent string, width, height int) (*rod.Page, error) {
	page, err := stealth.Page(b.rod)
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if userAgent != "" {
		if err := SetUserAgent(page, userAgent); err != nil {
			log.Warn().Err(err).Msg("Failed to set user agent")
		}
	}
	if width > 0 && height > 0 {
		if err := SetViewport(page, width, height); err != nil {
			log.Warn().Err(err).Msg("Failed to set viewport")
		}
	}

	return page, nil
}

// SetUserAgent overrides the page user agent.
func SetUserAgent(page *rod.Page, userAgent string) error {
	return proto.NetworkSetUserAgentOverride{
		UserAgent: userAgent,
	}.Call(page)
}

// SetViewport sets the page viewport size.
func SetViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}

// BlockImages aborts image requests on the page. Used when the request
// cache is disabled but image blocking is still wanted; the two must not
// be combined on one page because both own the Fetch domain.
//
// The returned cleanup stops the listener and is safe to call twice.
func BlockImages(ctx context.Context, page *rod.Page) (func(), error) {
	err := proto.FetchEnable{
		Patterns: []*proto.FetchRequestPattern{
			{URLPattern: "*", ResourceType: proto.NetworkResourceTypeImage},
		},
	}.Call(page)
	if err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	go func() {
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = proto.FetchFailRequest{
				RequestID:   e.RequestID,
				ErrorReason: proto.NetworkErrorReasonBlockedByClient,
			}.Call(page)
			return false
		})()
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}
