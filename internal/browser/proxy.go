package browser

import (
	"context"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/types"
)

// SetupProxyAuth answers proxy authentication challenges for a page whose
// browser was launched with an authenticated proxy. The proxy server
// itself is a launch flag; this only supplies credentials when the proxy
// challenges.
//
// Enabling auth handling re-enables the Fetch domain, so this must run
// after any request interception is attached to the page. When no
// interception is active, pass continuePaused so ordinary requests held
// by the Fetch domain are resumed here.
//
// The returned cleanup stops the listeners and must be called when the
// page closes.
func SetupProxyAuth(ctx context.Context, page *rod.Page, proxy *types.Proxy, continuePaused bool) (func(), error) {
	if !proxy.HasCredentials() {
		return func() {}, nil
	}

	log.Debug().
		Str("proxy_id", proxy.ID).
		Msg("Enabling proxy authentication handler")

	err := proto.FetchEnable{
		HandleAuthRequests: true,
		Patterns:           []*proto.FetchRequestPattern{{URLPattern: "*"}},
	}.Call(page)
	if err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	go func() {
		pageWithCtx.EachEvent(func(e *proto.FetchAuthRequired) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}

			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				},
			}.Call(page)
			return false
		})()
	}()

	if continuePaused {
		go func() {
			pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
				select {
				case <-listenerCtx.Done():
					return true
				default:
				}

				// Auth challenges carry a response status; everything else
				// is a plain paused request to wave through.
				if e.ResponseStatusCode == nil {
					_ = proto.FetchContinueRequest{
						RequestID: e.RequestID,
					}.Call(page)
				}
				return false
			})()
		}()
	}

	return cancel, nil
}
