package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/castnet/trawler/internal/types"
)

func TestClassifyMessages(t *testing.T) {
	tests := []struct {
		msg  string
		want Class
	}{
		{"page has been closed", ClassBrowserClosed},
		{"Target closed", ClassBrowserClosed},
		{"browser has been closed", ClassBrowserClosed},
		{"browser disconnected unexpectedly", ClassBrowserClosed},
		{"Session not found: abc123", ClassBrowserClosed},
		{"websocket: bad handshake", ClassBrowserClosed},
		{"execution context was destroyed", ClassBrowserClosed},

		{"failed to load scraper shop-v2", ClassMissingExtractor},
		{"Cannot find module './extractors/shop'", ClassMissingExtractor},

		{"navigation timeout of 15000 ms exceeded", ClassNetwork},
		{"net::ERR_ABORTED", ClassNetwork},
		{"network error fetching resource", ClassNetwork},
		{"connection refused", ClassNetwork},
		{"frame was detached", ClassNetwork},

		{"element not found: .price", ClassOther},
		{"unexpected token in JSON", ClassOther},
	}

	for _, tt := range tests {
		if got := Classify(errors.New(tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestClassifyOrderBrowserClosedBeforeNetwork(t *testing.T) {
	// A dead websocket mentions "connection" too; class 1 must win.
	err := errors.New("websocket: close 1006, connection reset")
	if got := Classify(err); got != ClassBrowserClosed {
		t.Errorf("expected browser-closed to win over network, got %v", got)
	}
}

func TestClassifySentinels(t *testing.T) {
	wrapped := fmt.Errorf("visit item: %w", types.ErrSessionClosed)
	if got := Classify(wrapped); got != ClassBrowserClosed {
		t.Errorf("wrapped ErrSessionClosed: got %v", got)
	}

	missing := types.NewExtractorNotFoundError("shop-v2")
	if got := Classify(missing); got != ClassMissingExtractor {
		t.Errorf("ExtractorError: got %v", got)
	}

	if got := Classify(context.DeadlineExceeded); got != ClassNetwork {
		t.Errorf("deadline exceeded: got %v", got)
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != ClassOther {
		t.Errorf("nil error: got %v", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 6 * time.Second},
		{-1, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestClassPredicates(t *testing.T) {
	if !ClassNetwork.Retryable() {
		t.Error("network class must be retryable")
	}
	if ClassBrowserClosed.Retryable() || ClassOther.Retryable() {
		t.Error("only network errors retry in-batch")
	}
	if !ClassMissingExtractor.Terminal() || !ClassOther.Terminal() {
		t.Error("missing-extractor and other must be terminal")
	}
	if ClassBrowserClosed.Terminal() {
		t.Error("browser-closed must leave the target pending")
	}
}
