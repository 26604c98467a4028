// Package classify buckets per-URL failures into the four classes that
// drive the engines' retry behavior.
package classify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/castnet/trawler/internal/types"
)

// Class is the failure category of one work-unit error.
type Class int

const (
	// ClassBrowserClosed means the session's browser died under us. The
	// session is invalidated and the target stays pending for the next
	// batch; no in-batch retry.
	ClassBrowserClosed Class = iota

	// ClassMissingExtractor means the site has no loadable extractor.
	// Terminal: the target is marked invalid.
	ClassMissingExtractor

	// ClassNetwork covers timeouts, connection resets and navigation
	// failures. Retried with backoff; a final failure marks the target
	// failed and may auto-block a datacenter proxy.
	ClassNetwork

	// ClassOther is everything else. Terminal invalid, no retry.
	ClassOther
)

// String returns the metric/log label for the class.
func (c Class) String() string {
	switch c {
	case ClassBrowserClosed:
		return "browser_closed"
	case ClassMissingExtractor:
		return "missing_extractor"
	case ClassNetwork:
		return "network"
	default:
		return "other"
	}
}

// Match order matters: a dead browser surfaces as a websocket error that
// also contains "connection", so browser-closed patterns are checked first.
var (
	browserClosedPatterns = []string{
		"has been closed", // target/page/context/browser has been closed
		"target closed",
		"browser disconnected",
		"session not found",
		"session expired",
		"websocket",
		"execution context was destroyed",
	}
	missingExtractorPatterns = []string{
		"failed to load scraper",
		"cannot find module",
	}
	networkPatterns = []string{
		"timeout",
		"network",
		"connection",
		"navigation",
		"err_aborted",
		"frame was detached",
	}
)

// Classify buckets err. Sentinels are checked before message matching so
// wrapped errors classify correctly even when their text drifts.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}

	if errors.Is(err, types.ErrSessionClosed) || errors.Is(err, types.ErrSessionNotFound) {
		return ClassBrowserClosed
	}
	if errors.Is(err, types.ErrExtractorNotFound) {
		return ClassMissingExtractor
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	if matchesAny(msg, browserClosedPatterns) {
		return ClassBrowserClosed
	}
	if matchesAny(msg, missingExtractorPatterns) {
		return ClassMissingExtractor
	}
	if matchesAny(msg, networkPatterns) {
		return ClassNetwork
	}
	return ClassOther
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Backoff returns the sleep before retry attempt+1: 2s, 4s, 6s, ...
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(attempt+1) * 2 * time.Second
}

// Retryable reports whether the class allows another in-batch attempt.
func (c Class) Retryable() bool {
	return c == ClassNetwork
}

// Terminal reports whether the class marks the target invalid.
func (c Class) Terminal() bool {
	return c == ClassMissingExtractor || c == ClassOther
}
