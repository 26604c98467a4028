package security

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal addresses are not allowed")
)

// AllowedSchemes defines the permitted schemes for target URLs.
var AllowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// AllowedProxySchemes defines the permitted schemes for proxy URLs.
var AllowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// ValidateTargetURL checks that a start page or item URL is safe to hand
// to a browser session: http(s) scheme and a non-empty host. With
// blockPrivate set, literal loopback, private-range and link-local
// addresses are rejected too, so a poisoned listing page cannot steer a
// session at internal infrastructure. Hostnames are not resolved; the
// check is for literals only.
func ValidateTargetURL(rawURL string, blockPrivate bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	if !AllowedSchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedScheme
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return ErrInvalidURL
	}

	if !blockPrivate {
		return nil
	}

	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return ErrPrivateIPBlocked
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrPrivateIPBlocked
		}
	}
	return nil
}

// ValidateProxyURL checks a pool entry's URL. Private addresses are
// allowed; local forward proxies are a normal deployment.
func ValidateProxyURL(proxyURL string) error {
	if proxyURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return ErrInvalidURL
	}
	if !AllowedProxySchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedScheme
	}
	if parsed.Host == "" {
		return ErrInvalidURL
	}
	return nil
}
