// Package security provides input validation and log redaction for the
// fleet: target URLs are checked before navigation and proxy URLs are
// stripped of credentials before they reach a log line.
package security

import (
	"net/url"
	"strings"
)

// sensitiveParamPatterns are query parameter names that likely carry
// secrets. Start pages occasionally embed affiliate or API tokens.
var sensitiveParamPatterns = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"auth",
	"credential",
	"key",
	"session",
}

// RedactURL removes credentials and secret-looking query parameters from
// a URL for safe logging.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}
	return parsed.String()
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values, len(params))
	for key, values := range params {
		keyLower := strings.ToLower(key)
		hit := false
		for _, pattern := range sensitiveParamPatterns {
			if strings.Contains(keyLower, pattern) {
				hit = true
				break
			}
		}
		if hit {
			redacted[key] = []string{"[REDACTED]"}
		} else {
			redacted[key] = values
		}
	}
	return redacted
}

// RedactProxyURL strips the password from a proxy URL. The username stays
// visible because rotating pools encode the exit selection in it.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}
	return parsed.String()
}
