// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is immutable after construction and safe for concurrent use.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *slog.Logger
}

// newOriginPolicy builds the allowlist from configured origins. "*" allows
// any origin; entries that are not scheme://host are logged and skipped.
func newOriginPolicy(origins []string, logger *slog.Logger) *originPolicy {
	p := &originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}

	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
			continue
		case "*":
			p.allowAll = true
			continue
		}

		key, ok := originKey(origin)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", slog.String("origin", origin))
			continue
		}
		p.allowed[key] = struct{}{}
	}
	return p
}

// originKey reduces an origin to lower-case scheme://host.
func originKey(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// checkOrigin is the Upgrader's CheckOrigin. Requests without an Origin
// header are refused even when every origin is allowed.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		p.logger.Warn("blocked WebSocket connection without an origin")
		return false
	}

	if p.allowAll {
		return true
	}

	if key, ok := originKey(origin); ok {
		if _, allowed := p.allowed[key]; allowed {
			return true
		}
	}

	p.logger.Warn("blocked WebSocket connection from disallowed origin", slog.String("origin", origin))
	return false
}
