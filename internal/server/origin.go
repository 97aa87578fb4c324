package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// originPolicy decides which browser origins may call the API. Requests
// without an Origin header come from non-browser clients and are allowed.
type originPolicy struct {
	allowed map[string]struct{}
}

func newOriginPolicy(extra []string) originPolicy {
	allowed := make(map[string]struct{}, len(extra))
	for _, origin := range extra {
		origin = normalizeOrigin(origin)
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	return originPolicy{allowed: allowed}
}

func (p originPolicy) allows(origin string) bool {
	origin = normalizeOrigin(origin)
	if origin == "" {
		return true
	}
	if _, ok := p.allowed[origin]; ok {
		return true
	}
	return isLoopbackOrigin(origin)
}

// guard rejects requests from disallowed origins before any handler runs;
// CORS headers alone do not stop a cross-site POST from taking effect.
func (p originPolicy) guard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !p.allows(c.Request().Header.Get(echo.HeaderOrigin)) {
			return errorJSON(c, http.StatusForbidden, "origin not allowed")
		}
		return next(c)
	}
}

func (p originPolicy) checkRequest(r *http.Request) bool {
	return p.allows(r.Header.Get(echo.HeaderOrigin))
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
