// Package router implements the Router and Routable Module component:
// a route registry keyed by (method, path), middleware ordering, an
// adapter-mediated bridge to an external HTTP framework, and OpenAPI
// document synthesis.
package router

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// RouteOptions carries per-route metadata beyond the handler itself.
type RouteOptions struct {
	Version     string
	Auth        bool
	Tags        []string
	Summary     string
	Description string
	Middleware  []string
}

// Route is one registered (method, path) entry.
type Route struct {
	ModuleID     string
	Method       string
	Path         string
	Handler      http.HandlerFunc
	Options      RouteOptions
	RegisteredAt time.Time
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// MiddlewareFunc is chi-compatible: a decorator over an http.Handler.
type MiddlewareFunc func(http.Handler) http.Handler

// MiddlewareOptions scopes a registered middleware to a subset of
// routes. Order defaults to 100 when zero.
type MiddlewareOptions struct {
	Order   int
	Paths   []string
	Methods []string
}

type middlewareEntry struct {
	name    string
	handler MiddlewareFunc
	order   int
	paths   []string
	methods []string
}

func pathMatches(pattern, path string) bool {
	if pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path
}

func methodMatches(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// globalMiddlewareFor returns global middleware entries applicable to
// route, sorted ascending by order.
func globalMiddlewareFor(entries []*middlewareEntry, route *Route) []*middlewareEntry {
	var matched []*middlewareEntry
	for _, e := range entries {
		pathOK := len(e.paths) == 0
		for _, p := range e.paths {
			if pathMatches(p, route.Path) {
				pathOK = true
				break
			}
		}
		if pathOK && methodMatches(e.methods, route.Method) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].order < matched[j].order })
	return matched
}
