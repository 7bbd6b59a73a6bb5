package router

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ChiAdapter applies routes onto a *chi.Mux, the default framework
// binding.
type ChiAdapter struct {
	router *Router
}

// NewChiAdapter constructs a ChiAdapter; r is used to resolve
// per-route middleware via GetMiddlewareForRoute.
func NewChiAdapter(r *Router) *ChiAdapter {
	return &ChiAdapter{router: r}
}

// ApplyRoutes mounts every route onto framework, which must be a
// chi.Router (or *chi.Mux).
func (a *ChiAdapter) ApplyRoutes(framework any, routes []Route) (ApplyResult, error) {
	mux, ok := framework.(chi.Router)
	if !ok {
		return ApplyResult{}, fmt.Errorf("chi adapter requires a chi.Router, got %T", framework)
	}

	for _, route := range routes {
		handler := http.Handler(route.Handler)
		middlewares := a.router.GetMiddlewareForRoute(&route)
		for i := len(middlewares) - 1; i >= 0; i-- {
			handler = middlewares[i](handler)
		}
		mux.Method(route.Method, rewriteParams(route.Path), handler)
	}

	return ApplyResult{Applied: true, Count: len(routes)}, nil
}
