package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/corekit/corekit/errs"
	"github.com/corekit/corekit/eventbus"
)

// State mirrors the Event Bus's lifecycle state machine shape, reused
// here since the Router follows the same created/running/shutdown
// progression.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateShutdown     State = "shutdown"
	StateError        State = "error"
)

// Adapter applies a set of routes onto an external framework instance.
type Adapter interface {
	ApplyRoutes(framework any, routes []Route) (ApplyResult, error)
}

// ApplyResult is the outcome an Adapter reports back from ApplyRoutes.
type ApplyResult struct {
	Applied bool
	Count   int
}

type routerLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Router is the route registry plus adapter dispatcher.
type Router struct {
	mu         sync.Mutex
	routes     map[string]*Route
	byModule   map[string][]string
	middleware []*middlewareEntry
	adapters   map[string]Adapter
	state      State

	bus       *eventbus.Bus
	errRouter *errs.Router
	logger    routerLogger
	subIDs    []string
}

// Option configures a Router at construction time.
type Option func(*Router)

func WithBus(bus *eventbus.Bus) Option      { return func(r *Router) { r.bus = bus } }
func WithErrorRouter(e *errs.Router) Option { return func(r *Router) { r.errRouter = e } }
func WithLogger(l routerLogger) Option      { return func(r *Router) { r.logger = l } }

// New constructs a Router in StateCreated.
func New(opts ...Option) *Router {
	r := &Router{
		routes:   make(map[string]*Route),
		byModule: make(map[string][]string),
		adapters: make(map[string]Adapter),
		state:    StateCreated,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRoute adds a route for (method, path). Fails with
// Router/INVALID_* on empty inputs or a nil handler, and
// Router/ROUTE_CONFLICT if the (method, path) pair is already present.
func (r *Router) RegisterRoute(moduleID, method, path string, handler http.HandlerFunc, opts RouteOptions) error {
	if moduleID == "" {
		return r.fail("INVALID_MODULE_ID", "moduleId must not be empty", nil)
	}
	if method == "" {
		return r.fail("INVALID_METHOD", "method must not be empty", nil)
	}
	if path == "" {
		return r.fail("INVALID_PATH", "path must not be empty", nil)
	}
	if handler == nil {
		return r.fail("INVALID_HANDLER", "handler must be callable", nil)
	}

	key := routeKey(method, path)
	r.mu.Lock()
	if _, exists := r.routes[key]; exists {
		r.mu.Unlock()
		return r.fail("ROUTE_CONFLICT", fmt.Sprintf("route %s already registered", key),
			map[string]any{"method": method, "path": path})
	}
	route := &Route{
		ModuleID:     moduleID,
		Method:       method,
		Path:         path,
		Handler:      handler,
		Options:      opts,
		RegisteredAt: time.Now().UTC(),
	}
	r.routes[key] = route
	r.byModule[moduleID] = append(r.byModule[moduleID], key)
	r.mu.Unlock()

	r.recordMetric("routes.registered", 1, map[string]string{"method": method, "path": path})
	r.fire("route:registered", map[string]any{"moduleId": moduleID, "method": method, "path": path})
	return nil
}

// RegisterVersionedRoute prepends /api/v{version} to path and delegates
// to RegisterRoute with options.Version set.
func (r *Router) RegisterVersionedRoute(moduleID, version, method, path string, handler http.HandlerFunc, opts RouteOptions) error {
	prefix := "/api/v" + version
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	opts.Version = version
	return r.RegisterRoute(moduleID, method, prefix+path, handler, opts)
}

// UnregisterRoute removes (method, path), returning whether it existed.
func (r *Router) UnregisterRoute(method, path string) bool {
	key := routeKey(method, path)
	r.mu.Lock()
	route, exists := r.routes[key]
	if exists {
		delete(r.routes, key)
		r.removeFromModuleLocked(route.ModuleID, key)
	}
	r.mu.Unlock()
	if exists {
		r.fire("route:unregistered", map[string]any{"method": method, "path": path})
	}
	return exists
}

// UnregisterModuleRoutes removes every route registered by moduleID,
// returning the count removed.
func (r *Router) UnregisterModuleRoutes(moduleID string) int {
	r.mu.Lock()
	keys := append([]string{}, r.byModule[moduleID]...)
	for _, k := range keys {
		delete(r.routes, k)
	}
	delete(r.byModule, moduleID)
	r.mu.Unlock()

	for range keys {
		r.fire("route:unregistered", map[string]any{"moduleId": moduleID})
	}
	return len(keys)
}

// ClearRoutes removes every registered route, recording the prior count
// as the routes.cleared metric.
func (r *Router) ClearRoutes() {
	r.mu.Lock()
	count := len(r.routes)
	r.routes = make(map[string]*Route)
	r.byModule = make(map[string][]string)
	r.mu.Unlock()

	r.recordMetric("routes.cleared", float64(count), nil)
	r.fire("routes:cleared", map[string]any{"count": count})
}

func (r *Router) removeFromModuleLocked(moduleID, key string) {
	keys := r.byModule[moduleID]
	for i, k := range keys {
		if k == key {
			r.byModule[moduleID] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

// RegisterAdapter registers a named Adapter.
func (r *Router) RegisterAdapter(name string, adapter Adapter) error {
	if name == "" {
		return r.fail("INVALID_ADAPTER_NAME", "adapter name must not be empty", nil)
	}
	if adapter == nil {
		return r.fail("INVALID_ADAPTER", "adapter must implement ApplyRoutes", nil)
	}
	r.mu.Lock()
	r.adapters[name] = adapter
	r.mu.Unlock()
	return nil
}

// ApplyRoutes dispatches every registered route to the named adapter
// against framework.
func (r *Router) ApplyRoutes(framework any, adapterName string) (ApplyResult, error) {
	r.mu.Lock()
	state := r.state
	adapter, ok := r.adapters[adapterName]
	routes := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, *route)
	}
	r.mu.Unlock()

	if state != StateRunning {
		return ApplyResult{}, r.fail("NOT_INITIALIZED", "router has not been initialized", nil)
	}
	if framework == nil {
		return ApplyResult{}, r.fail("INVALID_FRAMEWORK", "framework must not be nil", nil)
	}
	if !ok {
		return ApplyResult{}, r.fail("ADAPTER_NOT_FOUND", fmt.Sprintf("adapter %q is not registered", adapterName), nil)
	}

	result, err := adapter.ApplyRoutes(framework, routes)
	if err != nil {
		wrapped := errs.NewRouter("ROUTES_APPLICATION_FAILED", "adapter failed to apply routes", errs.WithCause(err))
		r.routeError(wrapped, map[string]any{"source": "router.applyRoutes", "adapter": adapterName})
		return ApplyResult{}, wrapped
	}

	r.recordMetric("routes.applied", float64(result.Count), nil)
	r.fire("routes:applied", map[string]any{"count": result.Count, "adapter": adapterName})
	return result, nil
}

// RegisterMiddleware registers named middleware, optionally scoped to a
// set of paths/methods and an ordering weight (default 100).
func (r *Router) RegisterMiddleware(name string, handler MiddlewareFunc, opts MiddlewareOptions) error {
	if name == "" {
		return r.fail("INVALID_MIDDLEWARE_NAME", "middleware name must not be empty", nil)
	}
	if handler == nil {
		return r.fail("INVALID_MIDDLEWARE", "middleware must be callable", nil)
	}
	order := opts.Order
	if order == 0 {
		order = 100
	}
	r.mu.Lock()
	r.middleware = append(r.middleware, &middlewareEntry{
		name: name, handler: handler, order: order, paths: opts.Paths, methods: opts.Methods,
	})
	r.mu.Unlock()
	return nil
}

// GetMiddlewareForRoute returns the concatenation of matching global
// middleware and route-scoped middleware named in route.Options.Middleware,
// sorted ascending by order.
func (r *Router) GetMiddlewareForRoute(route *Route) []MiddlewareFunc {
	r.mu.Lock()
	global := globalMiddlewareFor(r.middleware, route)
	byName := make(map[string]*middlewareEntry, len(r.middleware))
	for _, e := range r.middleware {
		byName[e.name] = e
	}
	r.mu.Unlock()

	seen := make(map[string]bool, len(global))
	var out []*middlewareEntry
	for _, e := range global {
		seen[e.name] = true
		out = append(out, e)
	}
	for _, name := range route.Options.Middleware {
		if e, ok := byName[name]; ok && !seen[name] {
			out = append(out, e)
			seen[name] = true
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].order < out[j].order })

	result := make([]MiddlewareFunc, len(out))
	for i, e := range out {
		result[i] = e.handler
	}
	return result
}

// Initialize subscribes to cross-module route commands on the bus and
// transitions to StateRunning, emitting router:initialized.
func (r *Router) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return r.fail("ALREADY_INITIALIZED", "router already initialized", nil)
	}
	r.state = StateInitializing
	bus := r.bus
	r.mu.Unlock()

	if bus != nil {
		ids, err := r.subscribeEventIntegration(bus)
		if err != nil {
			wrapped := errs.NewRouter("ROUTER_INITIALIZATION_FAILED", "router event integration setup failed", errs.WithCause(err))
			r.routeError(wrapped, map[string]any{"source": "router.initialize"})
			r.mu.Lock()
			r.state = StateError
			r.mu.Unlock()
			return wrapped
		}
		r.mu.Lock()
		r.subIDs = ids
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()
	r.fire("router:initialized", nil)
	return nil
}

// Shutdown unsubscribes the event integration and transitions to
// StateShutdown. router:shutdown is emitted on every call, even once
// shutdown has already been entered.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	bus := r.bus
	ids := append([]string{}, r.subIDs...)
	r.subIDs = nil
	r.state = StateShutdown
	r.mu.Unlock()

	if bus != nil {
		for _, id := range ids {
			_ = bus.Unsubscribe(id)
		}
	}
	r.fire("router:shutdown", nil)
	return nil
}

func (r *Router) recordMetric(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	bus := r.bus
	r.mu.Unlock()
	if bus != nil {
		bus.RecordMetric(name, value, tags)
	}
}

func (r *Router) fire(name string, data any) {
	r.mu.Lock()
	bus := r.bus
	r.mu.Unlock()
	if bus == nil {
		return
	}
	_, _ = bus.Emit(context.Background(), name, data, eventbus.EmitOptions{})
}

func (r *Router) fail(code, message string, details map[string]any) *errs.Error {
	opts := []errs.Option{}
	if details != nil {
		opts = append(opts, errs.WithDetails(details))
	}
	err := errs.NewRouter(code, message, opts...)
	r.routeError(err, map[string]any{"source": "router"})
	return err
}

func (r *Router) routeError(err *errs.Error, routeContext map[string]any) {
	r.mu.Lock()
	logger := r.logger
	errRouter := r.errRouter
	r.mu.Unlock()
	if logger != nil {
		logger.Error("router error", "code", err.Code)
	}
	if errRouter != nil {
		errRouter.HandleError(context.Background(), err, routeContext)
	}
	r.fire("router:error", map[string]any{"error": err})
}
