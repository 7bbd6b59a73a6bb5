// Package container implements the Dependency Container: a registry of
// named component factories with declared dependency lists, resolved and
// lifecycle-managed in topological order.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corekit/corekit/errs"
	"github.com/corekit/corekit/internal/digraph"
)

// Initializer is the optional capability a resolved instance may implement
// to receive an initialize callback once the container has started.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner is the optional capability a resolved instance may implement
// to receive a shutdown callback during container teardown.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Factory builds a component instance given its resolved dependencies,
// keyed by dependency name. Returning a non-nil error aborts resolution.
type Factory func(ctx context.Context, deps map[string]any) (any, error)

// Emitter lets the container report lifecycle events without importing the
// event bus package directly — a small interface stands in for the
// capability rather than an inheritance relationship. A typical wiring
// sets this to (*eventbus.Bus).Emit's signature-compatible closure.
type Emitter func(name string, data any, metadata map[string]any)

// DefaultLeadingOrder is the fixed preferred sequence: when any of
// these names are registered, they are visited before any other
// component, in this order, subject to their own dependencies.
var DefaultLeadingOrder = []string{"errorSystem", "config", "eventBusSystem", "moduleSystem"}

type record struct {
	name       string
	factory    Factory
	value      any
	hasValue   bool
	deps       []string
	singleton  bool
	registered time.Time
}

// Container resolves and lifecycle-manages named components.
type Container struct {
	mu          sync.Mutex
	records     map[string]*record
	instances   map[string]any
	order       []string
	leading     []string
	initialized bool
	shutDown    bool
	logger      logger
	emit        Emitter
	errRouter   *errs.Router

	manifests map[string]Manifest
}

type logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option configures a Container at construction time.
type Option func(*Container)

// WithLogger sets the logger used for container diagnostics.
func WithLogger(l logger) Option { return func(c *Container) { c.logger = l } }

// WithEmitter sets the lifecycle-event emitter.
func WithEmitter(e Emitter) Option { return func(c *Container) { c.emit = e } }

// WithErrorRouter routes resolution/lifecycle failures through a shared
// errs.Router in addition to returning them to the caller.
func WithErrorRouter(r *errs.Router) Option { return func(c *Container) { c.errRouter = r } }

// WithLeadingOrder overrides DefaultLeadingOrder.
func WithLeadingOrder(names []string) Option {
	return func(c *Container) { c.leading = names }
}

// New constructs an empty Container.
func New(opts ...Option) *Container {
	c := &Container{
		records:   make(map[string]*record),
		instances: make(map[string]any),
		leading:   DefaultLeadingOrder,
		manifests: make(map[string]Manifest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterValue registers a pre-built value as a singleton component.
func (c *Container) RegisterValue(name string, value any, deps []string) error {
	return c.register(name, nil, value, true, deps)
}

// RegisterFactory registers a factory-built component. singleton controls
// whether the built instance is cached and reused across Resolve calls.
func (c *Container) RegisterFactory(name string, deps []string, singleton bool, factory Factory) error {
	return c.register(name, factory, nil, singleton, deps)
}

func (c *Container) register(name string, factory Factory, value any, singleton bool, deps []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[name]; exists {
		err := errs.NewConfig("DUPLICATE_COMPONENT", fmt.Sprintf("component %q already registered", name),
			errs.WithDetails(map[string]any{"name": name}))
		c.routeError(err, map[string]any{"source": "container.register", "name": name})
		return err
	}
	r := &record{
		name:       name,
		factory:    factory,
		value:      value,
		hasValue:   factory == nil,
		deps:       append([]string{}, deps...),
		singleton:  singleton,
		registered: time.Now().UTC(),
	}
	c.records[name] = r
	if c.logger != nil {
		c.logger.Info("component registered", "name", name, "deps", deps, "singleton", singleton)
	}
	c.fire("component:registered", map[string]any{"name": name, "component": r})
	return nil
}

// Resolve returns the component instance for name, building it (and its
// dependencies, recursively) if not already cached.
func (c *Container) Resolve(ctx context.Context, name string) (any, error) {
	c.mu.Lock()
	r, ok := c.records[name]
	if !ok {
		c.mu.Unlock()
		err := errs.New(errs.KindService, "UNKNOWN_COMPONENT", fmt.Sprintf("component %q is not registered", name),
			errs.WithDetails(map[string]any{"name": name}))
		c.routeError(err, map[string]any{"source": "container.resolve", "name": name})
		return nil, err
	}
	if r.singleton {
		if inst, cached := c.instances[name]; cached {
			c.mu.Unlock()
			return inst, nil
		}
	}
	c.mu.Unlock()

	deps := make(map[string]any, len(r.deps))
	for _, dep := range r.deps {
		depInst, err := c.Resolve(ctx, dep)
		if err != nil {
			return nil, err
		}
		deps[dep] = depInst
	}

	var inst any
	var err error
	if r.hasValue {
		inst = r.value
	} else {
		inst, err = r.factory(ctx, deps)
		if err != nil {
			wrapped := errs.NewService("FACTORY_FAILED", fmt.Sprintf("component %q factory failed", name),
				errs.WithCause(err), errs.WithDetails(map[string]any{"name": name}))
			c.routeError(wrapped, map[string]any{"source": "container.resolve", "name": name})
			return nil, wrapped
		}
	}

	c.mu.Lock()
	isInitialized := c.initialized
	if r.singleton {
		c.instances[name] = inst
	}
	c.mu.Unlock()

	if isInitialized {
		if init, ok := inst.(Initializer); ok {
			if err := init.Initialize(ctx); err != nil {
				wrapped := errs.NewService("INITIALIZE_FAILED", fmt.Sprintf("component %q initialize failed", name),
					errs.WithCause(err), errs.WithDetails(map[string]any{"name": name}))
				c.routeError(wrapped, map[string]any{"source": "container.resolve", "name": name})
				return nil, wrapped
			}
		}
	}

	c.fire("component:resolved", map[string]any{"name": name, "instance": inst})
	return inst, nil
}

// Initialize computes a dependency-respecting order (preferring
// DefaultLeadingOrder / WithLeadingOrder for any of those names that are
// registered), resolves every component in that order, and invokes
// Initialize on any that implement it.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		err := errs.New(errs.KindService, "ALREADY_INITIALIZED", "container already initialized")
		c.routeError(err, map[string]any{"source": "container.initialize"})
		return err
	}
	names := make([]string, 0, len(c.records))
	edges := make(map[string][]string, len(c.records))
	for name, r := range c.records {
		names = append(names, name)
		edges[name] = r.deps
	}
	leading := c.leading
	c.mu.Unlock()

	order, err := digraph.Sort(names, edges, leading)
	if err != nil {
		wrapped := c.wrapTopoError(err)
		c.routeError(wrapped, map[string]any{"source": "container.initialize"})
		return wrapped
	}

	for _, name := range order {
		if _, err := c.Resolve(ctx, name); err != nil {
			return err
		}
		inst := c.instances[name]
		if init, ok := inst.(Initializer); ok {
			if err := init.Initialize(ctx); err != nil {
				wrapped := errs.NewService("INITIALIZE_FAILED", fmt.Sprintf("component %q initialize failed", name),
					errs.WithCause(err), errs.WithDetails(map[string]any{"name": name}))
				c.routeError(wrapped, map[string]any{"source": "container.initialize", "name": name})
				return wrapped
			}
		}
	}

	c.mu.Lock()
	c.order = order
	c.initialized = true
	c.mu.Unlock()

	c.fire("initialized", nil)
	return nil
}

func (c *Container) wrapTopoError(err error) *errs.Error {
	switch e := err.(type) {
	case *digraph.CycleError:
		return errs.NewConfig("CIRCULAR_DEPENDENCY", "dependency cycle detected",
			errs.WithDetails(map[string]any{"path": e.Path}), errs.WithCause(err))
	case *digraph.MissingError:
		return errs.NewConfig("MISSING_DEPENDENCY", fmt.Sprintf("%q depends on unregistered %q", e.Node, e.Missing),
			errs.WithDetails(map[string]any{"node": e.Node, "missing": e.Missing}), errs.WithCause(err))
	default:
		return errs.NewConfig("INITIALIZATION_FAILED", "container initialization failed", errs.WithCause(err))
	}
}

// Shutdown walks the initialization order in reverse, invoking Shutdown on
// every cached instance that implements it. A single component's shutdown
// failure is logged and routed but does not stop the remaining teardown.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutDown || !c.initialized {
		c.shutDown = true
		c.mu.Unlock()
		c.fire("shutdown", nil)
		return nil
	}
	order := append([]string{}, c.order...)
	c.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		c.mu.Lock()
		inst, ok := c.instances[name]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if down, ok := inst.(Shutdowner); ok {
			if err := down.Shutdown(ctx); err != nil {
				wrapped := errs.NewService("SHUTDOWN_FAILED", fmt.Sprintf("component %q shutdown failed", name),
					errs.WithCause(err), errs.WithDetails(map[string]any{"name": name}))
				c.routeError(wrapped, map[string]any{"source": "container.shutdown", "name": name})
				c.fire("shutdown:error", map[string]any{"name": name, "error": wrapped})
			}
		}
	}

	c.mu.Lock()
	c.instances = make(map[string]any)
	c.shutDown = true
	c.mu.Unlock()

	c.fire("shutdown", nil)
	return nil
}

func (c *Container) fire(name string, data map[string]any) {
	if c.emit == nil {
		return
	}
	id := uuid.NewString()
	meta := map[string]any{"correlationId": id}
	c.emit(name, data, meta)
}

func (c *Container) routeError(err *errs.Error, routeContext map[string]any) {
	if c.logger != nil {
		c.logger.Error(err.Message, "kind", err.Kind, "code", err.Code)
	}
	if c.errRouter != nil {
		c.errRouter.HandleError(context.Background(), err, routeContext)
	}
}
