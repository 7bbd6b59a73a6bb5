package modmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/corekit/corekit/errs"
	"github.com/corekit/corekit/eventbus"
	"github.com/corekit/corekit/internal/digraph"
)

// DefaultHealthProbeSpec is the cron expression used for periodic module
// health probing when none is configured.
const DefaultHealthProbeSpec = "@every 60s"

// ErrorRecorder is the optional capability a Module implements to receive
// manager-observed lifecycle failures (BaseModule implements it).
type ErrorRecorder interface {
	RecordError(ctx context.Context, phase string, err *errs.Error)
}

// stater is the optional capability a Module implements to expose its
// lifecycle state to getSystemHealth (BaseModule implements it).
type stater interface {
	State() State
}

type registration struct {
	module     Module
	cfg        map[string]any
	subIDs     []string
	registered bool
}

type managerLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Manager registers modules, resolves their dependency order, and drives
// each through the lifecycle state machine BaseModule models.
type Manager struct {
	mu          sync.Mutex
	modules     map[string]*registration
	order       []string
	bus         *eventbus.Bus
	errRouter   *errs.Router
	logger      managerLogger
	initialized bool
	shutDown    bool

	cron        *cron.Cron
	healthSpec  string
	cronEntryID cron.EntryID
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithBus(bus *eventbus.Bus) Option        { return func(m *Manager) { m.bus = bus } }
func WithErrorRouter(r *errs.Router) Option    { return func(m *Manager) { m.errRouter = r } }
func WithManagerLogger(l managerLogger) Option { return func(m *Manager) { m.logger = l } }
func WithHealthProbeSpec(spec string) Option   { return func(m *Manager) { m.healthSpec = spec } }

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		modules:    make(map[string]*registration),
		healthSpec: DefaultHealthProbeSpec,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a module with optional configuration, applied during
// Initialize. Registering after Initialize has run returns an error.
func (m *Manager) Register(mod Module, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := mod.Name()
	if m.initialized {
		return m.wrapAndRoute("ALREADY_INITIALIZED", fmt.Sprintf("module %q cannot be registered after initialization", name), nil, name)
	}
	if _, exists := m.modules[name]; exists {
		return m.wrapAndRoute("DUPLICATE_MODULE", fmt.Sprintf("module %q already registered", name), nil, name)
	}
	if bm, ok := mod.(interface{ BindBus(*eventbus.Bus) }); ok && m.bus != nil {
		bm.BindBus(m.bus)
	}
	if er, ok := mod.(interface{ SetErrorRouter(*errs.Router) }); ok && m.errRouter != nil {
		er.SetErrorRouter(m.errRouter)
	}
	m.modules[name] = &registration{module: mod, cfg: cfg}
	m.fire(EventModuleRegistered, map[string]any{"module": name})
	return nil
}

// Unregister removes a module that has not yet been initialized, or, if
// the manager is already initialized, runs its shutdown hook and drops
// it from the dependency order.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	reg, ok := m.modules[name]
	initialized := m.initialized
	bus := m.bus
	m.mu.Unlock()
	if !ok {
		return m.wrapAndRoute("UNKNOWN_MODULE", fmt.Sprintf("module %q is not registered", name), nil, name)
	}
	if initialized {
		for _, id := range reg.subIDs {
			if bus != nil {
				_ = bus.Unsubscribe(id)
			}
		}
		if down, ok := reg.module.(Shutdowner); ok {
			if err := down.OnShutdown(ctx); err != nil {
				wrapped := errs.NewModule("SHUTDOWN_FAILED", fmt.Sprintf("module %q shutdown failed", name), errs.WithCause(err))
				m.routeModuleError(ctx, reg.module, "shutdown", wrapped)
			}
		}
	}
	m.mu.Lock()
	delete(m.modules, name)
	newOrder := make([]string, 0, len(m.order))
	for _, n := range m.order {
		if n != name {
			newOrder = append(newOrder, n)
		}
	}
	m.order = newOrder
	m.mu.Unlock()

	m.fire(EventModuleUnregistered, map[string]any{"module": name})
	return nil
}

// resolveDependencyOrder computes the dependency-respecting visitation
// order across all registered modules.
func (m *Manager) resolveDependencyOrder() ([]string, error) {
	names := make([]string, 0, len(m.modules))
	edges := make(map[string][]string, len(m.modules))
	for name, reg := range m.modules {
		names = append(names, name)
		if da, ok := reg.module.(DependencyAware); ok {
			edges[name] = da.Dependencies()
		}
	}
	return digraph.Sort(names, edges, nil)
}

// Initialize drives every registered module through
// configuring -> setup -> initializing_module -> running, in dependency
// order, then starts periodic health probing.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return m.wrapAndRoute("ALREADY_INITIALIZED", "module manager already initialized", nil, "")
	}
	order, err := m.resolveDependencyOrder()
	m.mu.Unlock()
	if err != nil {
		wrapped := m.wrapTopoError(err)
		m.routeModuleError(ctx, nil, "initialize", wrapped)
		return wrapped
	}

	for _, name := range order {
		m.mu.Lock()
		reg := m.modules[name]
		m.mu.Unlock()
		if reg == nil {
			continue
		}
		if err := m.initializeOne(ctx, name, reg); err != nil {
			return errs.NewModule("INITIALIZATION_FAILED", fmt.Sprintf("module %q failed to initialize", name), errs.WithCause(err))
		}
	}

	m.mu.Lock()
	m.order = order
	m.initialized = true
	m.mu.Unlock()

	m.startHealthProbe()
	m.fire(EventManagerInitialized, nil)
	return nil
}

func (m *Manager) initializeOne(ctx context.Context, name string, reg *registration) error {
	setState(reg.module, ctx, "module:initializing", StateInitializing)

	if cv, ok := reg.module.(ConfigValidator); ok {
		if err := cv.ValidateConfig(reg.cfg); err != nil {
			wrapped := errs.NewModule("CONFIG_INVALID", fmt.Sprintf("module %q configuration invalid", name), errs.WithCause(err))
			m.routeModuleError(ctx, reg.module, "configuring", wrapped)
			return wrapped
		}
	}
	setState(reg.module, ctx, "", StateConfiguring)
	if cf, ok := reg.module.(Configurer); ok {
		if err := cf.OnConfigure(reg.cfg); err != nil {
			wrapped := errs.NewModule("CONFIGURE_FAILED", fmt.Sprintf("module %q configure failed", name), errs.WithCause(err))
			m.routeModuleError(ctx, reg.module, "configuring", wrapped)
			return wrapped
		}
	}

	setState(reg.module, ctx, "", StateSetup)
	if eh, ok := reg.module.(EventHandlerSetup); ok && m.bus != nil {
		ids, err := eh.SetupEventHandlers(ctx, m.bus)
		if err != nil {
			wrapped := errs.NewModule("SETUP_FAILED", fmt.Sprintf("module %q event handler setup failed", name), errs.WithCause(err))
			m.routeModuleError(ctx, reg.module, "setup", wrapped)
			return wrapped
		}
		reg.subIDs = ids
	}
	if hc, ok := reg.module.(HealthCheckSetup); ok && m.bus != nil {
		checks, err := hc.SetupHealthChecks(ctx)
		if err != nil {
			wrapped := errs.NewModule("SETUP_FAILED", fmt.Sprintf("module %q health check setup failed", name), errs.WithCause(err))
			m.routeModuleError(ctx, reg.module, "setup", wrapped)
			return wrapped
		}
		for checkName, fn := range checks {
			m.bus.RegisterHealthCheck(name+"."+checkName, fn)
		}
	}
	if st, ok := reg.module.(stater); ok && m.bus != nil {
		m.bus.RegisterHealthCheck(name+".state", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"state": st.State()}, nil
		})
	}

	setState(reg.module, ctx, "", StateInitializingModule)
	if init, ok := reg.module.(Initializer); ok {
		if err := init.OnInitialize(ctx); err != nil {
			wrapped := errs.NewModule("INITIALIZE_FAILED", fmt.Sprintf("module %q initialize failed", name), errs.WithCause(err))
			m.routeModuleError(ctx, reg.module, "initializing_module", wrapped)
			return wrapped
		}
	}

	setState(reg.module, ctx, EventModuleInitialized, StateRunning)
	return nil
}

// setState transitions a module through BaseModule's state machine when
// the module embeds one; modules that don't are simply skipped, since
// Module only guarantees Name().
func setState(mod Module, ctx context.Context, event string, state State) {
	bm, ok := mod.(interface {
		setState(ctx context.Context, name string, newState State)
	})
	if !ok {
		return
	}
	name := event
	if name == "" {
		name = "module:state"
	}
	bm.setState(ctx, name, state)
}

// GetSystemHealth aggregates the bus's health checks with each module's
// own lifecycle state.
func (m *Manager) GetSystemHealth(ctx context.Context) map[string]any {
	m.mu.Lock()
	bus := m.bus
	modules := make(map[string]*registration, len(m.modules))
	for k, v := range m.modules {
		modules[k] = v
	}
	m.mu.Unlock()

	result := map[string]any{}
	if bus != nil {
		result["checks"] = bus.CheckHealth(ctx)
	}
	states := make(map[string]State, len(modules))
	for name, reg := range modules {
		if st, ok := reg.module.(stater); ok {
			states[name] = st.State()
		}
	}
	result["modules"] = states
	return result
}

// startHealthProbe schedules a recurring GetSystemHealth sweep via cron,
// emitting "health:probed" with the aggregated result. A no-op if no bus
// is configured, since there is nowhere to emit to.
func (m *Manager) startHealthProbe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil || m.cron != nil {
		return
	}
	c := cron.New()
	id, err := c.AddFunc(m.healthSpec, func() {
		health := m.GetSystemHealth(context.Background())
		_, _ = m.bus.Emit(context.Background(), "health:probed", health, eventbus.EmitOptions{})
	})
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("health probe schedule failed", "spec", m.healthSpec, "error", err)
		}
		return
	}
	c.Start()
	m.cron = c
	m.cronEntryID = id
}

// Shutdown stops health probing and tears down every module in reverse
// dependency order.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutDown {
		m.mu.Unlock()
		return nil
	}
	if m.cron != nil {
		m.cron.Stop()
	}
	order := append([]string{}, m.order...)
	bus := m.bus
	m.shutDown = true
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		m.mu.Lock()
		reg := m.modules[name]
		m.mu.Unlock()
		if reg == nil {
			continue
		}
		setState(reg.module, ctx, EventModuleStopped, StateShuttingDown)
		for _, id := range reg.subIDs {
			if bus != nil {
				_ = bus.Unsubscribe(id)
			}
		}
		if down, ok := reg.module.(Shutdowner); ok {
			if err := down.OnShutdown(ctx); err != nil {
				wrapped := errs.NewModule("SHUTDOWN_FAILED", fmt.Sprintf("module %q shutdown failed", name), errs.WithCause(err))
				m.routeModuleError(ctx, reg.module, "shutdown", wrapped)
			}
		}
		setState(reg.module, ctx, EventModuleShutdown, StateShutdown)
	}

	m.fire(EventManagerShutdown, nil)
	return nil
}

func (m *Manager) wrapTopoError(err error) *errs.Error {
	switch e := err.(type) {
	case *digraph.CycleError:
		return errs.NewModule("CIRCULAR_DEPENDENCY", "module dependency cycle detected",
			errs.WithDetails(map[string]any{"path": e.Path}), errs.WithCause(err))
	case *digraph.MissingError:
		return errs.NewModule("MISSING_DEPENDENCY", fmt.Sprintf("%q depends on unregistered module %q", e.Node, e.Missing),
			errs.WithDetails(map[string]any{"node": e.Node, "missing": e.Missing}), errs.WithCause(err))
	default:
		return errs.NewModule("INITIALIZATION_FAILED", "module manager initialization failed", errs.WithCause(err))
	}
}

func (m *Manager) wrapAndRoute(code, message string, cause error, moduleName string) *errs.Error {
	opts := []errs.Option{}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	err := errs.NewModule(code, message, opts...)
	m.routeModuleError(context.Background(), nil, "manager", err)
	_ = moduleName
	return err
}

func (m *Manager) routeModuleError(ctx context.Context, mod Module, phase string, err *errs.Error) {
	if mod != nil {
		if rec, ok := mod.(ErrorRecorder); ok {
			rec.RecordError(ctx, phase, err)
			return
		}
	}
	if m.logger != nil {
		m.logger.Error("module manager error", "phase", phase, "code", err.Code)
	}
	if m.errRouter != nil {
		m.errRouter.HandleError(ctx, err, map[string]any{"source": "modmgr", "phase": phase})
	}
}

func (m *Manager) fire(name string, data any) {
	m.mu.Lock()
	bus := m.bus
	m.mu.Unlock()
	if bus == nil {
		return
	}
	_, _ = bus.Emit(context.Background(), name, data, eventbus.EmitOptions{})
}
