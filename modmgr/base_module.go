package modmgr

import (
	"context"
	"sync"
	"time"

	"github.com/corekit/corekit/errs"
	"github.com/corekit/corekit/eventbus"
)

const moduleErrorRingCap = 100

// ModuleError records one error observed during a module's lifecycle,
// kept in a bounded ring per BaseModule.
type ModuleError struct {
	Err       *errs.Error
	Phase     string
	Timestamp time.Time
}

// LocalHandler receives a module-scoped lifecycle event.
type LocalHandler func(ctx context.Context, data any)

// BaseModule is the embeddable lifecycle skeleton modules build on: it
// tracks state, maintains a local listener registry alongside optional
// forwarding to the shared event bus (dual emission), and keeps a
// bounded ring of its own errors for inspection.
type BaseModule struct {
	mu        sync.Mutex
	name      string
	deps      []string
	state     State
	bus       *eventbus.Bus
	listeners map[string][]LocalHandler
	errs      []ModuleError
	errHead   int
	errFilled bool
	errRouter *errs.Router
	logger    moduleLogger
}

type moduleLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewBaseModule constructs a BaseModule in StateCreated.
func NewBaseModule(name string, deps []string) *BaseModule {
	return &BaseModule{
		name:      name,
		deps:      append([]string{}, deps...),
		state:     StateCreated,
		listeners: make(map[string][]LocalHandler),
		errs:      make([]ModuleError, moduleErrorRingCap),
	}
}

func (m *BaseModule) Name() string           { return m.name }
func (m *BaseModule) Dependencies() []string { return append([]string{}, m.deps...) }

// State returns the module's current lifecycle state.
func (m *BaseModule) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BindBus attaches the shared bus this module forwards lifecycle events
// to. Calling with nil detaches it.
func (m *BaseModule) BindBus(bus *eventbus.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = bus
}

// SetErrorRouter sets the router module errors are reported through.
func (m *BaseModule) SetErrorRouter(r *errs.Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errRouter = r
}

// SetLogger sets the logger used for module diagnostics.
func (m *BaseModule) SetLogger(l moduleLogger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// On registers a local listener for a module-scoped event name.
func (m *BaseModule) On(name string, handler LocalHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[name] = append(m.listeners[name], handler)
}

// setState transitions state and emits name with {from,to} data, both
// locally and, if bound, on the shared bus as "<name>" with the module
// name in metadata.
func (m *BaseModule) setState(ctx context.Context, name string, newState State) {
	m.mu.Lock()
	old := m.state
	m.state = newState
	m.mu.Unlock()
	m.emit(ctx, name, map[string]any{"module": m.name, "from": old, "to": newState})
}

func (m *BaseModule) emit(ctx context.Context, name string, data any) {
	m.mu.Lock()
	handlers := append([]LocalHandler{}, m.listeners[name]...)
	bus := m.bus
	m.mu.Unlock()

	for _, h := range handlers {
		h(ctx, data)
	}
	if bus != nil {
		_, _ = bus.Emit(ctx, name, data, eventbus.EmitOptions{Metadata: map[string]any{"module": m.name}})
	}
}

// RecordError appends err to the module's bounded error ring, routes it
// through the configured error router, and transitions to StateError.
func (m *BaseModule) RecordError(ctx context.Context, phase string, err *errs.Error) {
	m.mu.Lock()
	m.errs[m.errHead] = ModuleError{Err: err, Phase: phase, Timestamp: time.Now().UTC()}
	m.errHead = (m.errHead + 1) % moduleErrorRingCap
	if m.errHead == 0 {
		m.errFilled = true
	}
	router := m.errRouter
	logger := m.logger
	m.state = StateError
	m.mu.Unlock()

	if logger != nil {
		logger.Error("module error", "module", m.name, "phase", phase, "code", err.Code)
	}
	if router != nil {
		router.HandleError(ctx, err, map[string]any{"source": "module", "module": m.name, "phase": phase})
	}
	m.emit(ctx, EventModuleError, map[string]any{"module": m.name, "phase": phase, "error": err})
}

// Errors returns recorded errors, oldest first.
func (m *BaseModule) Errors() []ModuleError {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.errFilled {
		out := make([]ModuleError, m.errHead)
		copy(out, m.errs[:m.errHead])
		return out
	}
	out := make([]ModuleError, moduleErrorRingCap)
	copy(out, m.errs[m.errHead:])
	copy(out[moduleErrorRingCap-m.errHead:], m.errs[:m.errHead])
	return out
}
