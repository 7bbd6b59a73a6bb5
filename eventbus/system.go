package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/corekit/corekit/errs"
)

// System is a thin supervisor owning one Bus: it forwards system-level
// events upward to its own local listeners and aggregates health.
type System struct {
	mu        sync.Mutex
	bus       *Bus
	cfg       Config
	opts      []Option
	listeners map[string][]Handler
	errRouter *errs.Router
	logger    busLogger

	forwardIDs []string
}

// SystemOption configures a System at construction time.
type SystemOption func(*System)

func WithSystemLogger(l busLogger) SystemOption { return func(s *System) { s.logger = l } }
func WithSystemErrorRouter(r *errs.Router) SystemOption {
	return func(s *System) { s.errRouter = r }
}
func WithSystemBusOptions(opts ...Option) SystemOption {
	return func(s *System) { s.opts = append(s.opts, opts...) }
}

// NewSystem constructs an uninitialized System; call Initialize to create
// its backing Bus.
func NewSystem(cfg Config, opts ...SystemOption) *System {
	s := &System{cfg: cfg, listeners: make(map[string][]Handler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize constructs the backing Bus, wires one-way forwarding of
// system-level events to the System's own local listeners, installs
// default health checks, and emits system:initialized.
func (s *System) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.bus != nil {
		s.mu.Unlock()
		return errs.NewEvent("ALREADY_INITIALIZED", "event bus system already initialized")
	}
	busOpts := append([]Option{}, s.opts...)
	if s.logger != nil {
		busOpts = append(busOpts, WithLogger(s.logger))
	}
	if s.errRouter != nil {
		busOpts = append(busOpts, WithErrorRouter(s.errRouter))
	}
	bus := NewBus(s.cfg, busOpts...)
	s.bus = bus
	s.mu.Unlock()

	if err := bus.Initialize(ctx); err != nil {
		return err
	}

	systemID, err := bus.Subscribe("system:*", func(ctx context.Context, event Event) error {
		s.localEmit(event.Name, event)
		return nil
	}, SubscribeOptions{})
	if err != nil {
		return err
	}

	otherID, err := bus.Subscribe("*", func(ctx context.Context, event Event) error {
		if strings.HasPrefix(event.Name, "system:") {
			return nil
		}
		s.localEmit(event.Name, event)
		return nil
	}, SubscribeOptions{})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.forwardIDs = []string{systemID, otherID}
	s.mu.Unlock()

	bus.RegisterHealthCheck("eventBus", func(ctx context.Context) (map[string]any, error) {
		return bus.CheckHealth(ctx), nil
	})

	_, _ = bus.Emit(ctx, "system:initialized", nil, EmitOptions{})
	return nil
}

// GetEventBus returns the backing Bus, or Event/NOT_INITIALIZED before
// Initialize has run.
func (s *System) GetEventBus() (*Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return nil, errs.NewEvent("NOT_INITIALIZED", "event bus system has not been initialized")
	}
	return s.bus, nil
}

// On registers a local listener for name, receiving events forwarded up
// from the backing bus (or emitted locally via Emit).
func (s *System) On(name string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[name] = append(s.listeners[name], handler)
}

func (s *System) localEmit(name string, event Event) {
	s.mu.Lock()
	handlers := append([]Handler{}, s.listeners[name]...)
	router := s.errRouter
	s.mu.Unlock()

	for _, h := range handlers {
		if err := h(context.Background(), event); err != nil && router != nil {
			wrapped := errs.NewEvent("FORWARDING_HANDLER_FAILED", "system listener failed",
				errs.WithCause(err), errs.WithDetails(map[string]any{"name": name}))
			router.HandleError(context.Background(), wrapped, map[string]any{"source": "eventbus.system"})
		}
	}
}

// Emit delegates to the backing bus; failures are captured via the error
// router rather than propagated.
func (s *System) Emit(ctx context.Context, name string, data any, opts EmitOptions) {
	bus, err := s.GetEventBus()
	if err != nil {
		if s.errRouter != nil {
			s.errRouter.HandleError(ctx, err.(*errs.Error), map[string]any{"source": "eventbus.system.emit"})
		}
		return
	}
	if _, err := bus.Emit(ctx, name, data, opts); err != nil && s.errRouter != nil {
		s.errRouter.HandleError(ctx, err.(*errs.Error), map[string]any{"source": "eventbus.system.emit"})
	}
}

// Shutdown tears down the backing bus, emitting system:shutdown.
func (s *System) Shutdown(ctx context.Context) error {
	bus, err := s.GetEventBus()
	if err != nil {
		return nil
	}
	bus.Shutdown(ctx)
	return nil
}
