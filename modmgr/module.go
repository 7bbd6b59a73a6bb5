// Package modmgr implements the Module Manager and Base Module: module
// registration, dependency-ordered lifecycle orchestration, per-module
// health probing, and contextual error reporting.
package modmgr

import (
	"context"

	"github.com/corekit/corekit/eventbus"
)

// Module is the minimal capability every registered module must provide.
// Additional lifecycle hooks are adopted via the optional interfaces
// below, each probed with a type assertion — dependency declaration is
// modeled as an explicit interface rather than reflection over struct
// tags.
type Module interface {
	Name() string
}

// DependencyAware lets a module declare which other modules must be
// initialized before it.
type DependencyAware interface {
	Dependencies() []string
}

// ConfigValidator lets a module reject its own configuration before
// onConfigure runs.
type ConfigValidator interface {
	ValidateConfig(cfg map[string]any) error
}

// Configurer applies configuration to the module's internal state.
type Configurer interface {
	OnConfigure(cfg map[string]any) error
}

// EventHandlerSetup subscribes the module to bus events during
// initialization, returning the subscription ids it should be
// unsubscribed from during shutdown.
type EventHandlerSetup interface {
	SetupEventHandlers(ctx context.Context, bus *eventbus.Bus) ([]string, error)
}

// HealthCheckSetup registers module-specific health checks beyond the
// default "<module>.state" check the manager installs for every module
// that reports a State.
type HealthCheckSetup interface {
	SetupHealthChecks(ctx context.Context) (map[string]eventbus.HealthCheckFunc, error)
}

// Initializer finalizes module setup once all earlier hooks have run.
type Initializer interface {
	OnInitialize(ctx context.Context) error
}

// Shutdowner releases module-held resources during manager shutdown.
type Shutdowner interface {
	OnShutdown(ctx context.Context) error
}

// State is a module's position in the actor lifecycle state machine.
type State string

const (
	StateCreated             State = "created"
	StateInitializing        State = "initializing"
	StateConfiguring         State = "configuring"
	StateSetup               State = "setup"
	StateInitializingModule  State = "initializing_module"
	StateRunning             State = "running"
	StateShuttingDown        State = "shutting_down"
	StateShutdown            State = "shutdown"
	StateError               State = "error"
)
