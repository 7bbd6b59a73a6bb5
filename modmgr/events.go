package modmgr

// Lifecycle event names. The manager emits the registered, unregistered
// and manager:* events on the shared event bus only; the module state
// events (initialized, stopped, shutdown, error) go to a BaseModule's
// local listeners and, when one is bound, the shared event bus.
const (
	EventModuleRegistered   = "module:registered"
	EventModuleUnregistered = "module:unregistered"
	EventModuleInitialized  = "module:initialized"
	EventModuleStopped      = "module:stopped"
	EventModuleShutdown     = "module:shutdown"
	EventModuleError        = "module:error"

	EventManagerInitialized = "manager:initialized"
	EventManagerShutdown    = "manager:shutdown"
)
