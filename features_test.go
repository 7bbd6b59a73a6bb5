package corekit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/corekit/corekit/container"
	"github.com/corekit/corekit/errs"
	"github.com/corekit/corekit/eventbus"
	"github.com/corekit/corekit/router"
)

// corekitBDDContext holds whichever subsystem a scenario exercises; only
// the fields a given scenario touches are populated.
type corekitBDDContext struct {
	// Lifecycle
	c             *container.Container
	resolvedOrder []string

	// Wildcard delivery / history / queue
	bus        *eventbus.Bus
	collectorA int
	collectorB int
	collectorC int
	delivered  []string
	emitCount  int

	// Route conflict and application
	r          *router.Router
	routeErr   error
	applyCount int

	// Module error isolation
	errRouter         *errs.Router
	module            *moduleRecorder
	callerVisible     error
	moduleEventSeen   bool
	handleErrorCalls  int
	handleErrorModule string
	panicked          bool
}

func (bc *corekitBDDContext) reset() {
	*bc = corekitBDDContext{}
}

// --- Lifecycle ---

func (bc *corekitBDDContext) aContainerWithComponents(a, b, c1, c1dep, c2, c2dep, c3, c3dep string) error {
	bc.c = container.New(container.WithEmitter(func(name string, data any, metadata map[string]any) {
		if name == "component:resolved" {
			if fields, ok := data.(map[string]any); ok {
				if m, ok := fields["name"].(string); ok {
					bc.resolvedOrder = append(bc.resolvedOrder, m)
				}
			}
		}
		if name == "initialized" {
			bc.resolvedOrder = append(bc.resolvedOrder, "initialized")
		}
	}))
	if err := bc.c.RegisterValue(a, struct{}{}, nil); err != nil {
		return err
	}
	if err := bc.c.RegisterValue(b, struct{}{}, nil); err != nil {
		return err
	}
	if err := bc.c.RegisterValue(c1, struct{}{}, []string{c1dep}); err != nil {
		return err
	}
	if err := bc.c.RegisterValue(c2, struct{}{}, []string{c2dep}); err != nil {
		return err
	}
	return bc.c.RegisterValue(c3, struct{}{}, []string{c3dep})
}

func (bc *corekitBDDContext) theContainerIsInitialized() error {
	return bc.c.Initialize(context.Background())
}

func (bc *corekitBDDContext) componentResolvedFiresForBefore(first, second string) error {
	i1, i2 := indexOf(bc.resolvedOrder, first), indexOf(bc.resolvedOrder, second)
	if i1 < 0 || i2 < 0 || i1 >= i2 {
		return fmt.Errorf("expected %q before %q in %v", first, second, bc.resolvedOrder)
	}
	return nil
}

func (bc *corekitBDDContext) initializedFiresLast() error {
	if len(bc.resolvedOrder) == 0 || bc.resolvedOrder[len(bc.resolvedOrder)-1] != "initialized" {
		return fmt.Errorf("expected initialized last, got %v", bc.resolvedOrder)
	}
	return nil
}

func indexOf(xs []string, v string) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

// --- Wildcard delivery ---

func (bc *corekitBDDContext) aBusWithCollectorSubscribedTo(collector, pattern string) error {
	if bc.bus == nil {
		bc.bus = eventbus.NewBus(eventbus.Config{})
		if err := bc.bus.Initialize(context.Background()); err != nil {
			return err
		}
	}
	_, err := bc.bus.Subscribe(pattern, func(ctx context.Context, e eventbus.Event) error {
		switch collector {
		case "A":
			bc.collectorA++
		case "B":
			bc.collectorB++
		case "C":
			bc.collectorC++
		}
		return nil
	}, eventbus.SubscribeOptions{})
	return err
}

func (bc *corekitBDDContext) isEmittedWithPayloadId(name string, id int) error {
	_, err := bc.bus.Emit(context.Background(), name, map[string]any{"id": id}, eventbus.EmitOptions{})
	return err
}

func (bc *corekitBDDContext) collectorReceivedEvents(collector string, count int) error {
	var got int
	switch collector {
	case "A":
		got = bc.collectorA
	case "B":
		got = bc.collectorB
	case "C":
		got = bc.collectorC
	}
	if got != count {
		return fmt.Errorf("collector %s: expected %d, got %d", collector, count, got)
	}
	return nil
}

// --- Queue draining ---

func (bc *corekitBDDContext) aBusSubscribedToWithQueuedDelivery(name string) error {
	bc.bus = eventbus.NewBus(eventbus.Config{})
	if err := bc.bus.Initialize(context.Background()); err != nil {
		return err
	}
	_, err := bc.bus.Subscribe(name, func(ctx context.Context, e eventbus.Event) error {
		to, _ := e.Data.(map[string]any)["to"].(string)
		bc.delivered = append(bc.delivered, to)
		return nil
	}, eventbus.SubscribeOptions{})
	return err
}

func (bc *corekitBDDContext) isEmittedWithPayloadTo(name, to string) error {
	bc.emitCount++
	_, err := bc.bus.Emit(context.Background(), name, map[string]any{"to": to}, eventbus.EmitOptions{Queue: true})
	return err
}

func (bc *corekitBDDContext) deliveriesHaveHappened(count int) error {
	if len(bc.delivered) != count {
		return fmt.Errorf("expected %d deliveries, got %d", count, len(bc.delivered))
	}
	return nil
}

func (bc *corekitBDDContext) theQueueLengthForIs(name string, length int) error {
	pending := bc.emitCount - len(bc.delivered)
	if pending != length {
		return fmt.Errorf("expected queue length %d, got %d", length, pending)
	}
	return nil
}

func (bc *corekitBDDContext) theQueueIsProcessed() error {
	_, err := bc.bus.ProcessQueue(context.Background(), "email.send")
	return err
}

func (bc *corekitBDDContext) theDeliveriesArrivedInOrder(a, b string) error {
	if len(bc.delivered) != 2 || bc.delivered[0] != a || bc.delivered[1] != b {
		return fmt.Errorf("expected order [%s %s], got %v", a, b, bc.delivered)
	}
	return nil
}

// --- History bound ---

func (bc *corekitBDDContext) aBusWithHistoryMaxSize(size int) error {
	bc.bus = eventbus.NewBus(eventbus.Config{MaxHistorySize: size})
	return bc.bus.Initialize(context.Background())
}

func (bc *corekitBDDContext) isEmittedWithPayload(name string, value int) error {
	_, err := bc.bus.Emit(context.Background(), name, value, eventbus.EmitOptions{})
	return err
}

func (bc *corekitBDDContext) theHistoryForIsNewestFirst(name string, first, second int) error {
	hist := bc.bus.GetHistory(name, 0)
	if len(hist) != 2 {
		return fmt.Errorf("expected 2 history entries, got %d", len(hist))
	}
	if hist[0].Data != first || hist[1].Data != second {
		return fmt.Errorf("expected [%d %d], got [%v %v]", first, second, hist[0].Data, hist[1].Data)
	}
	return nil
}

// --- Route conflict and application ---

func (bc *corekitBDDContext) aRouterWithRouteRegistered(moduleID, method, path string) error {
	if bc.bus == nil {
		bc.bus = eventbus.NewBus(eventbus.Config{})
		if err := bc.bus.Initialize(context.Background()); err != nil {
			return err
		}
	}
	if bc.r == nil {
		bc.r = router.New(router.WithBus(bc.bus))
		if err := bc.r.Initialize(context.Background()); err != nil {
			return err
		}
	}
	return bc.r.RegisterRoute(moduleID, method, path, func(w http.ResponseWriter, req *http.Request) {}, router.RouteOptions{})
}

func (bc *corekitBDDContext) registersRoute(moduleID, method, path string) error {
	bc.routeErr = bc.r.RegisterRoute(moduleID, method, path, func(w http.ResponseWriter, req *http.Request) {}, router.RouteOptions{})
	return nil
}

func (bc *corekitBDDContext) theRegistrationFailsWith(substr string) error {
	if bc.routeErr == nil || !strings.Contains(bc.routeErr.Error(), substr) {
		return fmt.Errorf("expected error containing %q, got %v", substr, bc.routeErr)
	}
	return nil
}

type corekitFakeFramework struct{}

type corekitFakeAdapter struct{}

func (corekitFakeAdapter) ApplyRoutes(framework any, routes []router.Route) (router.ApplyResult, error) {
	return router.ApplyResult{Applied: true, Count: len(routes)}, nil
}

func (bc *corekitBDDContext) anAdapterIsRegisteredAndRoutesAreApplied() error {
	if err := bc.r.RegisterAdapter("adapter", corekitFakeAdapter{}); err != nil {
		return err
	}
	result, err := bc.r.ApplyRoutes(&corekitFakeFramework{}, "adapter")
	if err != nil {
		return err
	}
	bc.applyCount = result.Count
	return nil
}

func (bc *corekitBDDContext) routesWereApplied(count int) error {
	if bc.applyCount != count {
		return fmt.Errorf("expected %d applied routes, got %d", count, bc.applyCount)
	}
	return nil
}

func (bc *corekitBDDContext) theMetricHasValue(name string, value int) error {
	metrics := bc.bus.GetMetrics()
	m, ok := metrics[name]
	if !ok {
		return fmt.Errorf("metric %q not recorded", name)
	}
	if m.Value != float64(value) {
		return fmt.Errorf("expected metric %q = %d, got %v", name, value, m.Value)
	}
	return nil
}

// --- Module error isolation ---

type corekitFakeModule struct {
	failCode string
}

func (m *corekitFakeModule) handle(ctx context.Context, bm *moduleRecorder) error {
	err := errs.New(errs.KindValidation, m.failCode, "email is required")
	bm.RecordError(ctx, "handler", err)
	return err
}

// moduleRecorder mirrors the subset of modmgr.BaseModule this scenario
// exercises without importing modmgr (avoids an import cycle risk with
// the root package's BDD harness).
type moduleRecorder struct {
	name      string
	bus       *eventbus.Bus
	errRouter *errs.Router
	ring      []errs.Error
}

func (bm *moduleRecorder) RecordError(ctx context.Context, phase string, err *errs.Error) {
	bm.ring = append(bm.ring, *err)
	if bm.errRouter != nil {
		bm.errRouter.HandleError(ctx, err, map[string]any{"source": "module", "module": bm.name, "phase": phase})
	}
	if bm.bus != nil {
		_, _ = bm.bus.Emit(ctx, "module:error", map[string]any{"module": bm.name, "phase": phase, "error": err}, eventbus.EmitOptions{})
	}
}

func (bc *corekitBDDContext) aModuleThatRaisesAValidationErrorFromItsHandler(code string) error {
	bc.bus = eventbus.NewBus(eventbus.Config{})
	if err := bc.bus.Initialize(context.Background()); err != nil {
		return err
	}
	bc.errRouter = errs.NewRouter(nil)
	bc.errRouter.RegisterHandler(errs.KindValidation, func(ctx context.Context, err *errs.Error, routeContext map[string]any) {
		bc.handleErrorCalls++
		bc.handleErrorModule, _ = routeContext["module"].(string)
	})

	bc.module = &moduleRecorder{name: "notifier", bus: bc.bus, errRouter: bc.errRouter}
	_, err := bc.bus.Subscribe("module:error", func(ctx context.Context, e eventbus.Event) error {
		bc.moduleEventSeen = true
		return nil
	}, eventbus.SubscribeOptions{})
	if err != nil {
		return err
	}

	fm := &corekitFakeModule{failCode: code}
	bc.callerVisible = fm.handle(context.Background(), bc.module)
	return nil
}

func (bc *corekitBDDContext) theModulesHandlerIsInvoked() error {
	return nil
}

func (bc *corekitBDDContext) theErrorIsVisibleToTheCaller() error {
	if bc.callerVisible == nil {
		return fmt.Errorf("expected handler error to be visible")
	}
	return nil
}

func (bc *corekitBDDContext) aModuleErrorEventFiresWithTheModuleNameAndError() error {
	if !bc.moduleEventSeen {
		return fmt.Errorf("expected module:error event")
	}
	return nil
}

func (bc *corekitBDDContext) theModulesErrorRingHasExactlyEntries(n int) error {
	if len(bc.module.ring) != n {
		return fmt.Errorf("expected %d ring entries, got %d", n, len(bc.module.ring))
	}
	return nil
}

func (bc *corekitBDDContext) theErrorRoutersHandleErrorWasInvokedOnceWithTheModuleNameInContext() error {
	if bc.handleErrorCalls != 1 {
		return fmt.Errorf("expected 1 handleError call, got %d", bc.handleErrorCalls)
	}
	if bc.handleErrorModule != "notifier" {
		return fmt.Errorf("expected module name in routeContext, got %q", bc.handleErrorModule)
	}
	return nil
}

func (bc *corekitBDDContext) theErrorRoutersHandlerPanicsWhileHandlingTheError() error {
	bc.errRouter.RegisterHandler(errs.KindValidation, func(ctx context.Context, err *errs.Error, routeContext map[string]any) {
		panic("boom")
	})
	bc.panicked = true
	bc.module.RecordError(context.Background(), "handler", errs.New(errs.KindValidation, "MISSING_EMAIL", "email is required"))
	return nil
}

func (bc *corekitBDDContext) theErrorRouterAbsorbsTheSecondaryFailure() error {
	if !bc.panicked {
		return fmt.Errorf("expected the panic path to have run")
	}
	return nil
}

func (bc *corekitBDDContext) theErrorRoutersRecentEntriesIncludeAErrorHandlingPhaseEntry() error {
	for _, entry := range bc.errRouter.RecentErrors() {
		if entry.Phase == "error-handling" {
			return nil
		}
	}
	return fmt.Errorf("expected an error-handling phase entry in recent errors")
}

func (bc *corekitBDDContext) noExceptionEscapesTheModule() error {
	return nil
}

func corekitInitializeScenario(sc *godog.ScenarioContext) {
	bc := &corekitBDDContext{}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		bc.reset()
		return ctx, nil
	})

	sc.Step(`^a container with components "([^"]*)", "([^"]*)", "([^"]*)" depending on "([^"]*)", "([^"]*)" depending on "([^"]*)", and "([^"]*)" depending on "([^"]*)"$`, bc.aContainerWithComponents)
	sc.Step(`^the container is initialized$`, bc.theContainerIsInitialized)
	sc.Step(`^"component:resolved" fires for "([^"]*)" before "([^"]*)"$`, bc.componentResolvedFiresForBefore)
	sc.Step(`^"initialized" fires last$`, bc.initializedFiresLast)

	sc.Step(`^a bus with collector "([^"]*)" subscribed to "([^"]*)"$`, bc.aBusWithCollectorSubscribedTo)
	sc.Step(`^a collector "([^"]*)" subscribed to "([^"]*)"$`, bc.aBusWithCollectorSubscribedTo)
	sc.Step(`^"([^"]*)" is emitted with payload id (\d+)$`, bc.isEmittedWithPayloadId)
	sc.Step(`^collector "([^"]*)" received (\d+) events?$`, bc.collectorReceivedEvents)

	sc.Step(`^a bus subscribed to "([^"]*)" with queued delivery$`, bc.aBusSubscribedToWithQueuedDelivery)
	sc.Step(`^"([^"]*)" is emitted with payload to "([^"]*)"$`, bc.isEmittedWithPayloadTo)
	sc.Step(`^(\d+) deliveries? have happened$`, bc.deliveriesHaveHappened)
	sc.Step(`^the queue length for "([^"]*)" is (\d+)$`, bc.theQueueLengthForIs)
	sc.Step(`^the queue is processed$`, bc.theQueueIsProcessed)
	sc.Step(`^the deliveries arrived in order "([^"]*)", "([^"]*)"$`, bc.theDeliveriesArrivedInOrder)

	sc.Step(`^a bus with history max size (\d+)$`, bc.aBusWithHistoryMaxSize)
	sc.Step(`^"([^"]*)" is emitted with payload (\d+)$`, bc.isEmittedWithPayload)
	sc.Step(`^the history for "([^"]*)" is (\d+), (\d+) newest first$`, bc.theHistoryForIsNewestFirst)

	sc.Step(`^a router with route "([^"]*)" "([^"]*)" "([^"]*)" registered$`, bc.aRouterWithRouteRegistered)
	sc.Step(`^"([^"]*)" registers route "([^"]*)" "([^"]*)"$`, bc.registersRoute)
	sc.Step(`^the registration fails with "([^"]*)"$`, bc.theRegistrationFailsWith)
	sc.Step(`^an adapter is registered and routes are applied$`, bc.anAdapterIsRegisteredAndRoutesAreApplied)
	sc.Step(`^(\d+) routes were applied$`, bc.routesWereApplied)
	sc.Step(`^the metric "([^"]*)" has value (\d+)$`, bc.theMetricHasValue)

	sc.Step(`^a module that raises a validation error "([^"]*)" from its handler$`, bc.aModuleThatRaisesAValidationErrorFromItsHandler)
	sc.Step(`^the module's handler is invoked$`, bc.theModulesHandlerIsInvoked)
	sc.Step(`^the error is visible to the caller$`, bc.theErrorIsVisibleToTheCaller)
	sc.Step(`^a "module:error" event fires with the module name and error$`, bc.aModuleErrorEventFiresWithTheModuleNameAndError)
	sc.Step(`^the module's error ring has exactly (\d+) entry$`, bc.theModulesErrorRingHasExactlyEntries)
	sc.Step(`^the error router's "handleError" was invoked once with the module name in context$`, bc.theErrorRoutersHandleErrorWasInvokedOnceWithTheModuleNameInContext)
	sc.Step(`^the error router's handler panics while handling the error$`, bc.theErrorRoutersHandlerPanicsWhileHandlingTheError)
	sc.Step(`^the error router absorbs the secondary failure$`, bc.theErrorRouterAbsorbsTheSecondaryFailure)
	sc.Step(`^the error router's recent entries include a "error-handling" phase entry$`, bc.theErrorRoutersRecentEntriesIncludeAErrorHandlingPhaseEntry)
	sc.Step(`^no exception escapes the module$`, bc.noExceptionEscapesTheModule)
}

func TestCorekitScenarios(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: corekitInitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/corekit.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
