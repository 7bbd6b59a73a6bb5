package eventbus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corekit/corekit/errs"
)

type busState int

const (
	stateCreated busState = iota
	stateRunning
	stateError
	stateShutdown
)

// Handler processes a delivered event. A Handler returning an error during
// queue drain aborts that drain; during direct emit, the error is
// routed through the bus's error router and the remaining handlers
// for that emit still run.
type Handler func(ctx context.Context, event Event) error

type subscriptionKind int

const (
	kindExact subscriptionKind = iota
	kindWildcardAll
	kindGlob
)

type subscription struct {
	id      string
	pattern string
	kind    subscriptionKind
	handler Handler
	regex   *regexp.Regexp
}

// HealthCheckFunc reports a subsystem's health. Returning an error marks
// the check unhealthy without panicking the prober.
type HealthCheckFunc func(ctx context.Context) (map[string]any, error)

// Metric is the last-write-wins value recorded by RecordMetric.
type Metric struct {
	Value     float64
	Tags      map[string]string
	Timestamp time.Time
}

// Config configures a Bus. MaxHistorySize is read from the
// eventHistory.maxSize configuration path described in SPEC_FULL.md §2.3.
type Config struct {
	MaxHistorySize int
}

type busLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Bus is the pub/sub core. It is safe for concurrent use: bookkeeping
// (history, subscriptions, queues, metrics) is protected by a mutex, but
// handlers are invoked outside the lock, synchronously, one at a time per
// Emit/processQueue call — a single-threaded cooperative scheduling
// model, serialized rather than dispatched onto goroutines.
type Bus struct {
	mu sync.Mutex

	state busState

	direct      map[string][]*subscription // keyed by exact event name
	globbed     []*subscription
	wildcardAll []*subscription
	byID        map[string]*subscription

	queues  map[string][]Event
	history map[string][]Event

	metrics      map[string]Metric
	healthChecks map[string]HealthCheckFunc

	maxHistorySize int
	logger         busLogger
	errRouter      *errs.Router
}

// Option configures a Bus at construction time.
type Option func(*Bus)

func WithLogger(l busLogger) Option    { return func(b *Bus) { b.logger = l } }
func WithErrorRouter(r *errs.Router) Option { return func(b *Bus) { b.errRouter = r } }

// NewBus constructs a Bus in the "created" state. Call Initialize before
// relying on state-machine guarantees; Emit/Subscribe work immediately for
// convenience in tests and simple wiring.
func NewBus(cfg Config, opts ...Option) *Bus {
	maxHistory := cfg.MaxHistorySize
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	b := &Bus{
		state:          stateCreated,
		direct:         make(map[string][]*subscription),
		byID:           make(map[string]*subscription),
		queues:         make(map[string][]Event),
		history:        make(map[string][]Event),
		metrics:        make(map[string]Metric),
		healthChecks:   make(map[string]HealthCheckFunc),
		maxHistorySize: maxHistory,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.RegisterHealthCheck("state", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"state": b.stateString()}, nil
	})
	return b
}

// Initialize transitions the bus from "created" to "running". Calling it
// from any other state is an error.
func (b *Bus) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateCreated {
		err := errs.NewEvent("NOT_CREATED", "bus initialize is only valid from the created state")
		b.routeErrorLocked(err, map[string]any{"source": "bus.initialize"})
		return err
	}
	b.state = stateRunning
	return nil
}

func (b *Bus) stateString() string {
	switch b.state {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateError:
		return "error"
	case stateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// EmitOptions controls Emit's queuing and metadata behavior.
type EmitOptions struct {
	Queue     bool
	Immediate bool
	Metadata  map[string]any
}

// Emit constructs an event and either queues it or delivers it
// synchronously to every matching subscriber. History is always appended,
// even when queued.
func (b *Bus) Emit(ctx context.Context, name string, data any, opts EmitOptions) (Event, error) {
	if name == "" {
		err := errs.NewEvent("INVALID_EVENT_NAME", "event name must be a non-empty string")
		b.routeError(err, map[string]any{"source": "bus.emit"})
		return Event{}, err
	}

	event := newEvent(name, data, opts.Metadata)

	b.mu.Lock()
	b.appendHistoryLocked(name, event)
	b.recordMetricLocked("eventbus.events.emitted", 1, map[string]string{"eventName": name, "queued": fmt.Sprintf("%v", opts.Queue)})
	if opts.Queue {
		b.queues[name] = append(b.queues[name], event)
		b.recordMetricLocked("eventbus.queued", float64(len(b.queues[name])), map[string]string{"eventName": name})
	}
	b.mu.Unlock()

	if opts.Queue {
		if opts.Immediate {
			if _, err := b.ProcessQueue(ctx, name); err != nil {
				return event, err
			}
		}
		return event, nil
	}

	b.deliver(ctx, event)
	return event, nil
}

// deliver invokes matching handlers in a fixed order: direct listeners
// first, then globbed pattern listeners, then "*" wildcard-all
// listeners — each exactly once per subscription.
func (b *Bus) deliver(ctx context.Context, event Event) {
	b.mu.Lock()
	direct := append([]*subscription{}, b.direct[event.Name]...)
	var matched []*subscription
	for _, sub := range b.globbed {
		if sub.regex.MatchString(event.Name) {
			matched = append(matched, sub)
		}
	}
	wildcard := append([]*subscription{}, b.wildcardAll...)
	b.mu.Unlock()

	for _, sub := range direct {
		b.invoke(ctx, sub, event)
	}
	for _, sub := range matched {
		b.invoke(ctx, sub, event)
	}
	for _, sub := range wildcard {
		b.invoke(ctx, sub, event)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, event Event) {
	if err := sub.handler(ctx, event); err != nil {
		wrapped := errs.NewEvent("HANDLER_ERROR", "event handler returned an error",
			errs.WithCause(err), errs.WithDetails(map[string]any{"eventId": event.ID, "pattern": sub.pattern}))
		b.routeError(wrapped, map[string]any{"source": "bus.deliver", "pattern": sub.pattern})
	}
}

// SubscribeOptions reserved for forward-compatible subscription tuning;
// currently empty but kept so Subscribe's signature doesn't need to
// change when options are added.
type SubscribeOptions struct{}

// Subscribe registers handler against pattern, classifying it as exact,
// "*" (wildcard-all), or globbed (containing "*", compiled with `*` →
// `[^.]*`, i.e. matching within one dot-delimited segment).
func (b *Bus) Subscribe(pattern string, handler Handler, _ SubscribeOptions) (string, error) {
	if pattern == "" {
		err := errs.NewEvent("INVALID_PATTERN", "subscription pattern must be a non-empty string")
		b.routeError(err, map[string]any{"source": "bus.subscribe"})
		return "", err
	}
	if handler == nil {
		err := errs.NewEvent("INVALID_HANDLER", "subscription handler must not be nil")
		b.routeError(err, map[string]any{"source": "bus.subscribe"})
		return "", err
	}

	sub := &subscription{id: uuid.NewString(), pattern: pattern, handler: handler}
	switch {
	case pattern == "*":
		sub.kind = kindWildcardAll
	case strings.Contains(pattern, "*"):
		sub.kind = kindGlob
		sub.regex = compileGlob(pattern)
	default:
		sub.kind = kindExact
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch sub.kind {
	case kindExact:
		b.direct[pattern] = append(b.direct[pattern], sub)
	case kindGlob:
		b.globbed = append(b.globbed, sub)
	case kindWildcardAll:
		b.wildcardAll = append(b.wildcardAll, sub)
	}
	b.byID[sub.id] = sub
	return sub.id, nil
}

// compileGlob turns a pattern like "user.*" into a regex matching exactly
// one dot-delimited segment per "*", per DESIGN.md's Open Question
// decision.
func compileGlob(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	exprStr := "^" + strings.Join(parts, "[^.]*") + "$"
	return regexp.MustCompile(exprStr)
}

// Unsubscribe removes the subscription identified by id.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		err := errs.NewEvent("HANDLER_NOT_FOUND", fmt.Sprintf("no subscription with id %q", id))
		b.routeErrorLocked(err, map[string]any{"source": "bus.unsubscribe", "id": id})
		return err
	}
	delete(b.byID, id)
	switch sub.kind {
	case kindExact:
		b.direct[sub.pattern] = removeSub(b.direct[sub.pattern], id)
		if len(b.direct[sub.pattern]) == 0 {
			delete(b.direct, sub.pattern)
		}
	case kindGlob:
		b.globbed = removeSub(b.globbed, id)
	case kindWildcardAll:
		b.wildcardAll = removeSub(b.wildcardAll, id)
	}
	b.recordMetricLocked("eventbus.unsubscriptions", 1, map[string]string{"pattern": sub.pattern})
	return nil
}

func removeSub(subs []*subscription, id string) []*subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// ProcessQueue drains the named queue in FIFO order, delivering each event
// synchronously without re-queueing or re-appending to history. A handler
// error aborts the drain, leaving the remaining events in the queue.
func (b *Bus) ProcessQueue(ctx context.Context, name string) (int, error) {
	start := time.Now()
	processed := 0
	for {
		b.mu.Lock()
		queue := b.queues[name]
		if len(queue) == 0 {
			b.mu.Unlock()
			break
		}
		event := queue[0]
		b.mu.Unlock()

		if err := b.deliverQueued(ctx, event); err != nil {
			wrapped := errs.NewEvent("HANDLER_ERROR", "queue handler returned an error",
				errs.WithCause(err), errs.WithDetails(map[string]any{"eventId": event.ID, "queue": name}))
			b.routeError(wrapped, map[string]any{"source": "bus.processQueue", "queue": name})
			return processed, wrapped
		}

		b.mu.Lock()
		// The event we just processed may no longer be at the front if a
		// concurrent Reset/Shutdown ran; only pop if it still matches.
		if q := b.queues[name]; len(q) > 0 && q[0].ID == event.ID {
			b.queues[name] = q[1:]
		}
		b.mu.Unlock()
		processed++
	}

	b.mu.Lock()
	b.recordMetricLocked("eventbus.queue.processed", float64(processed), map[string]string{
		"queueName": name, "processingTime": time.Since(start).String(),
	})
	b.mu.Unlock()
	return processed, nil
}

// deliverQueued is like deliver but returns the first handler error
// instead of swallowing it, since a queue drain must abort on failure.
func (b *Bus) deliverQueued(ctx context.Context, event Event) error {
	b.mu.Lock()
	direct := append([]*subscription{}, b.direct[event.Name]...)
	var matched []*subscription
	for _, sub := range b.globbed {
		if sub.regex.MatchString(event.Name) {
			matched = append(matched, sub)
		}
	}
	wildcard := append([]*subscription{}, b.wildcardAll...)
	b.mu.Unlock()

	for _, sub := range append(append(direct, matched...), wildcard...) {
		if err := sub.handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// ProcessAllQueues drains every non-empty queue, visiting queues in
// arbitrary order but each queue in FIFO. A queue whose drain aborts does
// not prevent other queues from draining.
func (b *Bus) ProcessAllQueues(ctx context.Context) map[string]int {
	b.mu.Lock()
	names := make([]string, 0, len(b.queues))
	for name, q := range b.queues {
		if len(q) > 0 {
			names = append(names, name)
		}
	}
	b.mu.Unlock()

	result := make(map[string]int, len(names))
	for _, name := range names {
		count, _ := b.ProcessQueue(ctx, name)
		result[name] = count
	}
	return result
}

// GetHistory returns a newest-first snapshot of up to limit events
// recorded for name (0 = unlimited).
func (b *Bus) GetHistory(name string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.history[name]
	out := make([]Event, len(bucket))
	for i, e := range bucket {
		out[len(bucket)-1-i] = e
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// GetAllHistory returns a newest-first snapshot across every event name.
func (b *Bus) GetAllHistory(limit int) []Event {
	b.mu.Lock()
	var all []Event
	for _, bucket := range b.history {
		all = append(all, bucket...)
	}
	b.mu.Unlock()

	sortNewestFirst(all)
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

func sortNewestFirst(events []Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.After(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

func (b *Bus) appendHistoryLocked(name string, event Event) {
	bucket := append(b.history[name], event)
	if len(bucket) > b.maxHistorySize {
		bucket = bucket[len(bucket)-b.maxHistorySize:]
	}
	b.history[name] = bucket
}

// Reset clears queues and history but preserves subscriptions.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = make(map[string][]Event)
	b.history = make(map[string][]Event)
}

// RegisterHealthCheck registers fn under name for CheckHealth to run.
func (b *Bus) RegisterHealthCheck(name string, fn HealthCheckFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthChecks[name] = fn
}

// CheckHealth runs every registered health check, recording a failure as
// {"status": "error", "error": ...} rather than propagating it.
func (b *Bus) CheckHealth(ctx context.Context) map[string]any {
	b.mu.Lock()
	checks := make(map[string]HealthCheckFunc, len(b.healthChecks))
	for name, fn := range b.healthChecks {
		checks[name] = fn
	}
	b.mu.Unlock()

	result := make(map[string]any, len(checks))
	for name, fn := range checks {
		result[name] = runHealthCheck(ctx, fn)
	}
	return result
}

// runHealthCheck invokes fn, recovering a panic into an error result so one
// misbehaving check can't take down the whole aggregation.
func runHealthCheck(ctx context.Context, fn HealthCheckFunc) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			result = map[string]any{"status": "error", "error": fmt.Sprintf("health check panicked: %v", r)}
		}
	}()
	details, err := fn(ctx)
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error()}
	}
	return details
}

// RecordMetric records value under name, last-write-wins.
func (b *Bus) RecordMetric(name string, value float64, tags map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordMetricLocked(name, value, tags)
}

func (b *Bus) recordMetricLocked(name string, value float64, tags map[string]string) {
	b.metrics[name] = Metric{Value: value, Tags: tags, Timestamp: time.Now().UTC()}
}

// GetMetrics returns a snapshot of every recorded metric.
func (b *Bus) GetMetrics() map[string]Metric {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Metric, len(b.metrics))
	for k, v := range b.metrics {
		out[k] = v
	}
	return out
}

// Shutdown clears listeners, queues, history, and subscriptions. It is a
// no-op, without re-emitting, except when called from the running state.
func (b *Bus) Shutdown(ctx context.Context) {
	b.mu.Lock()
	if b.state != stateRunning {
		b.mu.Unlock()
		return
	}
	b.direct = make(map[string][]*subscription)
	b.globbed = nil
	b.wildcardAll = nil
	b.byID = make(map[string]*subscription)
	b.queues = make(map[string][]Event)
	b.history = make(map[string][]Event)
	b.state = stateShutdown
	b.mu.Unlock()

	_, _ = b.Emit(ctx, "system:shutdown", nil, EmitOptions{})
}

func (b *Bus) routeError(err *errs.Error, routeContext map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeErrorLocked(err, routeContext)
}

func (b *Bus) routeErrorLocked(err *errs.Error, routeContext map[string]any) {
	if b.logger != nil {
		b.logger.Error(err.Message, "kind", err.Kind, "code", err.Code)
	}
	if b.errRouter != nil {
		b.errRouter.HandleError(context.Background(), err, routeContext)
	}
}
