package container

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekit/corekit/internal/digraph"
)

type recordingService struct {
	initialized bool
	shutdownOk  bool
}

func (s *recordingService) Initialize(ctx context.Context) error {
	s.initialized = true
	return nil
}

func (s *recordingService) Shutdown(ctx context.Context) error {
	s.shutdownOk = true
	return nil
}

func TestRegisterDuplicateFails(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterValue("db", 1, nil))
	err := c.RegisterValue("db", 2, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DUPLICATE_COMPONENT")
}

func TestResolveUnknownComponent(t *testing.T) {
	c := New()
	_, err := c.Resolve(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNKNOWN_COMPONENT")
}

func TestResolveSingletonIdentity(t *testing.T) {
	c := New()
	calls := 0
	require.NoError(t, c.RegisterFactory("svc", nil, true, func(ctx context.Context, deps map[string]any) (any, error) {
		calls++
		return &recordingService{}, nil
	}))

	a, err := c.Resolve(context.Background(), "svc")
	require.NoError(t, err)
	b, err := c.Resolve(context.Background(), "svc")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)
}

func TestResolveNonSingletonDistinct(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterFactory("svc", nil, false, func(ctx context.Context, deps map[string]any) (any, error) {
		return &recordingService{}, nil
	}))

	a, err := c.Resolve(context.Background(), "svc")
	require.NoError(t, err)
	b, err := c.Resolve(context.Background(), "svc")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
}

func TestInitializeDetectsCycle(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterFactory("a", []string{"b"}, true, noopFactory))
	require.NoError(t, c.RegisterFactory("b", []string{"a"}, true, noopFactory))

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CIRCULAR_DEPENDENCY")
}

func TestInitializeDetectsMissingDependency(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterFactory("a", []string{"ghost"}, true, noopFactory))

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING_DEPENDENCY")
}

func TestInitializeTwiceFails(t *testing.T) {
	c := New()
	require.NoError(t, c.Initialize(context.Background()))
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALREADY_INITIALIZED")
}

func TestInitializePrefersLeadingOrder(t *testing.T) {
	c := New()
	var order []string
	build := func(name string) Factory {
		return func(ctx context.Context, deps map[string]any) (any, error) {
			order = append(order, name)
			return name, nil
		}
	}
	require.NoError(t, c.RegisterFactory("service", []string{"eventBusSystem"}, true, build("service")))
	require.NoError(t, c.RegisterFactory("eventBusSystem", nil, true, build("eventBusSystem")))
	require.NoError(t, c.RegisterFactory("config", nil, true, build("config")))
	require.NoError(t, c.RegisterFactory("errorSystem", nil, true, build("errorSystem")))

	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, []string{"errorSystem", "config", "eventBusSystem", "service"}, order)
}

func TestLifecycleCallbacksFired(t *testing.T) {
	c := New()
	svc := &recordingService{}
	require.NoError(t, c.RegisterValue("svc", svc, nil))
	require.NoError(t, c.Initialize(context.Background()))
	assert.True(t, svc.initialized)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, svc.shutdownOk)
}

func TestShutdownIdempotent(t *testing.T) {
	c := New()
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestLifecycleEventsEmitted(t *testing.T) {
	var names []string
	c := New(WithEmitter(func(name string, data any, metadata map[string]any) {
		names = append(names, name)
	}))
	require.NoError(t, c.RegisterValue("svc", &recordingService{}, nil))
	require.NoError(t, c.Initialize(context.Background()))

	assert.Contains(t, names, "component:registered")
	assert.Contains(t, names, "component:resolved")
	assert.Contains(t, names, "initialized")
}

func TestFactoryErrorWraps(t *testing.T) {
	c := New()
	boom := errors.New("boom")
	require.NoError(t, c.RegisterFactory("svc", nil, true, func(ctx context.Context, deps map[string]any) (any, error) {
		return nil, boom
	}))
	_, err := c.Resolve(context.Background(), "svc")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func noopFactory(ctx context.Context, deps map[string]any) (any, error) { return struct{}{}, nil }

func TestDigraphUsedDirectlyStillWorks(t *testing.T) {
	_, err := digraph.Sort([]string{"x"}, map[string][]string{"x": {"y"}}, nil)
	require.Error(t, err)
}
