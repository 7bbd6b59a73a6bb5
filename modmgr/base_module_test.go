package modmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekit/corekit/errs"
	"github.com/corekit/corekit/eventbus"
)

func TestBaseModuleStartsCreated(t *testing.T) {
	bm := NewBaseModule("svc", []string{"dep"})
	assert.Equal(t, "svc", bm.Name())
	assert.Equal(t, []string{"dep"}, bm.Dependencies())
	assert.Equal(t, StateCreated, bm.State())
}

func TestBaseModuleLocalEmitOnStateChange(t *testing.T) {
	bm := NewBaseModule("svc", nil)
	var got map[string]any
	bm.On("module:started", func(ctx context.Context, data any) {
		got = data.(map[string]any)
	})
	bm.setState(context.Background(), "module:started", StateRunning)

	require.NotNil(t, got)
	assert.Equal(t, StateCreated, got["from"])
	assert.Equal(t, StateRunning, got["to"])
	assert.Equal(t, StateRunning, bm.State())
}

func TestBaseModuleForwardsToBoundBus(t *testing.T) {
	bus := eventbus.NewBus(eventbus.Config{})
	require.NoError(t, bus.Initialize(context.Background()))

	bm := NewBaseModule("svc", nil)
	bm.BindBus(bus)

	var seen bool
	_, err := bus.Subscribe("module:started", func(ctx context.Context, e eventbus.Event) error {
		seen = true
		return nil
	}, eventbus.SubscribeOptions{})
	require.NoError(t, err)

	bm.setState(context.Background(), "module:started", StateRunning)
	assert.True(t, seen)
}

func TestBaseModuleRecordErrorTransitionsToError(t *testing.T) {
	bm := NewBaseModule("svc", nil)
	bm.setState(context.Background(), "module:started", StateRunning)

	bm.RecordError(context.Background(), "setup", errs.NewModule("BOOM", "failed"))
	assert.Equal(t, StateError, bm.State())

	recorded := bm.Errors()
	require.Len(t, recorded, 1)
	assert.Equal(t, "setup", recorded[0].Phase)
}

func TestBaseModuleErrorRingBounded(t *testing.T) {
	bm := NewBaseModule("svc", nil)
	for i := 0; i < moduleErrorRingCap+10; i++ {
		bm.RecordError(context.Background(), "phase", errs.NewModule("X", "x"))
	}
	got := bm.Errors()
	assert.Len(t, got, moduleErrorRingCap)
}
