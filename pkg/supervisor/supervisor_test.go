package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/containerlru/vacuumd/pkg/engine"
	"github.com/containerlru/vacuumd/pkg/store"
	"github.com/containerlru/vacuumd/pkg/vacuum"
	"github.com/stretchr/testify/assert"
)

func newTestSupervisor(t *testing.T, factory AdapterFactory) (*Supervisor, *store.State) {
	t.Helper()

	dir := t.TempDir()
	st := store.New(dir)
	state, _, err := st.Load()
	assert.Nil(t, err)
	state.FirstRun = false

	sup := New(factory, st, state, dir, Options{
		Vacuum: vacuum.Options{ThresholdExpr: "1TB"},
	})
	return sup, state
}

// shouldVacuum implements spec §4.5's conservative superset: any event
// that may grow usage, or any event naming an image id never seen
// before, triggers a run; everything else does not. wasKnown is
// supplied by the caller rather than read from s.state.Images here,
// since by the time this is reached in the real event loop that map
// may already have been updated by Touch for the very same event.
func TestShouldVacuum(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	sup, _ := newTestSupervisor(t, func() engine.Adapter { return adapter })

	assert.True(t, sup.shouldVacuum(engine.Event{Kind: engine.EventPull, ImageID: "known"}, true))
	assert.True(t, sup.shouldVacuum(engine.Event{Kind: engine.EventSync}, true))
	assert.False(t, sup.shouldVacuum(engine.Event{Kind: engine.EventDestroy, ImageID: "known"}, true))
	assert.True(t, sup.shouldVacuum(engine.Event{Kind: engine.EventDestroy, ImageID: "unknown"}, false))
	assert.False(t, sup.shouldVacuum(engine.Event{Kind: engine.EventDestroy}, false))
}

// With a reachable engine, Run drives one vacuum per relevant event and
// keeps the loop alive until told to stop; canceling the context
// unblocks it with a non-nil error (an unexpected termination, not a
// requested shutdown).
func TestRunVacuumsOnEventThenExitsOnContextCancel(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{{ID: "A", SizeBytes: 10}}

	sup, state := newTestSupervisor(t, func() engine.Adapter { return adapter })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	adapter.Emit(engine.Event{Kind: engine.EventSync})
	time.Sleep(20 * time.Millisecond)
	assert.Contains(t, state.Images, "A")

	cancel()

	select {
	case err := <-done:
		assert.NotNil(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not exit after context cancellation")
	}
}

// A destroy event for an already-known image does not trigger a vacuum
// (TestShouldVacuum above), but the event loop must still refresh that
// image's stored timestamp to the event's own timestamp -- the touch
// is independent of whether a vacuum also runs (spec §4.1, §8
// property 7).
func TestRunTouchesKnownImageWithoutVacuuming(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{{ID: "A", SizeBytes: 10}}

	sup, state := newTestSupervisor(t, func() engine.Adapter { return adapter })
	old := time.Now().Add(-24 * time.Hour)
	state.Images["A"] = old

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	fresh := time.Now()
	adapter.Emit(engine.Event{Kind: engine.EventDestroy, ImageID: "A", Timestamp: fresh})
	time.Sleep(20 * time.Millisecond)

	assert.True(t, state.Images["A"].Equal(fresh))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not exit after context cancellation")
	}
}

// A destroy event naming an image id the state store has never seen
// must still trigger a vacuum (the "unknown id" branch of spec §4.5),
// even though vac.Touch(ev) runs first and inserts that same id into
// s.state.Images before shouldVacuum is consulted. Observed indirectly:
// only a full vacuum run would also bootstrap the timestamp of a
// second, unrelated image the event never mentions.
func TestRunVacuumsOnDestroyOfUnknownImage(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{
		{ID: "A", SizeBytes: 10},
		{ID: "B", SizeBytes: 10},
	}

	sup, state := newTestSupervisor(t, func() engine.Adapter { return adapter })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	adapter.Emit(engine.Event{Kind: engine.EventDestroy, ImageID: "A", Timestamp: time.Now()})
	time.Sleep(20 * time.Millisecond)

	assert.Contains(t, state.Images, "B")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not exit after context cancellation")
	}
}

// A generation whose StreamEvents call fails outright is treated as a
// mid-run failure: Run restarts it rather than returning immediately.
// Canceling the context during the restart back-off still unblocks Run.
func TestRunRestartsAfterStreamFailure(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.StreamErr = engine.ErrUnreachable

	sup, _ := newTestSupervisor(t, func() engine.Adapter { return adapter })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NotNil(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not exit after context cancellation during restart back-off")
	}
}
