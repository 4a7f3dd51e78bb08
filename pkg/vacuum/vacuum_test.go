package vacuum

import (
	"context"
	"testing"
	"time"

	"github.com/containerlru/vacuumd/pkg/engine"
	"github.com/containerlru/vacuumd/pkg/store"
	"github.com/stretchr/testify/assert"
)

const fiveAndHalfMB = 5_500_000

func newTestEngine(t *testing.T, adapter *engine.FakeAdapter, opts Options) (*Engine, *store.Store, *store.State) {
	t.Helper()

	dir := t.TempDir()
	st := store.New(dir)
	state, _, err := st.Load()
	assert.Nil(t, err)

	if opts.ThresholdExpr == "" {
		opts.ThresholdExpr = "13MB"
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 1
	}

	e, err := New(adapter, st, state, dir, opts)
	assert.Nil(t, err)

	return e, st, state
}

// S1 -- basic LRU: use A, then B, then C (sizes ~5.5MB each, T=13MB).
// Expect A deleted, B and C retained.
func TestS1BasicLRU(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{
		{ID: "A", SizeBytes: fiveAndHalfMB},
		{ID: "B", SizeBytes: fiveAndHalfMB},
		{ID: "C", SizeBytes: fiveAndHalfMB},
	}

	e, _, state := newTestEngine(t, adapter, Options{})

	base := time.Now().Add(-1 * time.Hour)
	state.FirstRun = false
	state.Images["A"] = base
	state.Images["B"] = base.Add(1 * time.Minute)
	state.Images["C"] = base.Add(2 * time.Minute)

	result, err := e.Run(context.Background())
	assert.Nil(t, err)
	assert.True(t, result.ThresholdMet)
	assert.Equal(t, []string{"A"}, result.Deleted)

	_, hasA := adapterHas(adapter, "A")
	_, hasB := adapterHas(adapter, "B")
	_, hasC := adapterHas(adapter, "C")
	assert.False(t, hasA)
	assert.True(t, hasB)
	assert.True(t, hasC)
}

// S2 -- keep filter: A tagged app:keep is retained regardless of age;
// the oldest non-pinned image is deleted first.
func TestS2KeepFilter(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{
		{ID: "A", SizeBytes: fiveAndHalfMB, RepoTags: []string{"app:keep"}},
		{ID: "B", SizeBytes: fiveAndHalfMB},
		{ID: "C", SizeBytes: fiveAndHalfMB},
		{ID: "D", SizeBytes: fiveAndHalfMB},
	}

	e, _, state := newTestEngine(t, adapter, Options{KeepPatterns: []string{"^app:keep$"}})

	base := time.Now().Add(-1 * time.Hour)
	state.FirstRun = false
	state.Images["A"] = base
	state.Images["B"] = base.Add(1 * time.Minute)
	state.Images["C"] = base.Add(2 * time.Minute)
	state.Images["D"] = base.Add(3 * time.Minute)

	result, err := e.Run(context.Background())
	assert.Nil(t, err)
	assert.True(t, len(result.Deleted) > 0)
	assert.Equal(t, "B", result.Deleted[0])
	assert.NotContains(t, result.Deleted, "A")

	_, hasA := adapterHas(adapter, "A")
	assert.True(t, hasA)
}

// S3 -- min-age: all candidates younger than 1h, T exceeded. Expect no
// deletions.
func TestS3MinAge(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{
		{ID: "A", SizeBytes: fiveAndHalfMB},
		{ID: "B", SizeBytes: fiveAndHalfMB},
		{ID: "C", SizeBytes: fiveAndHalfMB},
	}

	e, _, state := newTestEngine(t, adapter, Options{MinAge: time.Hour})

	now := time.Now()
	state.FirstRun = false
	state.Images["A"] = now
	state.Images["B"] = now.Add(time.Second)
	state.Images["C"] = now.Add(2 * time.Second)

	result, err := e.Run(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 0, len(result.Deleted))
	assert.False(t, result.ThresholdMet)
}

// S4 -- parent/child: build P, then child Q based on P, use P. Vacuum
// with T=0. Expect Q deleted before P, then P deleted, no has-children
// error surfaces.
func TestS4ParentChild(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{
		{ID: "P", SizeBytes: fiveAndHalfMB},
		{ID: "Q", ParentID: "P", SizeBytes: fiveAndHalfMB},
	}

	e, _, state := newTestEngine(t, adapter, Options{ThresholdExpr: "1B"})

	now := time.Now()
	state.FirstRun = false
	state.Images["P"] = now
	state.Images["Q"] = now

	result, err := e.Run(context.Background())
	assert.Nil(t, err)
	assert.True(t, result.ThresholdMet)
	assert.Equal(t, []string{"Q", "P"}, result.Deleted)
	assert.Equal(t, 0, len(result.Errors))
}

// S5 -- unknown-image bootstrap: on the very first run, an
// already-existing image bootstraps from its creation time and can be
// evicted immediately; on a later, non-first run, a brand-new image
// bootstraps from "now" and survives.
func TestS5UnknownImageBootstrap(t *testing.T) {
	old := time.Now().Add(-240 * time.Hour)

	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{{ID: "X", SizeBytes: fiveAndHalfMB, CreatedAt: old}}

	e, _, state := newTestEngine(t, adapter, Options{ThresholdExpr: "1B"})
	assert.True(t, state.FirstRun)

	result, err := e.Run(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, []string{"X"}, result.Deleted)

	// Fresh engine, fresh image Y created long ago but unseen by a
	// daemon that has already run once on this host (first_run=false).
	adapter2 := engine.NewFakeAdapter()
	adapter2.Images = []engine.Image{{ID: "Y", SizeBytes: fiveAndHalfMB, CreatedAt: old}}

	dir := t.TempDir()
	st2 := store.New(dir)
	notFirstRun, _, err := st2.Load()
	assert.Nil(t, err)
	notFirstRun.FirstRun = false

	e2, err := New(adapter2, st2, notFirstRun, dir, Options{ThresholdExpr: "1B"})
	assert.Nil(t, err)

	result2, err := e2.Run(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 0, len(result2.Deleted))
}

// A delete that fails with has-children or in-use is a non-fatal race
// (spec §4.5, §7): the run continues, the candidate survives for a
// later retry, and the failure is not surfaced in result.Errors.
func TestDeleteHasChildrenIsNonFatal(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{
		{ID: "A", SizeBytes: fiveAndHalfMB},
		{ID: "B", SizeBytes: fiveAndHalfMB},
	}
	adapter.DeleteErrs["A"] = engine.ErrHasChildren

	e, _, state := newTestEngine(t, adapter, Options{ThresholdExpr: "1B"})
	base := time.Now().Add(-1 * time.Hour)
	state.FirstRun = false
	state.Images["A"] = base
	state.Images["B"] = base.Add(1 * time.Minute)

	result, err := e.Run(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 0, len(result.Errors))
	assert.NotContains(t, result.Deleted, "A")

	_, hasA := adapterHas(adapter, "A")
	assert.True(t, hasA)
	assert.Contains(t, state.Images, "A")
}

// Same as above for in-use, the other expected non-fatal race.
func TestDeleteInUseIsNonFatal(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{
		{ID: "A", SizeBytes: fiveAndHalfMB},
		{ID: "B", SizeBytes: fiveAndHalfMB},
	}
	adapter.DeleteErrs["A"] = engine.ErrInUse

	e, _, state := newTestEngine(t, adapter, Options{ThresholdExpr: "1B"})
	base := time.Now().Add(-1 * time.Hour)
	state.FirstRun = false
	state.Images["A"] = base
	state.Images["B"] = base.Add(1 * time.Minute)

	result, err := e.Run(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 0, len(result.Errors))
	assert.NotContains(t, result.Deleted, "A")

	_, hasA := adapterHas(adapter, "A")
	assert.True(t, hasA)
}

// Idempotence (spec §8.5): running vacuum twice with no intervening
// event is a no-op on the second run.
func TestIdempotence(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{
		{ID: "A", SizeBytes: fiveAndHalfMB},
		{ID: "B", SizeBytes: fiveAndHalfMB},
	}

	e, _, state := newTestEngine(t, adapter, Options{})
	state.FirstRun = false
	state.Images["A"] = time.Now()
	state.Images["B"] = time.Now()

	first, err := e.Run(context.Background())
	assert.Nil(t, err)

	second, err := e.Run(context.Background())
	assert.Nil(t, err)

	assert.Equal(t, 0, len(second.Deleted))
	assert.Equal(t, first.FinalUsage, second.FinalUsage)
}

// Touch refreshes a known image's stored timestamp to the event's own
// timestamp regardless of event kind, as long as the kind is a use
// event (spec §8 property 7). It must not require a vacuum to run.
func TestTouchUpdatesKnownImageTimestampIndependentOfVacuum(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	adapter.Images = []engine.Image{{ID: "A", SizeBytes: fiveAndHalfMB}}

	e, _, state := newTestEngine(t, adapter, Options{})
	old := time.Now().Add(-24 * time.Hour)
	state.FirstRun = false
	state.Images["A"] = old

	fresh := time.Now()
	err := e.Touch(engine.Event{Kind: engine.EventDestroy, ImageID: "A", Timestamp: fresh})
	assert.Nil(t, err)

	assert.True(t, state.Images["A"].Equal(fresh))
}

// Touch ignores events that carry no image id (the synthetic sync
// event) and events whose kind is not a use event.
func TestTouchIgnoresIrrelevantEvents(t *testing.T) {
	adapter := engine.NewFakeAdapter()
	e, _, state := newTestEngine(t, adapter, Options{})
	old := time.Now().Add(-24 * time.Hour)
	state.FirstRun = false
	state.Images["A"] = old

	assert.Nil(t, e.Touch(engine.Event{Kind: engine.EventSync}))
	assert.Nil(t, e.Touch(engine.Event{Kind: engine.EventDelete, ImageID: "A"}))
	assert.True(t, state.Images["A"].Equal(old))
}

func adapterHas(a *engine.FakeAdapter, id string) (engine.Image, bool) {
	for _, img := range a.Images {
		if img.ID == id {
			return img, true
		}
	}
	return engine.Image{}, false
}
