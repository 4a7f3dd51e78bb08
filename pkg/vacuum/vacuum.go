package vacuum

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/containerlru/vacuumd/pkg/engine"
	"github.com/containerlru/vacuumd/pkg/graph"
	"github.com/containerlru/vacuumd/pkg/store"
	"github.com/containerlru/vacuumd/pkg/threshold"
	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// Engine is the Vacuum Engine of spec §4.5. A single in-flight run is
// enforced with a mutex, following the teacher's pkg/gc.GarbageCollector
// shape (one gc.Start loop, serialized by gc.mu).
type Engine struct {
	adapter engine.Adapter
	store   *store.Store
	state   *store.State
	dataDir string

	thresholdExpr threshold.Expression
	keep          []*regexp.Regexp
	minAge        time.Duration
	chunkSize     int

	log *logrus.Entry
	mu  sync.Mutex
}

// New validates and compiles Options once (spec §9: "compile once per
// daemon run") and binds an Engine to a loaded state.
func New(adapter engine.Adapter, st *store.Store, state *store.State, dataDir string, opts Options) (*Engine, error) {
	expr, err := threshold.Parse(opts.ThresholdExpr)
	if err != nil {
		return nil, err
	}

	keep := make([]*regexp.Regexp, 0, len(opts.KeepPatterns))
	for _, p := range opts.KeepPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("vacuum: invalid keep pattern %q: %w", p, err)
		}
		keep = append(keep, re)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}

	return &Engine{
		adapter:       adapter,
		store:         st,
		state:         state,
		dataDir:       dataDir,
		thresholdExpr: expr,
		keep:          keep,
		minAge:        opts.MinAge,
		chunkSize:     chunkSize,
		log:           logrus.WithField("name", "vacuum"),
	}, nil
}

// Touch implements spec §4.1/§5's per-event timestamp refresh: every
// event for which ev.Kind.IsUseEvent() is true bumps that image's
// last-used timestamp in the State Store to the event's own timestamp,
// independent of whether the event also triggers a vacuum (spec §8
// property 7, "event roundtrip": "the image's last-used timestamp in
// the post-state equals the event timestamp"). Events with no image id
// (the synthetic sync event) are ignored.
func (e *Engine) Touch(ev engine.Event) error {
	if !ev.Kind.IsUseEvent() || ev.ImageID == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Images[ev.ImageID] = ev.Timestamp
	return e.store.Save(e.state)
}

// Run executes one end-to-end vacuum (spec §4.5 steps 1-7). It is safe
// to call repeatedly; with no intervening event, a second call is a
// no-op beyond re-persisting identical state (spec §8.5).
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	thresholdBytes, err := e.thresholdExpr.Resolve(e.dataDir)
	if err != nil {
		return nil, fmt.Errorf("vacuum: resolve threshold: %w", err)
	}

	images, err := e.adapter.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("vacuum: list images: %w", err)
	}
	containers, err := e.adapter.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("vacuum: list containers: %w", err)
	}

	now := time.Now()
	g, reconciled, dropped := graph.Build(images, containers, e.state.Images, e.state.FirstRun, now, e.keep)
	if len(dropped) > 0 {
		e.log.Debugf("dropping %d stale state record(s) for images no longer known to the engine", len(dropped))
	}
	e.state.Images = reconciled
	e.state.FirstRun = false

	usage := totalUsage(g)
	result := &Result{InitialUsage: usage, FinalUsage: usage, ThresholdBytes: thresholdBytes}

	if usage <= thresholdBytes {
		result.ThresholdMet = true
		if err := e.store.Save(e.state); err != nil {
			return result, fmt.Errorf("vacuum: persist state: %w", err)
		}
		return result, nil
	}

	candidates := e.orderedCandidates(g, now)
	e.deleteCandidates(ctx, g, candidates, thresholdBytes, result)

	if !result.ThresholdMet {
		e.log.Warnf(
			"could not bring image store usage under %s: %s remains used after evicting %d image(s)",
			units.HumanSize(float64(thresholdBytes)), units.HumanSize(float64(result.FinalUsage)), len(result.Deleted),
		)
	}

	if err := e.store.Save(e.state); err != nil {
		return result, fmt.Errorf("vacuum: persist state: %w", err)
	}

	if len(result.Errors) > 0 {
		return result, result.Errors[len(result.Errors)-1]
	}
	return result, nil
}

func totalUsage(g *graph.Graph) int64 {
	var total int64
	for _, n := range g.Nodes {
		total += n.SizeBytes
	}
	return total
}

// candidate is an eviction candidate, carrying its graph index so the
// deletion loop can look up size/id without re-searching the graph.
type candidate struct {
	index int
	id    string
	size  int64
}

// orderedCandidates builds and orders the eviction candidate list per
// spec §4.5 step 4-5: not in-use, not pinned, older than minAge, ordered
// by effective timestamp ascending, deeper-in-the-graph-first as a
// tie-break (children before parents; see graph.EffectiveTimestamp's
// doc comment for why max-propagation makes this safe), and finally
// stable on image id.
func (e *Engine) orderedCandidates(g *graph.Graph, now time.Time) []candidate {
	var candidates []candidate
	for i, n := range g.Nodes {
		if n.InUse || n.Pinned {
			continue
		}
		if e.minAge > 0 && now.Sub(n.LastUsed) <= e.minAge {
			continue
		}
		candidates = append(candidates, candidate{index: i, id: n.ID, size: n.SizeBytes})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ia, ib := candidates[a].index, candidates[b].index
		ea, eb := g.EffectiveTimestamp(ia), g.EffectiveTimestamp(ib)
		if !ea.Equal(eb) {
			return ea.Before(eb)
		}
		da, db := g.Depth(ia), g.Depth(ib)
		if da != db {
			return da > db
		}
		return candidates[a].id < candidates[b].id
	})

	return candidates
}

// deleteCandidates deletes candidates in chunks of e.chunkSize,
// re-deriving usage from freed bytes (and, every requeryEveryChunks
// chunks, from a fresh engine query per spec §9) until usage is at or
// below thresholdBytes or the candidate list is exhausted.
func (e *Engine) deleteCandidates(ctx context.Context, g *graph.Graph, candidates []candidate, thresholdBytes int64, result *Result) {
	usage := result.InitialUsage
	chunks := 0

	for start := 0; start < len(candidates); start += e.chunkSize {
		end := start + e.chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}

		for _, c := range candidates[start:end] {
			err := e.adapter.DeleteImage(ctx, c.id)
			switch {
			case err == nil, errors.Is(err, engine.ErrNotFound):
				delete(e.state.Images, c.id)
				result.Deleted = append(result.Deleted, c.id)
				result.BytesFreed += c.size
				usage -= c.size
			case errors.Is(err, engine.ErrHasChildren):
				e.log.Debugln("skipping delete, image still has children:", c.id)
			case errors.Is(err, engine.ErrInUse):
				e.log.Debugln("skipping delete, image now in use:", c.id)
			default:
				e.log.Errorln("failed to delete image:", c.id, err)
				result.Errors = append(result.Errors, err)
			}
		}

		chunks++
		if chunks%requeryEveryChunks == 0 {
			if fresh, err := e.adapter.ListImages(ctx); err == nil {
				usage = sumSizes(fresh)
			}
		}

		result.FinalUsage = usage
		if usage <= thresholdBytes {
			result.ThresholdMet = true
			return
		}
	}
}

func sumSizes(images []engine.Image) int64 {
	var total int64
	for _, img := range images {
		total += img.SizeBytes
	}
	return total
}
