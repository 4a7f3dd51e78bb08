// Package supervisor owns the daemon's process lifetime: startup retry,
// signal handling, and the mid-run restart policy of spec §4.6. It
// adapts the teacher's bounded-channel producer/consumer shape
// (worker.Push/worker.Pop in pkg/worker/worker.go) to a single serial
// consumer: pkg/engine's adapter already owns the reader goroutine and
// its bounded channel (StreamEvents), so the supervisor's main loop only
// has to select between that channel and the OS signal channel, exactly
// as spec §5 requires -- a slow consumer never blocks signal delivery
// because signals are read from their own channel in the same select.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerlru/vacuumd/pkg/engine"
	"github.com/containerlru/vacuumd/pkg/metrics"
	"github.com/containerlru/vacuumd/pkg/store"
	"github.com/containerlru/vacuumd/pkg/vacuum"
	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// errShutdownRequested marks a clean, signal-driven exit so Run can
// distinguish it from a failure that should instead be logged and
// propagated as a non-zero exit.
var errShutdownRequested = errors.New("supervisor: shutdown requested")

// AdapterFactory builds a fresh engine.Adapter for one generation. A
// factory rather than a shared instance, because a restart (spec §4.6:
// "tear down the child ... restart the whole loop") needs its own child
// process, not a reused one.
type AdapterFactory func() engine.Adapter

// Supervisor is the Supervisor Loop of spec §4.6.
type Supervisor struct {
	newAdapter AdapterFactory
	store      *store.Store
	state      *store.State
	dataDir    string
	opts       Options

	log *logrus.Entry
}

func New(newAdapter AdapterFactory, st *store.Store, state *store.State, dataDir string, opts Options) *Supervisor {
	return &Supervisor{
		newAdapter: newAdapter,
		store:      st,
		state:      state,
		dataDir:    dataDir,
		opts:       opts,
		log:        logrus.WithField("name", "supervisor"),
	}
}

// Run blocks until a shutdown signal is received or ctx is canceled. A
// nil return means a requested shutdown (the caller should exit 0); a
// non-nil return means the caller should exit non-zero (spec §4.6:
// "exit non-zero on unexpected termination / zero on requested
// shutdown").
func (s *Supervisor) Run(ctx context.Context) error {
	if s.opts.MetricsAddress != "" {
		go metrics.Run(s.opts.MetricsAddress)
	}

	// Single signal-handler installation point, before the first engine
	// child ever spawns (spec §9).
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		err := s.runGeneration(ctx, sigCh)
		if errors.Is(err, errShutdownRequested) {
			s.log.Infoln("shutdown complete")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.log.Errorln("generation failed, restarting in", restartDelay, ":", err)
		select {
		case <-time.After(restartDelay):
		case sig := <-sigCh:
			s.log.Infoln("received", sig, "while waiting to restart, shutting down instead")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runGeneration owns one engine adapter end to end: startup retry, the
// event loop, and teardown (canceling the generation's context kills the
// events child, which the adapter's reader then reaps through
// engine.scopedProcess; the deferred Close follows). It returns
// errShutdownRequested on a clean signal-driven exit, or any other error
// to request a restart.
func (s *Supervisor) runGeneration(ctx context.Context, sigCh <-chan os.Signal) error {
	adapter, err := s.waitForEngine(ctx, sigCh)
	if err != nil {
		return err
	}
	defer adapter.Close()

	vac, err := vacuum.New(adapter, s.store, s.state, s.dataDir, s.opts.Vacuum)
	if err != nil {
		return err
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := adapter.StreamEvents(genCtx)
	if err != nil {
		metrics.ObserveEngineError("stream-start")
		return err
	}

	for {
		select {
		case sig := <-sigCh:
			s.log.Infoln("received", sig, ", shutting down")
			return errShutdownRequested

		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return errors.New("supervisor: event stream closed unexpectedly")
			}

			// Capture "was this id already known" before Touch writes
			// it into s.state.Images, since Touch and shouldVacuum
			// share that same map; asking afterwards would always
			// find the id known and silently drop the "unknown image
			// id" vacuum trigger (spec §4.5).
			_, wasKnown := s.state.Images[ev.ImageID]

			// Refresh the referenced image's timestamp on every
			// relevant event, whether or not it also triggers a vacuum
			// (spec §4.1, §8 property 7).
			if err := vac.Touch(ev); err != nil {
				metrics.ObserveEngineError("touch-persist")
				return err
			}

			if !s.shouldVacuum(ev, wasKnown) {
				continue
			}

			result, runErr := vac.Run(ctx)
			metrics.Observe(result, runErr)
			if runErr != nil {
				metrics.ObserveEngineError("vacuum-run")
				return runErr
			}
			s.logResult(result)
		}
	}
}

// waitForEngine implements spec §4.6's start-up retry: poll
// ListImages as a reachability check at a fixed interval until it
// succeeds, a shutdown signal arrives, or ctx is canceled.
func (s *Supervisor) waitForEngine(ctx context.Context, sigCh <-chan os.Signal) (engine.Adapter, error) {
	for {
		adapter := s.newAdapter()
		_, err := adapter.ListImages(ctx)
		if err == nil {
			return adapter, nil
		}

		s.log.Warnln("engine not reachable, retrying in", startupRetryInterval, ":", err)
		adapter.Close()
		metrics.ObserveEngineError("startup-unreachable")

		select {
		case <-time.After(startupRetryInterval):
		case sig := <-sigCh:
			s.log.Infoln("received", sig, "while waiting for engine, shutting down")
			return nil, errShutdownRequested
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// shouldVacuum implements spec §4.5's "when to vacuum" rule: any event
// that may grow on-disk usage, or any event naming an image id the state
// store had never seen as of the moment the event arrived, per the
// conservative superset decision recorded in DESIGN.md. wasKnown must be
// read from s.state.Images before vac.Touch(ev) has a chance to insert
// ev.ImageID, or the "unknown id" branch can never fire.
func (s *Supervisor) shouldVacuum(ev engine.Event, wasKnown bool) bool {
	if ev.Kind.MayGrowUsage() {
		return true
	}
	if ev.ImageID == "" {
		return false
	}
	return !wasKnown
}

func (s *Supervisor) logResult(result *vacuum.Result) {
	if result == nil {
		return
	}
	s.log.Infof(
		"vacuum run: usage %s -> %s (threshold %s, met=%v), %d image(s) evicted, %s freed",
		units.HumanSize(float64(result.InitialUsage)),
		units.HumanSize(float64(result.FinalUsage)),
		units.HumanSize(float64(result.ThresholdBytes)),
		result.ThresholdMet,
		len(result.Deleted),
		units.HumanSize(float64(result.BytesFreed)),
	)
}
