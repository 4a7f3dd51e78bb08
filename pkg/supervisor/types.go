package supervisor

import (
	"time"

	"github.com/containerlru/vacuumd/pkg/vacuum"
)

// startupRetryInterval is the fixed interval the supervisor waits between
// attempts to reach the engine at startup (spec §4.6: "retry at a fixed
// interval (~5s), no exponential back-off").
const startupRetryInterval = 5 * time.Second

// restartDelay is the short pause before the whole loop restarts after a
// mid-run failure (spec §4.6: "restart the whole loop after a short
// delay").
const restartDelay = 5 * time.Second

// eventQueueSize is not referenced by the event loop: the handoff
// channel the main loop reads is the one engine.DockerAdapter's
// StreamEvents creates, buffered to 16 events.
const eventQueueSize = 64

// Options configures a Supervisor.
type Options struct {
	Vacuum         vacuum.Options
	MetricsAddress string
}
