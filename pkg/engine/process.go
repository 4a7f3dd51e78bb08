package engine

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
)

// scopedProcess owns a single child process and guarantees it is killed
// and reaped exactly once, on every exit path of the scope that spawned
// it -- normal return, error return, or panic. Historical bugs in
// projects that shell out to a long-lived child come from skipping this
// on one of those paths (spec §9).
type scopedProcess struct {
	cmd    *exec.Cmd
	log    *logrus.Entry
	mu     sync.Mutex
	closed bool
}

func startScoped(log *logrus.Entry, cmd *exec.Cmd) (*scopedProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: failed to start %s: %w", cmd.Path, err)
	}
	return &scopedProcess{cmd: cmd, log: log}, nil
}

// Close kills the process if still running and waits for it to be
// reaped. Safe to call more than once and from a deferred recover.
func (p *scopedProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			p.log.Debugln("kill child process:", err)
		}
	}
	err := p.cmd.Wait()
	// Wait returns an error for a killed process; that is expected here
	// and not a failure of cleanup.
	return ignoreExpectedWaitError(err)
}

func ignoreExpectedWaitError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return nil
	}
	return err
}
