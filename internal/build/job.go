package build

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

type exitResult struct {
	state *os.ProcessState
	err   error
}

// job is the mutable record of one build. The log buffer has its own lock,
// everything else is guarded by mx.
type job struct {
	id      JobID
	command Command
	logs    *LogBuffer

	// closed by the reaper goroutine once cmd.Wait returns; exit is written
	// before the close and read only after it
	done <-chan struct{}
	exit exitResult

	mx     sync.Mutex
	cmd    *exec.Cmd // nil once reaped or killed
	status Status
}

func (j *job) reap(cmd *exec.Cmd, done chan<- struct{}) {
	err := cmd.Wait()
	j.exit = exitResult{state: cmd.ProcessState, err: err}
	close(done)
}

func (j *job) exited() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// refresh performs the non blocking exit check. It returns the current
// snapshot and whether this call moved the job to a terminal state.
func (j *job) refresh(now time.Time) (Status, bool) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.status.State != StateRunning || !j.exited() {
		return j.status.clone(), false
	}

	j.finish(now)
	j.cmd = nil
	return j.status.clone(), true
}

// finish translates the reaper outcome, j.mx must be held
func (j *job) finish(now time.Time) {
	j.status.FinishedAt = &now
	err := j.exit.err

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		j.status.State = StateSuccess
		j.status.ExitCode = &code
	case errors.As(err, &exitErr):
		j.status.State = StateError
		if code := exitErr.ExitCode(); code >= 0 {
			j.status.ExitCode = &code
			j.status.Error = fmt.Sprintf("process exited with code %d", code)
		} else {
			j.status.Error = "process terminated: " + exitErr.ProcessState.String()
		}
	default:
		j.status.State = StateError
		j.status.Error = "failed to check process: " + err.Error()
	}
}

// cancel kills a running process. The returned error is the kill failure,
// which does not prevent the transition.
func (j *job) cancel(now time.Time) (Status, bool, error) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.status.State != StateRunning {
		return j.status.clone(), false, nil
	}

	var err error
	if j.cmd != nil && j.cmd.Process != nil && !j.exited() {
		err = kill(j.cmd.Process)
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	}
	j.status.State = StateCancelled
	j.status.FinishedAt = &now
	j.cmd = nil
	return j.status.clone(), true, err
}

// running reports a job which is still running as far as the reaper knows
func (j *job) running() bool {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.status.State == StateRunning && !j.exited()
}

func (j *job) snapshot() Status {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.status.clone()
}

func (j *job) summary() Summary {
	return Summary{
		ID:      j.id,
		Command: j.command,
		Status:  j.snapshot(),
		Lines:   j.logs.Len(),
	}
}
