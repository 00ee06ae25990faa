package tool

import (
	"context"
	"fmt"
	"time"
)

// Capture selects where a job's stdout and stderr go.
type Capture int

const (
	// Inherit streams output to the orchestrator's own stdout/stderr.
	Inherit Capture = iota
	// Discard drops all output.
	Discard
	// File writes both streams to Job.LogPath, truncating it first.
	File
)

func (c Capture) String() string {
	switch c {
	case Inherit:
		return "inherit"
	case Discard:
		return "discard"
	case File:
		return "file"
	default:
		return fmt.Sprintf("capture(%d)", int(c))
	}
}

// Job is a single invocation of the external build tool.
type Job struct {
	// Args are the subcommand and its positional arguments.
	Args []string
	// Dir overrides the runner's project root when set.
	Dir     string
	Capture Capture
	LogPath string
}

// Kind classifies how a job ended.
type Kind int

const (
	Exited Kind = iota
	Crashed
	StartFailed
)

func (k Kind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Crashed:
		return "crashed"
	case StartFailed:
		return "start-failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one job.
type Outcome struct {
	Code    int
	Kind    Kind
	Err     error
	Started time.Time
	Exited  time.Time
}

// OK reports a clean zero exit.
func (o Outcome) OK() bool { return o.Kind == Exited && o.Code == 0 }

func (o Outcome) String() string {
	switch o.Kind {
	case Exited:
		return fmt.Sprintf("exit code %d", o.Code)
	case Crashed:
		if o.Err != nil {
			return fmt.Sprintf("crashed: %v", o.Err)
		}
		return "crashed"
	default:
		return fmt.Sprintf("failed to start: %v", o.Err)
	}
}

// Handle tracks a started job. Wait may be called from any number of goroutines.
type Handle struct {
	done    chan struct{}
	outcome Outcome
}

// Wait blocks until the job has finished.
func (h *Handle) Wait() Outcome {
	<-h.done
	return h.outcome
}

// Done reports whether the job has finished without blocking.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Go runs fn in its own goroutine and returns a handle for its outcome.
func Go(fn func() Outcome) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.outcome = fn()
	}()
	return h
}

// Finished returns a handle that has already completed with o.
func Finished(o Outcome) *Handle {
	h := &Handle{done: make(chan struct{}), outcome: o}
	close(h.done)
	return h
}

// Starter launches jobs. Start never blocks on the job itself and always
// returns a handle; launch errors surface as a StartFailed outcome.
type Starter interface {
	Start(ctx context.Context, job Job) *Handle
}

// Run starts job and waits for it.
func Run(ctx context.Context, s Starter, job Job) Outcome {
	return s.Start(ctx, job).Wait()
}
