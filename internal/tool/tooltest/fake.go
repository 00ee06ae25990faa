// Package tooltest provides a scripted tool.Starter for tests.
package tooltest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/3cpo-dev/tagfarm/internal/tool"
)

// Result scripts what a fake job does.
type Result struct {
	Code   int
	Kind   tool.Kind
	Delay  time.Duration
	Output string
}

// Call records one job seen by the fake.
type Call struct {
	Job   tool.Job
	Start time.Time
	End   time.Time
}

// Fake is a tool.Starter whose jobs run in goroutines instead of processes.
// Script may be nil, in which case every job exits 0 with some output.
type Fake struct {
	Script func(job tool.Job) Result

	mu      sync.Mutex
	calls   []*Call
	running int
	peak    int
}

func (f *Fake) Start(ctx context.Context, job tool.Job) *tool.Handle {
	res := Result{Output: "ok\n"}
	if f.Script != nil {
		res = f.Script(job)
	}

	call := &Call{Job: job, Start: time.Now()}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	f.mu.Unlock()

	if res.Kind == tool.StartFailed {
		f.finish(call)
		return tool.Finished(tool.Outcome{Kind: tool.StartFailed, Err: errors.New("scripted start failure"), Started: call.Start, Exited: time.Now()})
	}

	return tool.Go(func() tool.Outcome {
		defer f.finish(call)
		if job.Capture == tool.File && job.LogPath != "" {
			_ = os.MkdirAll(filepath.Dir(job.LogPath), 0o755)
			_ = os.WriteFile(job.LogPath, []byte(res.Output), 0o644)
		}
		if res.Delay > 0 {
			select {
			case <-time.After(res.Delay):
			case <-ctx.Done():
				return tool.Outcome{Kind: tool.Crashed, Code: -1, Err: ctx.Err(), Started: call.Start, Exited: time.Now()}
			}
		}
		return tool.Outcome{Kind: res.Kind, Code: res.Code, Started: call.Start, Exited: time.Now()}
	})
}

func (f *Fake) finish(call *Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call.End = time.Now()
	f.running--
}

// Calls returns a snapshot of every job started so far, in start order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	for i, c := range f.calls {
		out[i] = *c
	}
	return out
}

// Subcommands returns the first argument of every job, in start order.
func (f *Fake) Subcommands() []string {
	var out []string
	for _, c := range f.Calls() {
		if len(c.Job.Args) > 0 {
			out = append(out, c.Job.Args[0])
		}
	}
	return out
}

// Matching returns calls whose first argument has the given prefix.
func (f *Fake) Matching(prefix string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if len(c.Job.Args) > 0 && strings.HasPrefix(c.Job.Args[0], prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Peak is the highest number of jobs that were running at the same time.
func (f *Fake) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}
