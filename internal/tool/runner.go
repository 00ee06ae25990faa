package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecRunner runs the build tool as a local child process. Every invocation
// runs with Root as its working directory; the orchestrator's own cwd is
// never changed.
type ExecRunner struct {
	Executable string
	// Prefix is inserted between the executable and the job arguments.
	Prefix []string
	Root   string
	Env    []string
}

// Start launches job. Cancelling ctx kills the process.
func (r *ExecRunner) Start(ctx context.Context, job Job) *Handle {
	started := time.Now()
	stdout, stderr, closeOut, err := OpenCapture(job)
	if err != nil {
		return Finished(Outcome{Kind: StartFailed, Err: err, Started: started, Exited: time.Now()})
	}

	args := append(append([]string{}, r.Prefix...), job.Args...)
	cmd := exec.CommandContext(ctx, r.Executable, args...)
	cmd.Dir = r.Root
	if job.Dir != "" {
		cmd.Dir = job.Dir
	}
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Debug().Strs("args", job.Args).Str("dir", cmd.Dir).Str("capture", job.Capture.String()).Msg("starting tool")
	if err := cmd.Start(); err != nil {
		_ = closeOut()
		return Finished(Outcome{Kind: StartFailed, Err: fmt.Errorf("start %s: %w", r.Executable, err), Started: started, Exited: time.Now()})
	}

	return Go(func() Outcome {
		waitErr := cmd.Wait()
		if err := closeOut(); err != nil {
			log.Warn().Err(err).Str("log", job.LogPath).Msg("close tool log")
		}
		o := classify(waitErr)
		o.Started = started
		o.Exited = time.Now()
		return o
	})
}

func classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Exited}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ExitCode is -1 when the process was terminated by a signal.
		if code := exitErr.ExitCode(); code >= 0 {
			return Outcome{Kind: Exited, Code: code}
		}
		return Outcome{Kind: Crashed, Code: -1, Err: err}
	}
	return Outcome{Kind: Crashed, Code: -1, Err: err}
}

// OpenCapture resolves the output targets for job. The returned close func
// must be called once the job has exited.
func OpenCapture(job Job) (stdout, stderr io.Writer, closeFn func() error, err error) {
	noop := func() error { return nil }
	switch job.Capture {
	case Inherit:
		return os.Stdout, os.Stderr, noop, nil
	case Discard:
		return nil, nil, noop, nil
	case File:
		if job.LogPath == "" {
			return nil, nil, nil, errors.New("file capture without log path")
		}
		if err := os.MkdirAll(filepath.Dir(job.LogPath), 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.Create(job.LogPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create log: %w", err)
		}
		return f, f, f.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown capture mode %d", int(job.Capture))
	}
}
