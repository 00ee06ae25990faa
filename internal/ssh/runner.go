package ssh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/tagfarm/internal/tool"
)

// Runner is a tool.Starter that runs each job in its own session on a
// shared connection. Output streams back into the job's local capture
// target, so worker logs stay on this machine.
type Runner struct {
	Client     *xssh.Client
	Root       string
	Executable string
	Prefix     []string
}

// Command renders the remote shell command for args.
func (r *Runner) Command(dir string, args []string) string {
	if dir == "" {
		dir = r.Root
	}
	parts := []string{ShellQuote(r.Executable)}
	for _, a := range r.Prefix {
		parts = append(parts, ShellQuote(a))
	}
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}
	return "cd " + ShellQuote(dir) + " && " + strings.Join(parts, " ")
}

func (r *Runner) Start(ctx context.Context, job tool.Job) *tool.Handle {
	started := time.Now()
	failed := func(err error) *tool.Handle {
		return tool.Finished(tool.Outcome{Kind: tool.StartFailed, Err: err, Started: started, Exited: time.Now()})
	}

	stdout, stderr, closeOut, err := tool.OpenCapture(job)
	if err != nil {
		return failed(err)
	}
	session, err := r.Client.NewSession()
	if err != nil {
		_ = closeOut()
		return failed(fmt.Errorf("new session: %w", err))
	}
	session.Stdout = stdout
	session.Stderr = stderr

	cmd := r.Command(job.Dir, job.Args)
	log.Debug().Str("cmd", cmd).Msg("starting remote tool")
	if err := session.Start(cmd); err != nil {
		session.Close()
		_ = closeOut()
		return failed(fmt.Errorf("start remote: %w", err))
	}

	return tool.Go(func() tool.Outcome {
		done := make(chan error, 1)
		go func() { done <- session.Wait() }()

		var waitErr error
		select {
		case waitErr = <-done:
		case <-ctx.Done():
			_ = session.Signal(xssh.SIGKILL)
			session.Close()
			waitErr = <-done
			if waitErr == nil {
				waitErr = ctx.Err()
			}
		}
		session.Close()
		if err := closeOut(); err != nil {
			log.Warn().Err(err).Str("log", job.LogPath).Msg("close tool log")
		}

		o := exitOutcome(waitErr)
		o.Started = started
		o.Exited = time.Now()
		return o
	})
}

func exitOutcome(err error) tool.Outcome {
	if err == nil {
		return tool.Outcome{Kind: tool.Exited}
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Signal() != "" {
			return tool.Outcome{Kind: tool.Crashed, Code: -1, Err: err}
		}
		return tool.Outcome{Kind: tool.Exited, Code: exitErr.ExitStatus()}
	}
	return tool.Outcome{Kind: tool.Crashed, Code: -1, Err: err}
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
