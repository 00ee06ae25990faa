// Package pool fans one logical stage out across N identical tool workers.
package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tagfarm/internal/telemetry"
	"github.com/3cpo-dev/tagfarm/internal/tool"
)

// Template builds the argument vector for worker index of total.
type Template func(index, total int) []string

// WorkerError reports the lowest-indexed worker that did not exit cleanly.
type WorkerError struct {
	Stage   string
	Index   int
	LogPath string
	Outcome tool.Outcome
	// EmptyLog is set when the worker log is missing or zero bytes.
	EmptyLog bool
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("stage %s worker %d: %s (log %s)", e.Stage, e.Index, e.Outcome, e.LogPath)
}

// Pool launches fan-out workers through Runner and keeps their logs under
// RunRoot/logs/<stage>/<index>.txt.
type Pool struct {
	Runner   tool.Starter
	RunRoot  string
	Recorder telemetry.Recorder
}

// LogPath is the per-worker diagnostic log location.
func LogPath(runRoot, stage string, index int) string {
	return filepath.Join(runRoot, "logs", stage, strconv.Itoa(index)+".txt")
}

// RunFanout starts n workers concurrently, waits on every one of them in
// launch order, and returns the failure of the lowest-indexed worker that
// did not exit cleanly, or nil.
func (p *Pool) RunFanout(ctx context.Context, stage string, tmpl Template, n int) error {
	if n < 1 {
		return fmt.Errorf("stage %s: worker count must be at least 1, got %d", stage, n)
	}
	rec := telemetry.OrNop(p.Recorder)

	if err := os.MkdirAll(filepath.Join(p.RunRoot, "logs", stage), 0o755); err != nil {
		return fmt.Errorf("create log dir for %s: %w", stage, err)
	}

	handles := make([]*tool.Handle, n)
	for i := 0; i < n; i++ {
		handles[i] = p.Runner.Start(ctx, tool.Job{
			Args:    tmpl(i, n),
			Capture: tool.File,
			LogPath: LogPath(p.RunRoot, stage, i),
		})
	}
	log.Debug().Str("stage", stage).Int("workers", n).Msg("workers launched")

	var failure *WorkerError
	for i, h := range handles {
		o := h.Wait()
		rec.JobFinished("worker", o)
		if o.OK() || failure != nil {
			continue
		}
		path := LogPath(p.RunRoot, stage, i)
		failure = &WorkerError{Stage: stage, Index: i, LogPath: path, Outcome: o, EmptyLog: logEmpty(path)}
		log.Error().Str("stage", stage).Int("worker", i).Int("exit_code", o.Code).
			Str("kind", o.Kind.String()).Str("log", path).Msg("worker failed")
	}
	if failure != nil {
		return failure
	}
	return nil
}

func logEmpty(path string) bool {
	info, err := os.Stat(path)
	return err != nil || info.Size() == 0
}
