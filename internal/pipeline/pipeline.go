// Package pipeline runs an ordered list of build stages, stopping at the
// first stage that fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tagfarm/internal/pool"
	"github.com/3cpo-dev/tagfarm/internal/telemetry"
	"github.com/3cpo-dev/tagfarm/internal/tool"
)

// Stage is one named step of a pipeline. A fan-out stage runs Command once
// per worker and then Merge once; a single stage runs Command(0, 1).
type Stage struct {
	Name    string
	Title   string
	Fanout  bool
	Command pool.Template
	// Merge is optional and only used for fan-out stages.
	Merge func(total int) []string
}

func (s Stage) label() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Name
}

// FailureKind classifies a fatal pipeline failure.
type FailureKind int

const (
	WorkerFailure FailureKind = iota
	StageFailure
	Cancelled
)

func (k FailureKind) String() string {
	switch k {
	case WorkerFailure:
		return "worker failure"
	case StageFailure:
		return "stage failure"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// StageError is the fatal failure that stopped a pipeline.
type StageError struct {
	Stage   string
	Title   string
	Kind    FailureKind
	LogPath string
	// Worker is the failing worker index, or -1.
	Worker   int
	Outcome  tool.Outcome
	EmptyLog bool
	Err      error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s during %s", e.Kind, e.Stage)
	if e.Worker >= 0 {
		msg += fmt.Sprintf(" (worker %d)", e.Worker)
	}
	if e.Kind != Cancelled {
		msg += ": " + e.Outcome.String()
	}
	if e.LogPath != "" {
		msg += ", log " + e.LogPath
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

// Warning is a non-fatal merge failure.
type Warning struct {
	Stage   string
	Outcome tool.Outcome
}

func (w Warning) String() string {
	return fmt.Sprintf("merge for %s failed: %s", w.Stage, w.Outcome)
}

// Result is the outcome of Run. Failed is nil when every stage completed.
type Result struct {
	Completed []string
	Warnings  []Warning
	Failed    *StageError
}

func (r Result) OK() bool { return r.Failed == nil }

// Pipeline runs stages through a shared runner and worker pool.
type Pipeline struct {
	Runner  tool.Starter
	Pool    *pool.Pool
	Workers int
	// CaptureSingles sends the output of non fan-out stages to
	// <run-root>/logs/<stage>/0.txt instead of the console.
	CaptureSingles bool
	Recorder       telemetry.Recorder
}

// Run executes stages in order. A stage starts only after the previous one
// has fully completed, merge included.
func (p *Pipeline) Run(ctx context.Context, stages []Stage) Result {
	rec := telemetry.OrNop(p.Recorder)
	var res Result

	for idx, st := range stages {
		if err := ctx.Err(); err != nil {
			res.Failed = &StageError{Stage: st.Name, Title: st.label(), Kind: Cancelled, Worker: -1, Err: err}
			return res
		}

		log.Info().Str("stage", st.Name).Int("step", idx+1).Int("of", len(stages)).Msg(st.label())
		start := time.Now()

		var failed *StageError
		if st.Fanout {
			failed = p.runFanout(ctx, st, &res, rec)
		} else {
			failed = p.runSingle(ctx, st, rec)
		}
		rec.StageFinished(st.Name, st.Fanout, time.Since(start), failed == nil)

		if failed != nil {
			if ctx.Err() != nil {
				failed.Kind = Cancelled
				failed.Err = ctx.Err()
			}
			res.Failed = failed
			return res
		}
		res.Completed = append(res.Completed, st.Name)
	}
	return res
}

func (p *Pipeline) runFanout(ctx context.Context, st Stage, res *Result, rec telemetry.Recorder) *StageError {
	err := p.Pool.RunFanout(ctx, st.Name, st.Command, p.Workers)
	if err != nil {
		var werr *pool.WorkerError
		if errors.As(err, &werr) {
			return &StageError{
				Stage:    st.Name,
				Title:    st.label(),
				Kind:     WorkerFailure,
				LogPath:  werr.LogPath,
				Worker:   werr.Index,
				Outcome:  werr.Outcome,
				EmptyLog: werr.EmptyLog,
				Err:      err,
			}
		}
		return &StageError{Stage: st.Name, Title: st.label(), Kind: StageFailure, Worker: -1, Outcome: tool.Outcome{Kind: tool.StartFailed, Err: err}, Err: err}
	}

	if st.Merge == nil {
		return nil
	}
	o := tool.Run(ctx, p.Runner, tool.Job{Args: st.Merge(p.Workers), Capture: tool.Inherit})
	rec.JobFinished("merge", o)
	if !o.OK() {
		w := Warning{Stage: st.Name, Outcome: o}
		log.Warn().Str("stage", st.Name).Int("exit_code", o.Code).Str("kind", o.Kind.String()).Msg("merge failed, continuing")
		rec.MergeFailed(st.Name)
		res.Warnings = append(res.Warnings, w)
	}
	return nil
}

func (p *Pipeline) runSingle(ctx context.Context, st Stage, rec telemetry.Recorder) *StageError {
	job := tool.Job{Args: st.Command(0, 1), Capture: tool.Inherit}
	if p.CaptureSingles && p.Pool != nil {
		job.Capture = tool.File
		job.LogPath = pool.LogPath(p.Pool.RunRoot, st.Name, 0)
	}

	o := tool.Run(ctx, p.Runner, job)
	rec.JobFinished("stage", o)
	if o.OK() {
		return nil
	}

	log.Error().Str("stage", st.Name).Int("exit_code", o.Code).Str("kind", o.Kind.String()).Msg("stage failed")
	return &StageError{
		Stage:    st.Name,
		Title:    st.label(),
		Kind:     StageFailure,
		LogPath:  job.LogPath,
		Worker:   -1,
		Outcome:  o,
		EmptyLog: job.LogPath != "" && logEmpty(job.LogPath),
	}
}

func logEmpty(path string) bool {
	info, err := os.Stat(path)
	return err != nil || info.Size() == 0
}
