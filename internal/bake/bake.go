// Package bake selects and drives a lightmap bake profile and turns the
// result into a user-facing report.
package bake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tagfarm/internal/pipeline"
	"github.com/3cpo-dev/tagfarm/internal/pool"
	"github.com/3cpo-dev/tagfarm/internal/telemetry"
	"github.com/3cpo-dev/tagfarm/internal/tool"
	"github.com/3cpo-dev/tagfarm/internal/workspace"
	"github.com/3cpo-dev/tagfarm/pkg/api"
)

const diskSpaceHint = "If nothing is written to the above log, it may be that you have minimal space remaining on your disk drive"

// Baker runs bakes against one project root.
type Baker struct {
	Runner      tool.Starter
	FS          workspace.FS
	ProjectRoot string
	// BlobDir is the staged farm directory relative to ProjectRoot; worker
	// logs are written beneath it.
	BlobDir string
	Workers int
	// PrePassArtifacts overrides DefaultPrePassArtifacts when non-empty.
	PrePassArtifacts []string
	CaptureSingles   bool
	Recorder         telemetry.Recorder
}

// Bake runs profile over scope. Tool failures are reported through the
// returned report, never as a panic or error.
func (b *Baker) Bake(ctx context.Context, profile Profile, scope Scope) api.BakeReport {
	start := time.Now()
	rec := telemetry.OrNop(b.Recorder)
	log.Info().Str("profile", describe(profile)).Str("scenario", scope.Scenario).Str("bsp", scope.bsp()).Msg("bake started")

	var report api.BakeReport
	switch p := profile.(type) {
	case Staged:
		report = b.bakeStaged(ctx, p, scope)
	case SingleShot:
		report = b.bakeSingleShot(ctx, p, scope)
	default:
		report = api.BakeReport{Message: fmt.Sprintf("unknown bake profile %T", profile)}
	}
	report.Profile = profile.Name()
	report.Quality = profile.QualityName()
	report.Duration = time.Since(start)
	rec.RunFinished(string(api.RunBake), report.OK, report.Duration)

	ev := log.Info()
	if !report.OK {
		ev = log.Error()
	}
	ev.Str("profile", describe(profile)).Dur("duration", report.Duration).Msg(report.Message)
	return report
}

func (b *Baker) blobDir() string {
	if b.BlobDir == "" {
		return filepath.ToSlash(filepath.Join("faux", "111"))
	}
	return b.BlobDir
}

func (b *Baker) bakeStaged(ctx context.Context, p Staged, scope Scope) api.BakeReport {
	runRoot := filepath.Join(b.ProjectRoot, filepath.FromSlash(b.blobDir()))
	pl := &pipeline.Pipeline{
		Runner:         b.Runner,
		Pool:           &pool.Pool{Runner: b.Runner, RunRoot: runRoot, Recorder: b.Recorder},
		Workers:        b.Workers,
		CaptureSingles: b.CaptureSingles,
		Recorder:       b.Recorder,
	}
	if pl.Workers < 1 {
		pl.Workers = 1
	}

	res := pl.Run(ctx, p.stages(scope, b.blobDir()))
	report := api.BakeReport{OK: res.OK()}
	for _, w := range res.Warnings {
		report.Warnings = append(report.Warnings, w.String())
	}
	if res.OK() {
		report.Message = fmt.Sprintf("%s Quality lightmap complete", FormalQuality(p.Quality))
		return report
	}
	report.Stage = res.Failed.Stage
	report.LogPath = res.Failed.LogPath
	report.Message = failureMessage(res.Failed)
	return report
}

func (b *Baker) bakeSingleShot(ctx context.Context, p SingleShot, scope Scope) api.BakeReport {
	rec := telemetry.OrNop(b.Recorder)

	var prepass *tool.Handle
	if p.PrePass {
		prepass = b.Runner.Start(ctx, tool.Job{Args: p.prePassCommand(scope), Capture: tool.Discard})
	}

	pl := &pipeline.Pipeline{Runner: b.Runner, Recorder: b.Recorder}
	if b.CaptureSingles {
		pl.CaptureSingles = true
		pl.Pool = &pool.Pool{Runner: b.Runner, RunRoot: filepath.Join(b.ProjectRoot, filepath.FromSlash(b.blobDir()))}
	}
	command := p.command(scope)
	res := pl.Run(ctx, []pipeline.Stage{{
		Name:    "lightmap",
		Title:   "Lightmapping",
		Command: fixed(command...),
	}})

	report := api.BakeReport{OK: res.OK()}
	if prepass != nil {
		o := prepass.Wait()
		rec.JobFinished("prepass", o)
		if !o.OK() {
			msg := fmt.Sprintf("analytical light pre-pass failed: %s", o)
			log.Warn().Int("exit_code", o.Code).Str("kind", o.Kind.String()).Msg("pre-pass failed, continuing")
			report.Warnings = append(report.Warnings, msg)
		}
		if err := b.cleanup(scope); err != nil {
			log.Warn().Err(err).Msg("pre-pass cleanup incomplete")
			report.Warnings = append(report.Warnings, err.Error())
		}
	}

	if res.OK() {
		report.Message = fmt.Sprintf("%s Quality lightmap complete", FormalQuality(p.Quality))
		return report
	}
	report.Stage = res.Failed.Stage
	report.LogPath = res.Failed.LogPath
	report.Message = failureMessage(res.Failed)
	return report
}

// cleanup removes pre-pass artifacts. Every path is attempted; failures are
// collected and returned together.
func (b *Baker) cleanup(scope Scope) error {
	paths := b.PrePassArtifacts
	if len(paths) == 0 {
		paths = DefaultPrePassArtifacts(scope.Scenario)
	}
	if b.FS == nil {
		return errors.New("no workspace filesystem for pre-pass cleanup")
	}

	var result *multierror.Error
	for _, p := range paths {
		if err := b.FS.Remove(p); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		log.Debug().Str("path", p).Msg("removed pre-pass artifact")
	}
	return result.ErrorOrNil()
}

func failureMessage(f *pipeline.StageError) string {
	if f.Kind == pipeline.Cancelled {
		return fmt.Sprintf("Lightmapper cancelled during %s", f.Title)
	}
	if f.LogPath == "" {
		return fmt.Sprintf("Lightmapper failed during %s (%s)", f.Title, f.Outcome)
	}
	msg := fmt.Sprintf("Lightmapper failed during %s. See error log for details: %s", f.Title, f.LogPath)
	if f.Outcome.Kind != tool.Exited {
		msg += fmt.Sprintf(" (%s)", f.Outcome.Kind)
	}
	if f.EmptyLog {
		msg += "\n" + diskSpaceHint
	}
	return msg
}
