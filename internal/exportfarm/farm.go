// Package exportfarm converts textures through a bounded pool of background
// tool jobs, waits for all of them, and only then builds materials.
package exportfarm

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/3cpo-dev/tagfarm/internal/catalog"
	"github.com/3cpo-dev/tagfarm/internal/telemetry"
	"github.com/3cpo-dev/tagfarm/internal/tool"
	"github.com/3cpo-dev/tagfarm/internal/workspace"
	"github.com/3cpo-dev/tagfarm/pkg/api"
)

// State tracks a farm run. Transitions only move forward.
type State int

const (
	Idle State = iota
	CatalogBuilt
	TexturesInFlight
	TextureBarrierReached
	MaterialsRunning
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CatalogBuilt:
		return "catalog-built"
	case TexturesInFlight:
		return "textures-in-flight"
	case TextureBarrierReached:
		return "texture-barrier-reached"
	case MaterialsRunning:
		return "materials-running"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Type selects which phases a run performs.
type Type int

const (
	Both Type = iota
	TexturesOnly
	MaterialsOnly
)

func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "both":
		return Both, nil
	case "bitmaps", "textures":
		return TexturesOnly, nil
	case "shaders", "materials":
		return MaterialsOnly, nil
	}
	return Both, fmt.Errorf("unknown farm type %q", s)
}

// Converter performs the local, synchronous part of a texture export and
// returns the data-relative source path the tool should import. An empty
// path means the item's own tag path is used.
type Converter interface {
	Convert(ctx context.Context, item catalog.Item) (string, error)
}

// SourceCheck is the default Converter: it verifies that the source file is
// present under DataDir and hands the source path back unchanged.
type SourceCheck struct {
	FS      workspace.FS
	DataDir string
}

func (c SourceCheck) Convert(_ context.Context, item catalog.Item) (string, error) {
	if item.Source == "" {
		return "", nil
	}
	p := path.Join(c.DataDir, item.Source)
	ok, err := c.FS.Exists(p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("source %s not found", p)
	}
	return item.Source, nil
}

// Farm runs export jobs against one project.
type Farm struct {
	Runner    tool.Starter
	Converter Converter
	Type      Type
	Corinth   bool
	Recorder  telemetry.Recorder
	// OnState, if set, is called on every state transition.
	OnState func(State)

	mu       sync.Mutex
	state    State
	inflight int
	exported map[string]bool
}

// State returns the current state.
func (f *Farm) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Farm) transition(to State) {
	f.mu.Lock()
	from := f.state
	if to < from {
		f.mu.Unlock()
		panic(fmt.Sprintf("exportfarm: invalid transition %s -> %s", from, to))
	}
	f.state = to
	f.mu.Unlock()
	log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("farm state")
	if f.OnState != nil {
		f.OnState(to)
	}
}

// TextureArgs is the background reimport invocation for a texture whose
// converted source is src. The tool derives the bitmap tag from src, so
// src loses its extension; an empty src falls back to the item's tag path.
func (f *Farm) TextureArgs(item catalog.Item, src string) []string {
	if src == "" {
		src = item.OutputPath
	}
	args := []string{"reimport-bitmaps-single", strings.TrimSuffix(src, path.Ext(src))}
	if f.Corinth {
		args = append(args, "default")
	}
	return args
}

// MaterialArgs is the synchronous build invocation for a material.
func (f *Farm) MaterialArgs(item catalog.Item) []string {
	sub := "build-shader"
	if f.Corinth {
		sub = "build-material"
	}
	args := []string{sub, item.OutputPath}
	for _, ref := range item.Refs {
		args = append(args, "--bitmap", ref)
	}
	return args
}

// Run exports cat with at most limit texture jobs in flight. Job failures
// are counted in the report; the returned error is only for invalid input or
// cancellation.
func (f *Farm) Run(ctx context.Context, cat *catalog.Catalog, limit int) (api.FarmReport, error) {
	var report api.FarmReport
	if cat == nil {
		return report, errors.New("no catalog")
	}
	if limit < 1 {
		return report, fmt.Errorf("texture concurrency must be at least 1, got %d", limit)
	}
	f.mu.Lock()
	if f.state != Idle {
		f.mu.Unlock()
		return report, errors.New("farm has already run")
	}
	f.exported = make(map[string]bool)
	f.mu.Unlock()

	start := time.Now()
	rec := telemetry.OrNop(f.Recorder)
	f.transition(CatalogBuilt)

	var textures, materials []catalog.Item
	if f.Type != MaterialsOnly {
		textures = cat.Textures()
	}
	if f.Type != TexturesOnly {
		materials = cat.Materials()
	}
	log.Info().Int("textures", len(textures)).Int("materials", len(materials)).Int("limit", limit).Msg("export farm started")

	f.transition(TexturesInFlight)
	err := f.runTextures(ctx, textures, limit, &report, rec)
	f.transition(TextureBarrierReached)
	if err != nil {
		report.DurationSeconds = time.Since(start).Seconds()
		rec.RunFinished(string(api.RunFarm), false, time.Since(start))
		return report, err
	}

	f.transition(MaterialsRunning)
	for _, item := range materials {
		if err := ctx.Err(); err != nil {
			report.DurationSeconds = time.Since(start).Seconds()
			rec.RunFinished(string(api.RunFarm), false, time.Since(start))
			return report, err
		}
		o := tool.Run(ctx, f.Runner, tool.Job{Args: f.MaterialArgs(item), Capture: tool.Discard})
		rec.JobFinished("material", o)
		report.MaterialsProcessed++
		if !o.OK() {
			report.MaterialFailures++
			log.Warn().Str("item", item.Name).Str("outcome", o.String()).Msg("material build failed")
		}
	}
	f.transition(Done)

	report.DurationSeconds = time.Since(start).Seconds()
	rec.RunFinished(string(api.RunFarm), report.TextureFailures == 0 && report.MaterialFailures == 0, time.Since(start))
	log.Info().Msgf("Farm Completed in %d seconds", int(report.DurationSeconds))
	return report, nil
}

// runTextures launches texture jobs behind a weighted semaphore and returns
// once every launched job has exited.
func (f *Farm) runTextures(ctx context.Context, items []catalog.Item, limit int, report *api.FarmReport, rec telemetry.Recorder) error {
	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup
	var reportMu sync.Mutex
	var launchErr error

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			launchErr = err
			break
		}
		if !f.claim(item.OutputPath) {
			log.Debug().Str("item", item.Name).Str("path", item.OutputPath).Msg("already exported this run")
			report.DuplicatesSkipped++
			continue
		}

		var src string
		if f.Converter != nil {
			var err error
			if src, err = f.Converter.Convert(ctx, item); err != nil {
				log.Warn().Err(err).Str("item", item.Name).Msg("texture conversion failed, skipping")
				reportMu.Lock()
				report.TextureFailures++
				reportMu.Unlock()
				continue
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			launchErr = err
			break
		}
		f.setInflight(+1, rec)
		h := f.Runner.Start(ctx, tool.Job{Args: f.TextureArgs(item, src), Capture: tool.Discard})

		wg.Add(1)
		go func(item catalog.Item) {
			defer wg.Done()
			o := h.Wait()
			f.setInflight(-1, rec)
			sem.Release(1)
			rec.JobFinished("texture", o)

			reportMu.Lock()
			report.TexturesProcessed++
			if !o.OK() {
				report.TextureFailures++
			}
			reportMu.Unlock()
			if !o.OK() {
				log.Warn().Str("item", item.Name).Str("outcome", o.String()).Msg("texture reimport failed")
			}
		}(item)
	}

	wg.Wait()
	return launchErr
}

// claim records path as exported this run and reports whether it was new.
func (f *Farm) claim(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exported[p] {
		return false
	}
	f.exported[p] = true
	return true
}

func (f *Farm) setInflight(delta int, rec telemetry.Recorder) {
	f.mu.Lock()
	f.inflight += delta
	n := f.inflight
	f.mu.Unlock()
	rec.FarmInFlight(n)
}
