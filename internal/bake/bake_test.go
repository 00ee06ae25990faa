package bake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/tagfarm/internal/tool"
	"github.com/3cpo-dev/tagfarm/internal/tool/tooltest"
	"github.com/3cpo-dev/tagfarm/internal/workspace"
)

func newBaker(t *testing.T, fake *tooltest.Fake, workers int) *Baker {
	t.Helper()
	root := t.TempDir()
	return &Baker{
		Runner:      fake,
		FS:          workspace.NewLocal(root),
		ProjectRoot: root,
		Workers:     workers,
	}
}

func TestStagedBakeSuccess(t *testing.T) {
	fake := &tooltest.Fake{}
	b := newBaker(t, fake, 2)

	report := b.Bake(context.Background(), Staged{Quality: "high"}, Scope{Scenario: "levels/test/zanzibar", BSP: "all"})
	require.True(t, report.OK, report.Message)
	assert.Equal(t, "High Quality lightmap complete", report.Message)
	assert.Equal(t, "staged", report.Profile)

	assert.Equal(t, []string{
		"faux_data_sync",
		"faux_farm_begin",
		"faux_farm_dillum", "faux_farm_dillum", "faux_farm_dillum_merge",
		"faux_farm_pcast", "faux_farm_pcast", "faux_farm_pcast_merge",
		"faux_farm_radest_extillum", "faux_farm_radest_extillum", "faux_farm_radest_extillum_merge",
		"faux_farm_fgather", "faux_farm_fgather", "faux_farm_fgather_merge",
		"faux_farm_finish",
		"faux-reorganize-mesh-for-analytical-lights",
		"faux-build-vmf-textures-from-quadratic",
	}, fake.Subcommands())

	begin := fake.Matching("faux_farm_begin")[0].Job.Args
	assert.Equal(t, []string{"faux_farm_begin", "levels/test/zanzibar", "all", "all", "high", "111", "true"}, begin)

	worker := fake.Matching("faux_farm_pcast")[1].Job
	assert.Equal(t, []string{"faux_farm_pcast", "faux/111", "1", "2"}, worker.Args)
	assert.Equal(t, filepath.Join(b.ProjectRoot, "faux", "111", "logs", "pcast", "1.txt"), worker.LogPath)
}

func TestStagedBakeWorkerFailureMessage(t *testing.T) {
	fake := &tooltest.Fake{Script: func(job tool.Job) tooltest.Result {
		if job.Args[0] == "faux_farm_pcast" && job.Args[2] == "1" {
			return tooltest.Result{Code: 1}
		}
		return tooltest.Result{Output: "ok"}
	}}
	b := newBaker(t, fake, 4)

	report := b.Bake(context.Background(), Staged{Quality: "draft"}, Scope{Scenario: "s", BSP: "all"})
	require.False(t, report.OK)

	logPath := filepath.Join(b.ProjectRoot, "faux", "111", "logs", "pcast", "1.txt")
	assert.Equal(t, "pcast", report.Stage)
	assert.Equal(t, logPath, report.LogPath)
	assert.True(t, strings.HasPrefix(report.Message, "Lightmapper failed during Photon Cast. See error log for details: "+logPath))
	assert.Contains(t, report.Message, "minimal space remaining on your disk drive")

	for _, sub := range []string{"faux_farm_pcast_merge", "faux_farm_radest_extillum", "faux_farm_fgather", "faux_farm_finish"} {
		assert.Empty(t, fake.Matching(sub), sub)
	}
}

func TestStagedBakeNoHintWhenLogHasContent(t *testing.T) {
	fake := &tooltest.Fake{Script: func(job tool.Job) tooltest.Result {
		if job.Args[0] == "faux_farm_dillum" {
			return tooltest.Result{Code: 3, Output: "out of photons"}
		}
		return tooltest.Result{Output: "ok"}
	}}
	b := newBaker(t, fake, 1)

	report := b.Bake(context.Background(), Staged{Quality: "low"}, Scope{Scenario: "s"})
	require.False(t, report.OK)
	assert.NotContains(t, report.Message, "disk drive")
}

func TestStagedBakeMergeFailureStillSucceeds(t *testing.T) {
	fake := &tooltest.Fake{Script: func(job tool.Job) tooltest.Result {
		if job.Args[0] == "faux_farm_dillum_merge" {
			return tooltest.Result{Code: 1}
		}
		return tooltest.Result{Output: "ok"}
	}}
	b := newBaker(t, fake, 2)

	report := b.Bake(context.Background(), Staged{Quality: "direct_only"}, Scope{Scenario: "s"})
	require.True(t, report.OK)
	assert.Equal(t, "Direct Only Quality lightmap complete", report.Message)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "dillum")
	assert.NotEmpty(t, fake.Matching("faux_farm_pcast"))
}

func TestSingleShotCommands(t *testing.T) {
	cases := []struct {
		name    string
		profile SingleShot
		scope   Scope
		want    []string
	}{
		{"whole scope", SingleShot{Quality: "high"}, Scope{Scenario: "s", BSP: "all"},
			[]string{"faux_lightmap_with_settings_for_all", "s", "all", "true", "false", "globals/lightmapper_settings/high"}},
		{"one bsp", SingleShot{Quality: "medium"}, Scope{Scenario: "s", BSP: "010_bsp"},
			[]string{"faux_lightmap_with_settings", "s", "010_bsp", "true", "false", "globals/lightmapper_settings/medium"}},
		{"custom quality", SingleShot{Quality: "__custom__"}, Scope{Scenario: "s", BSP: "010_bsp"},
			[]string{"faux_lightmap", "s", "010_bsp", "false", "false"}},
		{"asset quality", SingleShot{Quality: "__asset__"}, Scope{Scenario: "s"},
			[]string{"faux_lightmap", "s", "all", "true", "false"}},
		{"model", SingleShot{Quality: "high", Model: true}, Scope{Scenario: "objects/crate"},
			[]string{"faux_lightmap_model", "objects/crate", "true", "false"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &tooltest.Fake{}
			b := newBaker(t, fake, 1)
			report := b.Bake(context.Background(), tc.profile, tc.scope)
			require.True(t, report.OK)
			calls := fake.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tc.want, calls[0].Job.Args)
		})
	}
}

func TestSingleShotPrePassCleanup(t *testing.T) {
	fake := &tooltest.Fake{}
	b := newBaker(t, fake, 1)
	scenario := "levels/test/zanzibar"
	for _, p := range DefaultPrePassArtifacts(scenario) {
		full := filepath.Join(b.ProjectRoot, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("intermediate"), 0o644))
	}

	report := b.Bake(context.Background(), SingleShot{Quality: "high", PrePass: true}, Scope{Scenario: scenario})
	require.True(t, report.OK)
	assert.Empty(t, report.Warnings)

	prepass := fake.Matching("faux_export_analytical_lights")
	require.Len(t, prepass, 1)
	assert.Equal(t, tool.Discard, prepass[0].Job.Capture)
	for _, p := range DefaultPrePassArtifacts(scenario) {
		assert.NoFileExists(t, filepath.Join(b.ProjectRoot, p))
	}
}

type failingFS struct{ workspace.FS }

func (failingFS) Remove(path string) error { return errors.New("remove " + path + ": permission denied") }

func TestSingleShotCleanupFailureIsWarning(t *testing.T) {
	fake := &tooltest.Fake{}
	b := newBaker(t, fake, 1)
	b.FS = failingFS{b.FS}

	report := b.Bake(context.Background(), SingleShot{Quality: "high", PrePass: true}, Scope{Scenario: "s"})
	require.True(t, report.OK)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "3 errors occurred")
}

func TestSingleShotFailureStillCleansUp(t *testing.T) {
	fake := &tooltest.Fake{Script: func(job tool.Job) tooltest.Result {
		if strings.HasPrefix(job.Args[0], "faux_lightmap") {
			return tooltest.Result{Code: 5}
		}
		return tooltest.Result{}
	}}
	b := newBaker(t, fake, 1)
	artifact := filepath.Join(b.ProjectRoot, "s.analytical_lights")
	require.NoError(t, os.WriteFile(artifact, nil, 0o644))

	report := b.Bake(context.Background(), SingleShot{Quality: "low", PrePass: true}, Scope{Scenario: "s"})
	require.False(t, report.OK)
	assert.Contains(t, report.Message, "Lightmapper failed during Lightmapping")
	assert.NoFileExists(t, artifact)
}

func TestQualityHelpers(t *testing.T) {
	assert.Equal(t, "direct_only", NormalizeStagedQuality("DIRECT"))
	assert.Equal(t, "medium", NormalizeStagedQuality("Medium"))
	assert.Equal(t, "super_slow", NormalizeStagedQuality("ultra"))
	assert.Equal(t, "Super Slow", FormalQuality("super_slow"))
	assert.Equal(t, "Custom", FormalQuality("__custom__"))
	assert.Equal(t, "Default", FormalQuality(""))
}
