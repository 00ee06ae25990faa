package bake

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/3cpo-dev/tagfarm/internal/pipeline"
)

// Scope names what to bake. An empty BSP or "all" means the whole scenario.
type Scope struct {
	Scenario string
	BSP      string
}

func (s Scope) bsp() string {
	if s.BSP == "" {
		return "all"
	}
	return s.BSP
}

func (s Scope) whole() bool { return s.bsp() == "all" }

// Profile selects the bake strategy. It is chosen once per bake and
// implemented only by Staged and SingleShot.
type Profile interface {
	Name() string
	QualityName() string
	sealed()
}

// Staged drives the distributed lightmapper: data sync, farm begin, four
// fan-out passes with merges, farm finish and two post-process steps.
type Staged struct {
	Quality    string
	LightGroup string
}

func (Staged) Name() string          { return "staged" }
func (p Staged) QualityName() string { return p.Quality }
func (Staged) sealed()               {}

// SingleShot runs the lightmapper as one tool invocation, optionally with a
// background pre-pass whose artifacts are deleted afterwards.
type SingleShot struct {
	Quality string
	Model   bool
	PrePass bool
}

func (SingleShot) Name() string          { return "single-shot" }
func (p SingleShot) QualityName() string { return p.Quality }
func (SingleShot) sealed()               {}

// Staged bake qualities, cheapest first.
var StagedQualities = []string{"direct_only", "draft", "low", "medium", "high", "super_slow"}

// NormalizeStagedQuality maps user input onto a staged quality. Unknown
// values fall back to super_slow.
func NormalizeStagedQuality(q string) string {
	switch strings.ToLower(strings.TrimSpace(q)) {
	case "direct", "direct_only":
		return "direct_only"
	case "draft":
		return "draft"
	case "low":
		return "low"
	case "medium":
		return "medium"
	case "high":
		return "high"
	default:
		return "super_slow"
	}
}

// FormalQuality turns a quality id into display text, e.g. "direct_only"
// becomes "Direct Only" and "__custom__" becomes "Custom".
func FormalQuality(q string) string {
	words := strings.FieldsFunc(q, func(r rune) bool { return r == '_' || r == ' ' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	if len(words) == 0 {
		return "Default"
	}
	return strings.Join(words, " ")
}

// Names of the staged fan-out passes, in run order.
const (
	StageDirectIllum   = "dillum"
	StagePhotonCast    = "pcast"
	StageExtendedIllum = "radest_extillum"
	StageFinalGather   = "fgather"
)

var fanoutTitles = map[string]string{
	StageDirectIllum:   "Direct Illumination",
	StagePhotonCast:    "Photon Cast",
	StageExtendedIllum: "Extended Illumination",
	StageFinalGather:   "Final Gather",
}

func fixed(args ...string) func(int, int) []string {
	return func(int, int) []string { return args }
}

func farmStage(name, blobDir string) pipeline.Stage {
	return pipeline.Stage{
		Name:   name,
		Title:  fanoutTitles[name],
		Fanout: true,
		Command: func(i, n int) []string {
			return []string{"faux_farm_" + name, blobDir, strconv.Itoa(i), strconv.Itoa(n)}
		},
		Merge: func(n int) []string {
			return []string{"faux_farm_" + name + "_merge", blobDir, strconv.Itoa(n)}
		},
	}
}

// stages builds the staged pipeline for scope. blobDir is relative to the
// project root; its last element names the farm blob.
func (p Staged) stages(scope Scope, blobDir string) []pipeline.Stage {
	group := p.LightGroup
	if group == "" {
		group = "all"
	}
	bsp := scope.bsp()
	return []pipeline.Stage{
		{Name: "data_sync", Title: "Synchronising Data", Command: fixed("faux_data_sync", scope.Scenario, bsp)},
		{Name: "farm_begin", Title: "Beginning Farm", Command: fixed("faux_farm_begin", scope.Scenario, bsp, group, p.Quality, path.Base(blobDir), "true")},
		farmStage(StageDirectIllum, blobDir),
		farmStage(StagePhotonCast, blobDir),
		farmStage(StageExtendedIllum, blobDir),
		farmStage(StageFinalGather, blobDir),
		{Name: "farm_finish", Title: "Finishing Farm", Command: fixed("faux_farm_finish", blobDir)},
		{Name: "reorganize_analytical", Title: "Reorganising Mesh for Analytical Lights", Command: fixed("faux-reorganize-mesh-for-analytical-lights", scope.Scenario, bsp)},
		{Name: "vmf_textures", Title: "Building VMF Textures", Command: fixed("faux-build-vmf-textures-from-quadratic", scope.Scenario, bsp, "true", "true")},
	}
}

func (p SingleShot) suppressDialog() string {
	if p.Quality == "" || p.Quality == "__custom__" {
		return "false"
	}
	return "true"
}

// command is the single lightmapper invocation for scope.
func (p SingleShot) command(scope Scope) []string {
	const reatlas = "false"
	suppress := p.suppressDialog()
	switch {
	case p.Model:
		return []string{"faux_lightmap_model", scope.Scenario, suppress, reatlas}
	case p.Quality == "__custom__" || p.Quality == "__asset__":
		return []string{"faux_lightmap", scope.Scenario, scope.bsp(), suppress, reatlas}
	case scope.whole():
		return []string{"faux_lightmap_with_settings_for_all", scope.Scenario, "all", suppress, reatlas, settingsPath(p.Quality)}
	default:
		return []string{"faux_lightmap_with_settings", scope.Scenario, scope.bsp(), suppress, reatlas, settingsPath(p.Quality)}
	}
}

func settingsPath(quality string) string {
	return path.Join("globals", "lightmapper_settings", quality)
}

func (p SingleShot) prePassCommand(scope Scope) []string {
	return []string{"faux_export_analytical_lights", scope.Scenario, scope.bsp()}
}

// DefaultPrePassArtifacts are the intermediate files the analytical light
// pre-pass leaves next to the scenario.
func DefaultPrePassArtifacts(scenario string) []string {
	return []string{
		scenario + ".analytical_lights",
		scenario + ".analytical_lights.wrl",
		scenario + "_analytical_prepass.txt",
	}
}

func describe(p Profile) string {
	return fmt.Sprintf("%s/%s", p.Name(), p.QualityName())
}
