package api

import "time"

// v0 contains the report types returned to callers of the orchestrators.

type RunKind string

const (
	RunBake RunKind = "bake"
	RunFarm RunKind = "farm"
)

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// BakeReport is the user-visible result of one bake.
type BakeReport struct {
	OK       bool          `json:"ok" yaml:"ok"`
	Message  string        `json:"message" yaml:"message"`
	Profile  string        `json:"profile" yaml:"profile"`
	Quality  string        `json:"quality" yaml:"quality"`
	Stage    string        `json:"stage,omitempty" yaml:"stage,omitempty"`
	LogPath  string        `json:"log_path,omitempty" yaml:"log_path,omitempty"`
	Warnings []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// FarmReport summarizes one export farm run.
type FarmReport struct {
	TexturesProcessed  int     `json:"textures_processed" yaml:"textures_processed"`
	MaterialsProcessed int     `json:"materials_processed" yaml:"materials_processed"`
	TextureFailures    int     `json:"texture_failures" yaml:"texture_failures"`
	MaterialFailures   int     `json:"material_failures" yaml:"material_failures"`
	DuplicatesSkipped  int     `json:"duplicates_skipped" yaml:"duplicates_skipped"`
	DurationSeconds    float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID        string        `json:"id"`
	Kind      RunKind       `json:"kind"`
	Profile   string        `json:"profile"`
	Status    RunStatus     `json:"status"`
	Message   string        `json:"message"`
	Textures  int           `json:"textures"`
	Materials int           `json:"materials"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
