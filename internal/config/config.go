// Package config loads tagfarm settings from YAML, an optional env file and
// TAGFARM_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TAGFARM_"

type ToolConfig struct {
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
}

type LightmapConfig struct {
	BlobDir          string   `yaml:"blob_dir"`
	PrePassArtifacts []string `yaml:"prepass_artifacts"`
}

type FarmConfig struct {
	Concurrency int    `yaml:"concurrency"`
	Corinth     bool   `yaml:"corinth"`
	ShadersDir  string `yaml:"shaders_dir"`
}

// LogConfig sets the level and an optional rotated log file that receives
// a copy of console output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	// Profiling adds pprof and build info to the metrics listener.
	Profiling bool `yaml:"profiling"`
}

// RemoteConfig points tool invocations at a build host over SSH.
type RemoteConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	KnownHosts     string `yaml:"known_hosts"`
	Retries        int    `yaml:"retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Config struct {
	ProjectRoot        string          `yaml:"project_root"`
	TagsDir            string          `yaml:"tags_dir"`
	DataDir            string          `yaml:"data_dir"`
	Tool               ToolConfig      `yaml:"tool"`
	Workers            int             `yaml:"workers"`
	CaptureStageOutput bool            `yaml:"capture_stage_output"`
	Lightmap           LightmapConfig  `yaml:"lightmap"`
	Farm               FarmConfig      `yaml:"farm"`
	Log                LogConfig       `yaml:"log"`
	Store              StoreConfig     `yaml:"store"`
	Telemetry          TelemetryConfig `yaml:"telemetry"`
	Remote             RemoteConfig    `yaml:"remote"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"project_root":         "",
		"tags_dir":             "tags",
		"data_dir":             "data",
		"tool":                 map[string]interface{}{"executable": "tool.exe", "args": []interface{}{}},
		"workers":              0,
		"capture_stage_output": false,
		"lightmap":             map[string]interface{}{"blob_dir": "faux/111", "prepass_artifacts": []interface{}{}},
		"farm":                 map[string]interface{}{"concurrency": 0, "corinth": false, "shaders_dir": "shaders"},
		"log":                  map[string]interface{}{"level": "info", "file": "", "max_size_mb": 50, "max_backups": 5, "max_age_days": 30},
		"store":                map[string]interface{}{"path": ""},
		"telemetry":            map[string]interface{}{"metrics_addr": "", "profiling": false},
		"remote": map[string]interface{}{
			"enabled":         false,
			"addr":            "",
			"user":            "",
			"key_path":        "",
			"known_hosts":     "",
			"retries":         2,
			"timeout_seconds": 15,
		},
	}
}

// DefaultPath resolves $XDG_CONFIG_HOME/tagfarm/config.yaml or
// ~/.config/tagfarm/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tagfarm", "config.yaml")
}

// LoadConfig reads configuration from path, or from DefaultPath when path is
// empty. A missing default file yields the built-in defaults. envFile, when
// empty, defaults to tagfarm.env next to the config file.
func LoadConfig(path, envFile string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	merged := defaults()
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fromFile map[string]interface{}
		if err := yaml.Unmarshal(content, &fromFile); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		mergeMaps(merged, fromFile)
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	if envFile == "" {
		envFile = filepath.Join(filepath.Dir(path), "tagfarm.env")
	}
	env, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read env file: %w", err)
	}
	if env == nil {
		env = map[string]string{}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, envPrefix) {
			env[k] = v
		}
	}
	applyEnv(merged, "", env)

	if err := decode(merged, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func decode(in map[string]interface{}, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// mergeMaps copies src over dst, descending into nested sections.
func mergeMaps(dst, src map[string]interface{}) {
	for k, v := range src {
		if sub, ok := v.(map[string]interface{}); ok {
			if existing, ok := dst[k].(map[string]interface{}); ok {
				mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// applyEnv overrides every known leaf key whose TAGFARM_ name is set, e.g.
// farm.concurrency from TAGFARM_FARM_CONCURRENCY.
func applyEnv(m map[string]interface{}, prefix string, env map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := prefix + strings.ToUpper(k)
		if sub, ok := m[k].(map[string]interface{}); ok {
			applyEnv(sub, name+"_", env)
			continue
		}
		if v, ok := env[envPrefix+name]; ok {
			m[k] = v
		}
	}
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if c.ProjectRoot == "" {
		return errors.New("project_root is required")
	}
	if c.Tool.Executable == "" {
		return errors.New("tool.executable is required")
	}
	if c.Remote.Enabled && (c.Remote.Addr == "" || c.Remote.User == "") {
		return errors.New("remote.addr and remote.user are required when remote is enabled")
	}
	return nil
}

// WorkerCount is the fan-out width for staged bakes.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// FarmConcurrency caps in-flight texture jobs.
func (c Config) FarmConcurrency() int {
	if c.Farm.Concurrency > 0 {
		return c.Farm.Concurrency
	}
	return 2 * runtime.NumCPU()
}

// StorePath is the run history database, or "" when history is disabled.
func (c Config) StorePath() string {
	switch c.Store.Path {
	case "off":
		return ""
	case "":
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, "tagfarm", "history.db")
	}
	return c.Store.Path
}
