package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Image is a texture as it appears in the scene snapshot.
type Image struct {
	Name string `yaml:"name"`
	// Linked marks items pulled in from another library file.
	Linked     bool   `yaml:"linked"`
	SourcePath string `yaml:"source_path"`
	// TagPath overrides the derived bitmap output path.
	TagPath string `yaml:"tag_path"`
	// Dirty is set when the source was edited since the last export. The farm
	// never clears it; whoever writes the snapshot does, once the export lands.
	Dirty bool `yaml:"dirty"`
}

// Material is a scene material and the images its node graph references.
type Material struct {
	Name       string   `yaml:"name"`
	ShaderName string   `yaml:"shader_name"`
	Linked     bool     `yaml:"linked"`
	Kind       string   `yaml:"kind"`
	ShaderPath string   `yaml:"shader_path"`
	Dirty      bool     `yaml:"dirty"`
	Images     []string `yaml:"images"`
}

// Renderable reports whether the material is a surface material the tool
// can build a shader for. An empty kind means "render".
func (m Material) Renderable() bool { return m.Kind == "" || m.Kind == "render" }

// Snapshot is a read-only view of the scene's exportable items, in
// enumeration order.
type Snapshot struct {
	Images    []Image    `yaml:"images"`
	Materials []Material `yaml:"materials"`
}

// LoadSnapshot reads a YAML snapshot manifest.
func LoadSnapshot(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	var s Snapshot
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	for i := range s.Materials {
		if s.Materials[i].ShaderName == "" {
			s.Materials[i].ShaderName = s.Materials[i].Name
		}
	}
	return &s, nil
}
