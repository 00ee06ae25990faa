// Package catalog decides which textures and materials an export run
// should process, and whether each one is new or an update.
package catalog

import (
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tagfarm/internal/workspace"
)

type Kind int

const (
	Texture Kind = iota
	MaterialKind
)

func (k Kind) String() string {
	if k == Texture {
		return "texture"
	}
	return "material"
}

// Bucket is the classification of one item against the output tree.
type Bucket int

const (
	New Bucket = iota
	Update
	Unchanged
)

func (b Bucket) String() string {
	switch b {
	case New:
		return "new"
	case Update:
		return "update"
	default:
		return "unchanged"
	}
}

// Scope filters which buckets a run processes.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeNew
	ScopeUpdate
)

func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return ScopeAll, nil
	case "new", "new-only":
		return ScopeNew, nil
	case "update", "update-only":
		return ScopeUpdate, nil
	}
	return ScopeAll, fmt.Errorf("unknown export scope %q", s)
}

func (s Scope) String() string {
	switch s {
	case ScopeNew:
		return "new"
	case ScopeUpdate:
		return "update"
	default:
		return "all"
	}
}

// Item is one exportable thing with its derived output path, relative to
// the tags directory.
type Item struct {
	Name       string
	Kind       Kind
	Source     string
	OutputPath string
	Dirty      bool
	Bucket     Bucket
	// Refs holds the output paths of the textures a material uses.
	Refs []string
}

// Skip records an item left out by policy.
type Skip struct {
	Name   string
	Kind   Kind
	Reason string
}

// Options control catalog construction.
type Options struct {
	TextureScope  Scope
	MaterialScope Scope
	// IncludeAllImages keeps images no material references.
	IncludeAllImages bool
	Corinth          bool
	TagsDir          string
	ShadersDir       string
}

// Catalog is the immutable result of Build.
type Catalog struct {
	opts      Options
	textures  []Item
	materials []Item
	skipped   []Skip
}

// ImageExtensions are the file extensions that mark a pseudo-duplicate when
// they survive in an image name after its numeric suffix is removed.
var ImageExtensions = []string{
	".bmp", ".sgi", ".rgb", ".bw", ".png", ".jpg", ".jpeg", ".jp2", ".j2c",
	".tga", ".cin", ".dpx", ".exr", ".hdr", ".tif", ".tiff", ".webp",
}

// dotPartition drops the last dotted suffix, so "rock.png.001" yields
// "rock.png". A name with nothing before its last dot is returned whole.
func dotPartition(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i]
	}
	return name
}

// IsPseudoDuplicate reports an image name like "rock.png.001" that is an
// accidental copy of another image. The extension match is case-sensitive.
func IsPseudoDuplicate(name string) bool {
	base := dotPartition(name)
	for _, ext := range ImageExtensions {
		if strings.HasSuffix(base, ext) {
			return true
		}
	}
	return false
}

// Classify buckets an item from whether its output exists and whether its
// source is dirty.
func Classify(exists, dirty bool) Bucket {
	switch {
	case !exists:
		return New
	case dirty:
		return Update
	default:
		return Unchanged
	}
}

// Select applies scope to classified items. Unchanged items are never
// selected; ScopeAll yields new items before updates, each group in input
// order.
func Select(items []Item, scope Scope) []Item {
	var fresh, updates []Item
	for _, it := range items {
		switch it.Bucket {
		case New:
			fresh = append(fresh, it)
		case Update:
			updates = append(updates, it)
		}
	}
	switch scope {
	case ScopeNew:
		return fresh
	case ScopeUpdate:
		return updates
	default:
		return append(fresh, updates...)
	}
}

func (o Options) materialOutput(m Material) string {
	if m.ShaderPath != "" {
		return m.ShaderPath
	}
	dir := o.ShadersDir
	if dir == "" {
		dir = "shaders"
	}
	ext := ".shader"
	if o.Corinth {
		ext = ".material"
	}
	return path.Join(dir, m.ShaderName+ext)
}

func textureOutput(img Image) string {
	if img.TagPath != "" {
		return img.TagPath
	}
	return strings.TrimSuffix(img.SourcePath, path.Ext(img.SourcePath)) + ".bitmap"
}

// Build filters and classifies snap. fs is checked for existing outputs
// under opts.TagsDir; nothing else is read.
func Build(snap *Snapshot, opts Options, fs workspace.FS) (*Catalog, error) {
	c := &Catalog{opts: opts}
	if snap == nil {
		return c, nil
	}

	seenShaders := map[string]bool{}
	uses := map[string][]string{}
	for _, m := range snap.Materials {
		switch {
		case m.Linked:
			c.skip(m.Name, MaterialKind, "linked from another library")
			continue
		case !m.Renderable():
			c.skip(m.Name, MaterialKind, "not a render material")
			continue
		case seenShaders[m.ShaderName]:
			c.skip(m.Name, MaterialKind, fmt.Sprintf("duplicate shader name %s", m.ShaderName))
			continue
		}
		seenShaders[m.ShaderName] = true

		out := opts.materialOutput(m)
		exists, err := fs.Exists(path.Join(opts.TagsDir, out))
		if err != nil {
			return nil, fmt.Errorf("check output %s: %w", out, err)
		}
		uses[m.ShaderName] = m.Images
		c.materials = append(c.materials, Item{
			Name:       m.ShaderName,
			Kind:       MaterialKind,
			OutputPath: out,
			Dirty:      m.Dirty,
			Bucket:     Classify(exists, m.Dirty),
		})
	}

	// Only materials the material scope selects pull their images in.
	referenced := map[string]bool{}
	for _, m := range Select(c.materials, opts.MaterialScope) {
		for _, name := range uses[m.Name] {
			referenced[name] = true
		}
	}

	outputs := map[string]string{}
	for _, img := range snap.Images {
		switch {
		case img.Linked:
			c.skip(img.Name, Texture, "linked from another library")
			continue
		case IsPseudoDuplicate(img.Name):
			c.skip(img.Name, Texture, "pseudo-duplicate of another image")
			continue
		case img.SourcePath == "" && img.TagPath == "":
			c.skip(img.Name, Texture, "no source path")
			continue
		case !opts.IncludeAllImages && !referenced[img.Name]:
			c.skip(img.Name, Texture, "not used by any material in scope")
			continue
		}

		out := textureOutput(img)
		exists, err := fs.Exists(path.Join(opts.TagsDir, out))
		if err != nil {
			return nil, fmt.Errorf("check output %s: %w", out, err)
		}
		outputs[img.Name] = out
		c.textures = append(c.textures, Item{
			Name:       img.Name,
			Kind:       Texture,
			Source:     img.SourcePath,
			OutputPath: out,
			Dirty:      img.Dirty,
			Bucket:     Classify(exists, img.Dirty),
		})
	}

	for i := range c.materials {
		for _, name := range uses[c.materials[i].Name] {
			if p, ok := outputs[name]; ok {
				c.materials[i].Refs = append(c.materials[i].Refs, p)
			}
		}
	}

	log.Debug().Int("textures", len(c.textures)).Int("materials", len(c.materials)).Int("skipped", len(c.skipped)).Msg("catalog built")
	return c, nil
}

func (c *Catalog) skip(name string, kind Kind, reason string) {
	log.Warn().Str("item", name).Str("kind", kind.String()).Msg("skipping: " + reason)
	c.skipped = append(c.skipped, Skip{Name: name, Kind: kind, Reason: reason})
}

// Textures returns the textures selected by the texture scope.
func (c *Catalog) Textures() []Item { return Select(c.textures, c.opts.TextureScope) }

// Materials returns the materials selected by the material scope.
func (c *Catalog) Materials() []Item { return Select(c.materials, c.opts.MaterialScope) }

// Classified returns every non-skipped item of kind with its bucket,
// regardless of scope.
func (c *Catalog) Classified(kind Kind) []Item {
	src := c.textures
	if kind == MaterialKind {
		src = c.materials
	}
	return append([]Item(nil), src...)
}

// Skipped returns items excluded by policy, in enumeration order.
func (c *Catalog) Skipped() []Skip { return append([]Skip(nil), c.skipped...) }
