package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// memFS is an in-memory workspace.FS.
type memFS map[string]bool

func (m memFS) Exists(p string) (bool, error) { return m[p], nil }
func (m memFS) Size(string) (int64, error)    { return 0, nil }
func (m memFS) Remove(p string) error         { delete(m, p); return nil }

func names(items []Item) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.Name)
	}
	return out
}

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Images: []Image{
			{Name: "rock_diff.tif", SourcePath: "levels/rock/rock_diff.tif"},
			{Name: "rock_diff.tif.001", SourcePath: "levels/rock/rock_diff.tif"},
			{Name: "moss.png", SourcePath: "levels/rock/moss.png", Dirty: true},
			{Name: "sky.exr", SourcePath: "sky/sky.exr"},
			{Name: "lib_metal", SourcePath: "lib/metal.tif", Linked: true},
		},
		Materials: []Material{
			{Name: "rock", ShaderName: "rock", Images: []string{"rock_diff.tif", "moss.png"}},
			{Name: "rock.001", ShaderName: "rock", Images: []string{"sky.exr"}},
			{Name: "smoke", ShaderName: "smoke", Kind: "volume"},
			{Name: "moss", ShaderName: "moss", Images: []string{"moss.png"}, Dirty: true},
			{Name: "library", ShaderName: "library", Linked: true},
		},
	}
}

func TestBuildFiltersAndClassifies(t *testing.T) {
	fs := memFS{
		"tags/levels/rock/moss.bitmap": true,
		"tags/shaders/moss.shader":     true,
	}
	c, err := Build(sampleSnapshot(), Options{TagsDir: "tags"}, fs)
	require.NoError(t, err)

	tex := c.Classified(Texture)
	require.Len(t, tex, 2)
	assert.Equal(t, "levels/rock/rock_diff.bitmap", tex[0].OutputPath)
	assert.Equal(t, New, tex[0].Bucket)
	assert.Equal(t, Update, tex[1].Bucket)

	mats := c.Classified(MaterialKind)
	assert.Equal(t, []string{"rock", "moss"}, names(mats))
	assert.Equal(t, "shaders/rock.shader", mats[0].OutputPath)
	assert.Equal(t, []string{"levels/rock/rock_diff.bitmap", "levels/rock/moss.bitmap"}, mats[0].Refs)
	assert.Equal(t, Update, mats[1].Bucket)

	reasons := map[string]string{}
	for _, s := range c.Skipped() {
		reasons[s.Name] = s.Reason
	}
	assert.Contains(t, reasons["rock_diff.tif.001"], "pseudo-duplicate")
	assert.Contains(t, reasons["rock.001"], "duplicate shader name")
	assert.Contains(t, reasons["smoke"], "not a render material")
	assert.Contains(t, reasons["lib_metal"], "linked")
	assert.Contains(t, reasons["library"], "linked")
	// sky.exr is only used by the skipped duplicate material.
	assert.Contains(t, reasons["sky.exr"], "not used by any material")
}

func TestIncludeAllImages(t *testing.T) {
	c, err := Build(sampleSnapshot(), Options{IncludeAllImages: true}, memFS{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rock_diff.tif", "moss.png", "sky.exr"}, names(c.Classified(Texture)))
}

func TestScopes(t *testing.T) {
	fs := memFS{"levels/rock/moss.bitmap": true, "shaders/moss.shader": true}
	snap := sampleSnapshot()

	all, err := Build(snap, Options{}, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"rock_diff.tif", "moss.png"}, names(all.Textures()))

	newOnly, err := Build(snap, Options{TextureScope: ScopeNew, MaterialScope: ScopeNew}, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"rock_diff.tif"}, names(newOnly.Textures()))
	assert.Equal(t, []string{"rock"}, names(newOnly.Materials()))

	updOnly, err := Build(snap, Options{TextureScope: ScopeUpdate, MaterialScope: ScopeUpdate}, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"moss.png"}, names(updOnly.Textures()))
	assert.Equal(t, []string{"moss"}, names(updOnly.Materials()))
}

func TestImageScopeFollowsMaterialScope(t *testing.T) {
	snap := &Snapshot{
		Images: []Image{
			{Name: "a", SourcePath: "tex/a.tif"},
			{Name: "b", SourcePath: "tex/b.tif"},
		},
		Materials: []Material{
			{Name: "old", ShaderName: "old", Images: []string{"a"}},
			{Name: "fresh", ShaderName: "fresh", Images: []string{"b"}},
		},
	}
	fs := memFS{"shaders/old.shader": true}

	c, err := Build(snap, Options{MaterialScope: ScopeNew}, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, names(c.Materials()))
	assert.Equal(t, []string{"b"}, names(c.Textures()))

	reasons := map[string]string{}
	for _, s := range c.Skipped() {
		reasons[s.Name] = s.Reason
	}
	assert.Equal(t, "not used by any material in scope", reasons["a"])

	// Out-of-scope materials still list the outputs of images that were kept.
	c, err = Build(snap, Options{MaterialScope: ScopeNew, IncludeAllImages: true}, fs)
	require.NoError(t, err)
	mats := c.Classified(MaterialKind)
	require.Len(t, mats, 2)
	assert.Equal(t, Unchanged, mats[0].Bucket)
	assert.Equal(t, []string{"tex/a.bitmap"}, mats[0].Refs)
}

func TestCorinthMaterialExtension(t *testing.T) {
	c, err := Build(sampleSnapshot(), Options{Corinth: true, ShadersDir: "materials"}, memFS{})
	require.NoError(t, err)
	assert.Equal(t, "materials/rock.material", c.Classified(MaterialKind)[0].OutputPath)
}

func TestPseudoDuplicate(t *testing.T) {
	assert.True(t, IsPseudoDuplicate("rock.png.001"))
	assert.True(t, IsPseudoDuplicate("rock.tiff.002"))
	assert.False(t, IsPseudoDuplicate("Rock.TIFF.002"))
	assert.False(t, IsPseudoDuplicate("rock.dds.001"))
	assert.False(t, IsPseudoDuplicate("rock.png"))
	assert.False(t, IsPseudoDuplicate("rock"))
	assert.False(t, IsPseudoDuplicate("rock.001"))
	// Nothing before the dot, so the whole name is matched.
	assert.True(t, IsPseudoDuplicate(".png"))
}

func TestDotPartition(t *testing.T) {
	assert.Equal(t, "rock.png", dotPartition("rock.png.001"))
	assert.Equal(t, "rock", dotPartition("rock"))
	assert.Equal(t, ".png", dotPartition(".png"))
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"": ScopeAll, "all": ScopeAll, "new": ScopeNew, "update-only": ScopeUpdate} {
		got, err := ParseScope(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseScope("everything")
	assert.Error(t, err)
}

func TestLoadSnapshot(t *testing.T) {
	p := filepath.Join(t.TempDir(), "snapshot.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
images:
  - name: rock.tif
    source_path: levels/rock.tif
    dirty: true
materials:
  - name: rock
    images: [rock.tif]
`), 0o644))

	snap, err := LoadSnapshot(p)
	require.NoError(t, err)
	require.Len(t, snap.Materials, 1)
	assert.Equal(t, "rock", snap.Materials[0].ShaderName)
	assert.True(t, snap.Materials[0].Renderable())
	assert.True(t, snap.Images[0].Dirty)
}

func genSnapshot(t *rapid.T) (*Snapshot, memFS) {
	n := rapid.IntRange(0, 12).Draw(t, "images")
	snap := &Snapshot{}
	fs := memFS{}
	for i := 0; i < n; i++ {
		name := rapid.SampledFrom([]string{"a", "b", "c", "d.png", "e.tif"}).Draw(t, "name") + rapid.SampledFrom([]string{"", ".001"}).Draw(t, "suffix")
		src := rapid.StringMatching(`[a-z]{1,6}/[a-z]{1,6}\.tif`).Draw(t, "src")
		snap.Images = append(snap.Images, Image{Name: name, SourcePath: src, Dirty: rapid.Bool().Draw(t, "dirty")})
		if rapid.Bool().Draw(t, "exists") {
			fs[textureOutput(snap.Images[i])] = true
		}
	}
	return snap, fs
}

func TestClassificationIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		snap, fs := genSnapshot(t)
		opts := Options{IncludeAllImages: true}
		a, err := Build(snap, opts, fs)
		if err != nil {
			t.Fatal(err)
		}
		b, _ := Build(snap, opts, fs)
		assert.Equal(t, a.Classified(Texture), b.Classified(Texture))
		assert.Equal(t, a.Skipped(), b.Skipped())
	})
}

func TestUnchangedNeverSelected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		snap, fs := genSnapshot(t)
		scope := rapid.SampledFrom([]Scope{ScopeAll, ScopeNew, ScopeUpdate}).Draw(t, "scope")
		c, err := Build(snap, Options{IncludeAllImages: true, TextureScope: scope}, fs)
		if err != nil {
			t.Fatal(err)
		}
		for _, it := range c.Textures() {
			if it.Bucket == Unchanged {
				t.Fatalf("unchanged item %s selected under scope %s", it.Name, scope)
			}
			if scope == ScopeNew && it.Bucket != New || scope == ScopeUpdate && it.Bucket != Update {
				t.Fatalf("item %s in bucket %s selected under scope %s", it.Name, it.Bucket, scope)
			}
		}
	})
}
