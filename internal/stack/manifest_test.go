package stack

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackalign/internal/align"
	"stackalign/internal/raster"
)

func TestLoadManifestDefaultsVisible(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.json")
	body := `{
  "canvas": {"width": 10, "height": 8},
  "selection": {"x": 1, "y": 2, "width": 3, "height": 4},
  "layers": [
    {"name": "a", "path": "a.png"},
    {"name": "b", "path": "b.png", "offset_x": -2, "offset_y": 5, "visible": false}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)

	want := []LayerSpec{
		{Name: "a", Path: "a.png", Visible: true},
		{Name: "b", Path: "b.png", OffsetX: -2, OffsetY: 5, Visible: false},
	}
	if diff := cmp.Diff(want, m.Layers); diff != "" {
		t.Fatalf("layers mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, image.Rect(1, 2, 4, 6), m.Selection.Rect())
	assert.Equal(t, filepath.Join(dir, "a.png"), m.ResolvePath("a.png"))
}

func TestManifestValidate(t *testing.T) {
	cases := map[string]Manifest{
		"negative canvas":    {Canvas: Canvas{Width: -1}},
		"negative selection": {Selection: Selection{Width: -3}},
		"missing path":       {Layers: []LayerSpec{{Name: "x"}}},
		"duplicate name":     {Layers: []LayerSpec{{Name: "x", Path: "1"}, {Name: "x", Path: "2"}}},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, m.Validate(), ErrInvalidManifest)
		})
	}
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadManifest(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"layers": [`), 0o644))
	_, err = LoadManifest(bad)
	assert.Error(t, err)
}

func TestSaveRelocatesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in", "stack.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte(`{"layers":[{"name":"a","path":"a.png"}]}`), 0o644))

	m, err := LoadManifest(src)
	require.NoError(t, err)
	dst := filepath.Join(dir, "out", "aligned.json")
	require.NoError(t, m.Save(dst))

	again, err := LoadManifest(dst)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "in", "a.png"), again.Layers[0].Path)

	resolved, err := filepath.Abs(again.ResolvePath(again.Layers[0].Path))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "in", "a.png"), resolved)
}

func TestOpenRunSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := texturedPlane(64, 64, 11)
	writePNG(t, dir, "top.png", base.Image())
	writePNG(t, dir, "shifted.png", raster.Shift(base, -3, 2).Image())
	writePNG(t, dir, "hidden.png", base.Image())

	m := &Manifest{
		Canvas:    Canvas{Width: 64, Height: 64},
		Selection: Selection{X: 20, Y: 20, Width: 20, Height: 20},
		Layers: []LayerSpec{
			{Name: "top", Path: "top.png", Visible: true},
			{Path: "shifted.png", Visible: true},
			{Name: "off", Path: "hidden.png", Visible: false},
		},
	}
	path := filepath.Join(dir, "stack.json")
	require.NoError(t, m.Save(path))

	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	s, err := Open(loaded, raster.ModeLuma)
	require.NoError(t, err)

	require.Len(t, s.Layers, 3)
	assert.Equal(t, "shifted", s.Layers[1].Name)
	assert.False(t, s.Layers[2].Loaded())
	assert.Len(t, s.VisibleLayers(), 2)

	d := &Driver{Params: align.Params{SearchRadius: 5, MinOverlap: 0.9, CoarseStep: 2}}
	rep, err := d.Run(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Aligned)

	out := filepath.Join(dir, "aligned.json")
	require.NoError(t, s.Manifest().Save(out))
	got, err := LoadManifest(out)
	require.NoError(t, err)

	want := []LayerSpec{
		{Name: "top", Path: "top.png", Visible: true},
		{Name: "shifted", Path: "shifted.png", OffsetX: 3, OffsetY: -2, Visible: true},
		{Name: "off", Path: "hidden.png", Visible: false},
	}
	if diff := cmp.Diff(want, got.Layers); diff != "" {
		t.Fatalf("layers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Selection, got.Selection, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("selection mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenMissingLayer(t *testing.T) {
	m := &Manifest{Layers: []LayerSpec{{Name: "gone", Path: "gone.png", Visible: true}}, dir: t.TempDir()}
	_, err := Open(m, raster.ModeLuma)
	assert.ErrorContains(t, err, `layer "gone"`)
}

func TestManifestFromFiles(t *testing.T) {
	dir := t.TempDir()
	small := writePNG(t, dir, "small.png", image.NewGray(image.Rect(0, 0, 10, 30)))
	wide := writePNG(t, filepath.Join(dir), "wide.png", image.NewGray(image.Rect(0, 0, 40, 5)))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	dup := writePNG(t, filepath.Join(dir, "sub"), "small.png", image.NewGray(image.Rect(0, 0, 2, 2)))

	m, err := ManifestFromFiles(dir, []string{wide, small, dup})
	require.NoError(t, err)
	assert.Equal(t, Canvas{Width: 40, Height: 30}, m.Canvas)
	want := []LayerSpec{
		{Name: "wide", Path: "wide.png", Visible: true},
		{Name: "small", Path: "small.png", Visible: true},
		{Name: "small-2", Path: filepath.Join("sub", "small.png"), Visible: true},
	}
	if diff := cmp.Diff(want, m.Layers); diff != "" {
		t.Fatalf("layers mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, m.Selection.Empty())

	_, err = ManifestFromFiles(dir, []string{filepath.Join(dir, "missing.png")})
	assert.Error(t, err)
}

func TestOpenKeepsUndecodableLayerOnReport(t *testing.T) {
	dir := t.TempDir()
	base := texturedPlane(64, 64, 21)
	writePNG(t, dir, "top.png", base.Image())
	writePNG(t, dir, "shifted.png", raster.Shift(base, 2, -1).Image())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not an image"), 0o644))

	m := &Manifest{
		Canvas:    Canvas{Width: 64, Height: 64},
		Selection: Selection{X: 20, Y: 20, Width: 20, Height: 20},
		Layers: []LayerSpec{
			{Name: "top", Path: "top.png", Visible: true},
			{Name: "broken", Path: "broken.png", Visible: true},
			{Name: "shifted", Path: "shifted.png", Visible: true},
		},
		dir: dir,
	}

	s, err := Open(m, raster.ModeLuma)
	require.NoError(t, err)
	assert.False(t, s.Layers[1].Loaded())
	assert.Error(t, s.Layers[1].Err())

	d := &Driver{Params: align.Params{SearchRadius: 5, MinOverlap: 0.9, CoarseStep: 2}}
	rep, err := d.Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, rep.Layers, 2)
	assert.Equal(t, "broken", rep.Layers[0].Name)
	assert.ErrorContains(t, rep.Layers[0].Err, "decode")
	assert.False(t, rep.Layers[0].Accepted())
	assert.True(t, rep.Layers[1].Accepted())
	assert.Equal(t, 1, rep.Aligned)
	assert.Equal(t, 1, rep.Skipped)
}

func TestOpenFailsOnUndecodableReference(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.png"), []byte("not an image"), 0o644))
	writePNG(t, dir, "next.png", texturedPlane(32, 32, 22).Image())
	m := &Manifest{
		Layers: []LayerSpec{
			{Name: "hidden", Path: "missing.png", Visible: false},
			{Name: "top", Path: "top.png", Visible: true},
			{Name: "next", Path: "next.png", Visible: true},
		},
		dir: dir,
	}
	_, err := Open(m, raster.ModeLuma)
	assert.ErrorContains(t, err, `layer "top"`)
}

func TestOpenDerivesUniqueNames(t *testing.T) {
	dir := t.TempDir()
	for _, sub := range []string{"a", "b", "c"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
		writePNG(t, filepath.Join(dir, sub), "x.png", image.NewGray(image.Rect(0, 0, 4, 4)))
	}
	m := &Manifest{
		Layers: []LayerSpec{
			{Path: filepath.Join("a", "x.png"), Visible: true},
			{Path: filepath.Join("b", "x.png"), Visible: true},
			{Name: "x-2", Path: filepath.Join("c", "x.png"), Visible: true},
		},
		dir: dir,
	}
	s, err := Open(m, raster.ModeLuma)
	require.NoError(t, err)
	var names []string
	for _, l := range s.Layers {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"x", "x-3", "x-2"}, names)
}
