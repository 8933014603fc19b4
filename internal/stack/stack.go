package stack

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"stackalign/internal/align"
	"stackalign/internal/raster"
)

// Layer is one raster placed on the canvas. A pixel at local position p
// appears at image position p + Offset.
type Layer struct {
	Name    string
	Path    string
	Offset  align.Offset
	Visible bool

	raster align.Raster
	img    image.Image
	err    error
}

// NewLayer builds a visible layer from an already loaded raster. img is
// used for compositing and may be nil.
func NewLayer(name string, r align.Raster, img image.Image, off align.Offset) *Layer {
	return &Layer{Name: name, Offset: off, Visible: true, raster: r, img: img}
}

func (l *Layer) Raster() align.Raster { return l.raster }
func (l *Layer) Image() image.Image   { return l.img }
func (l *Layer) Loaded() bool         { return l.raster != nil }

// Err is the error that kept a visible layer from loading.
func (l *Layer) Err() error { return l.err }

// Bounds is the layer's extent in image coordinates. Layers that were never
// loaded report an empty rectangle.
func (l *Layer) Bounds() image.Rectangle {
	if l.raster == nil {
		return image.Rectangle{}
	}
	return l.raster.Bounds().Add(l.point())
}

// Translate moves the layer by d.
func (l *Layer) Translate(d align.Offset) { l.Offset = l.Offset.Add(d) }

// ToLocal converts an image-space rectangle into this layer's coordinates.
func (l *Layer) ToLocal(r image.Rectangle) image.Rectangle { return r.Sub(l.point()) }

func (l *Layer) point() image.Point { return image.Pt(l.Offset.DX, l.Offset.DY) }

// Stack is a loaded manifest. Layers keep manifest order, top first.
type Stack struct {
	Canvas    image.Point
	Selection image.Rectangle
	Layers    []*Layer

	manifest *Manifest
}

// New assembles a stack from in-memory layers.
func New(canvas image.Point, selection image.Rectangle, layers ...*Layer) *Stack {
	return &Stack{Canvas: canvas, Selection: selection, Layers: layers}
}

// Open decodes every visible layer of m. Hidden layers are never read. A
// layer that fails to decode stays unloaded with its error kept on the
// layer, except the top visible layer: without it there is no reference,
// so its failure is returned.
//
// Layers without a name are named after their file, with a numeric suffix
// when that name is already taken.
func Open(m *Manifest, mode raster.Mode) (*Stack, error) {
	s := &Stack{
		Canvas:    image.Pt(m.Canvas.Width, m.Canvas.Height),
		Selection: m.Selection.Rect(),
		manifest:  m,
	}
	taken := make(map[string]bool, len(m.Layers))
	for _, spec := range m.Layers {
		if spec.Name != "" {
			taken[spec.Name] = true
		}
	}
	reference := true
	for _, spec := range m.Layers {
		l := &Layer{
			Name:    spec.Name,
			Path:    spec.Path,
			Offset:  align.Offset{DX: spec.OffsetX, DY: spec.OffsetY},
			Visible: spec.Visible,
		}
		if l.Name == "" {
			l.Name = uniqueName(strings.TrimSuffix(filepath.Base(spec.Path), filepath.Ext(spec.Path)), taken)
		}
		if l.Visible {
			img, plane, err := raster.Decode(m.ResolvePath(spec.Path), mode)
			switch {
			case err == nil:
				l.raster, l.img = plane, img
			case reference:
				return nil, fmt.Errorf("layer %q: %w", l.Name, err)
			default:
				l.err = err
			}
			reference = false
		}
		s.Layers = append(s.Layers, l)
	}
	return s, nil
}

func uniqueName(base string, taken map[string]bool) string {
	name := base
	for i := 2; taken[name]; i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	taken[name] = true
	return name
}

// VisibleLayers returns the visible layers in stack order.
func (s *Stack) VisibleLayers() []*Layer {
	var out []*Layer
	for _, l := range s.Layers {
		if l.Visible {
			out = append(out, l)
		}
	}
	return out
}

// FitCanvas resizes the canvas to the union of the visible layers and
// shifts every layer and the selection so that union starts at (0,0).
func (s *Stack) FitCanvas() {
	var union image.Rectangle
	for _, l := range s.VisibleLayers() {
		union = union.Union(l.Bounds())
	}
	if union.Empty() {
		return
	}
	shift := align.Offset{DX: -union.Min.X, DY: -union.Min.Y}
	for _, l := range s.Layers {
		l.Translate(shift)
	}
	s.Selection = s.Selection.Add(image.Pt(shift.DX, shift.DY))
	s.Canvas = union.Size()
}

// Manifest returns the stack's current state as a manifest. Layer paths and
// the source directory come from the manifest the stack was opened from.
func (s *Stack) Manifest() *Manifest {
	m := &Manifest{
		Canvas:    Canvas{Width: s.Canvas.X, Height: s.Canvas.Y},
		Selection: selectionFromRect(s.Selection),
	}
	if s.manifest != nil {
		m.dir = s.manifest.dir
	}
	for _, l := range s.Layers {
		m.Layers = append(m.Layers, LayerSpec{
			Name:    l.Name,
			Path:    l.Path,
			OffsetX: l.Offset.DX,
			OffsetY: l.Offset.DY,
			Visible: l.Visible,
		})
	}
	return m
}
