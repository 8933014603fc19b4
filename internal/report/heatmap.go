package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"stackalign/internal/align"
)

var (
	ErrEmptySurface = errors.New("no scored candidates")
	// ErrFlatSurface is returned when a pass scored a single row or column,
	// which has no area to draw.
	ErrFlatSurface = errors.New("surface needs at least two distinct dx and dy values")
)

// SaveHeatmap renders the score surface of one pass to path. The image
// format follows the file extension (png, svg, pdf). Scores map onto a
// diverging blue-red scale over [-1, 1] and the best candidate is marked.
func SaveHeatmap(s *Surface, pass align.Pass, title, path string) error {
	best, ok := s.Best(pass)
	if !ok {
		return fmt.Errorf("%s pass: %w", pass, ErrEmptySurface)
	}

	grid := s.Grid(pass)
	if c, r := grid.Dims(); c < 2 || r < 2 {
		return fmt.Errorf("%s pass: %w", pass, ErrFlatSurface)
	}

	cm := moreland.SmoothBlueRed()
	cm.SetMin(-1)
	cm.SetMax(1)

	h := plotter.NewHeatMap(grid, cm.Palette(255))
	h.Min, h.Max = -1, 1
	h.NaN = color.Transparent

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%s pass)", title, pass)
	p.X.Label.Text = "dx"
	p.Y.Label.Text = "dy"
	p.Add(h)

	marker, err := plotter.NewScatter(plotter.XYs{{X: float64(best.Offset.DX), Y: float64(best.Offset.DY)}})
	if err != nil {
		return err
	}
	marker.GlyphStyle.Shape = draw.CrossGlyph{}
	marker.GlyphStyle.Radius = vg.Points(5)
	marker.GlyphStyle.Color = color.Black
	p.Add(marker)
	p.Legend.Add(fmt.Sprintf("best %s = %.3f", best.Offset, best.Score), marker)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save heatmap %s: %w", path, err)
	}
	return nil
}

// HeatmapPaths returns the coarse and fine heat map locations for a layer.
func HeatmapPaths(dir, layer string) (coarse, fine string) {
	base := filepath.Join(dir, sanitize(layer))
	return base + "-coarse.png", base + "-fine.png"
}

func sanitize(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "layer"
	}
	return string(out)
}
