package stack

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// Composite flattens the visible layers onto a canvas-sized image, bottom
// layer first. Pixels outside the canvas are clipped.
func Composite(s *Stack) *image.RGBA {
	dst := image.NewRGBA(image.Rectangle{Max: s.Canvas})
	visible := s.VisibleLayers()
	for i := len(visible) - 1; i >= 0; i-- {
		l := visible[i]
		if l.img == nil {
			continue
		}
		src := l.img.Bounds()
		draw.Draw(dst, src.Add(l.point()), l.img, src.Min, draw.Over)
	}
	return dst
}

// SavePNG writes the composite of s to path.
func SavePNG(s *Stack, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, Composite(s)); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
