package raster

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	_ "golang.org/x/image/tiff"
)

// Mode selects how decoded pixels become samples.
type Mode int

const (
	// ModeLuma keeps one channel, 0.299 R + 0.587 G + 0.114 B on 8-bit values.
	ModeLuma Mode = iota
	// ModeRGB keeps the three color channels.
	ModeRGB
)

func (m Mode) String() string {
	if m == ModeRGB {
		return "rgb"
	}
	return "luma"
}

// ParseMode accepts "luma", "gray", "rgb" and the empty string (luma).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "luma", "gray", "grey":
		return ModeLuma, nil
	case "rgb":
		return ModeRGB, nil
	default:
		return ModeLuma, fmt.Errorf("unknown channel mode %q", s)
	}
}

// Channels is the sample count per pixel produced by m.
func (m Mode) Channels() int {
	if m == ModeRGB {
		return 3
	}
	return 1
}

// FromImage converts img into a plane. The plane keeps img's bounds.
func FromImage(img image.Image, mode Mode) *Plane {
	b := img.Bounds()
	p := NewPlane(b, mode.Channels())
	if g, ok := img.(*image.Gray); ok && mode == ModeLuma {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				p.pix[p.offset(x, y)] = float64(g.GrayAt(x, y).Y)
			}
		}
		return p
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := p.offset(x, y)
			if mode == ModeRGB {
				p.pix[i] = float64(c.R)
				p.pix[i+1] = float64(c.G)
				p.pix[i+2] = float64(c.B)
				continue
			}
			p.pix[i] = Luma(c.R, c.G, c.B)
		}
	}
	return p
}

// Luma is the grayscale value used for matching.
func Luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

// Decode reads an image file and returns both the decoded image and its
// sample plane.
func Decode(path string, mode Mode) (image.Image, *Plane, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, FromImage(img, mode), nil
}

// Load reads an image file into a plane.
func Load(path string, mode Mode) (*Plane, error) {
	_, p, err := Decode(path, mode)
	return p, err
}
