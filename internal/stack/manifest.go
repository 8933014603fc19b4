// Package stack holds the layered image document that alignment runs over:
// its JSON manifest, the loaded layers and the driver that aligns every
// visible layer against a selection of the top one.
package stack

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidManifest = errors.New("invalid manifest")

type Canvas struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Selection struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect returns the selection in image coordinates.
func (s Selection) Rect() image.Rectangle {
	return image.Rect(s.X, s.Y, s.X+s.Width, s.Y+s.Height)
}

func (s Selection) Empty() bool { return s.Width <= 0 || s.Height <= 0 }

func selectionFromRect(r image.Rectangle) Selection {
	return Selection{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// LayerSpec describes one layer. Path is resolved against the manifest's
// directory when relative.
type LayerSpec struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	OffsetX int    `json:"offset_x"`
	OffsetY int    `json:"offset_y"`
	Visible bool   `json:"visible"`
}

// UnmarshalJSON defaults Visible to true when the key is absent.
func (l *LayerSpec) UnmarshalJSON(data []byte) error {
	type plain LayerSpec
	aux := struct {
		*plain
		Visible *bool `json:"visible"`
	}{plain: (*plain)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	l.Visible = aux.Visible == nil || *aux.Visible
	return nil
}

// Manifest is the persisted form of a stack. Layers are listed top first.
type Manifest struct {
	Canvas    Canvas      `json:"canvas"`
	Selection Selection   `json:"selection"`
	Layers    []LayerSpec `json:"layers"`

	dir string
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the manifest as indented JSON. When the manifest was loaded
// from disk, relative layer paths are rewritten against the new location so
// they keep pointing at the same files.
func (m *Manifest) Save(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	out := *m
	out.Layers = make([]LayerSpec, len(m.Layers))
	for i, l := range m.Layers {
		l.Path = m.relocate(l.Path, filepath.Dir(abs))
		out.Layers[i] = l
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	m.dir = filepath.Dir(abs)
	return nil
}

func (m *Manifest) relocate(p, newDir string) string {
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	full, err := filepath.Abs(m.ResolvePath(p))
	if err != nil {
		return p
	}
	if rel, err := filepath.Rel(newDir, full); err == nil {
		return rel
	}
	return full
}

// ResolvePath returns p relative to the manifest's directory.
func (m *Manifest) ResolvePath(p string) string {
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// Dir is the directory relative layer paths resolve against.
func (m *Manifest) Dir() string { return m.dir }

func (m *Manifest) Validate() error {
	if m.Canvas.Width < 0 || m.Canvas.Height < 0 {
		return fmt.Errorf("%w: negative canvas %dx%d", ErrInvalidManifest, m.Canvas.Width, m.Canvas.Height)
	}
	if m.Selection.Width < 0 || m.Selection.Height < 0 {
		return fmt.Errorf("%w: negative selection size", ErrInvalidManifest)
	}
	seen := make(map[string]bool, len(m.Layers))
	for i, l := range m.Layers {
		if l.Path == "" {
			return fmt.Errorf("%w: layer %d has no path", ErrInvalidManifest, i)
		}
		if l.Name == "" {
			continue
		}
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate layer name %q", ErrInvalidManifest, l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// ManifestFromFiles builds a manifest for a new stack whose manifest will
// live in dir. files are listed top first; paths are stored relative to dir
// when possible. The canvas covers the largest layer and the selection is
// left to the caller.
func ManifestFromFiles(dir string, files []string) (*Manifest, error) {
	m := &Manifest{dir: dir}
	taken := make(map[string]bool, len(files))
	for _, f := range files {
		cfg, err := decodeConfig(f)
		if err != nil {
			return nil, err
		}
		m.Canvas.Width = max(m.Canvas.Width, cfg.Width)
		m.Canvas.Height = max(m.Canvas.Height, cfg.Height)

		path := f
		if abs, err := filepath.Abs(f); err == nil {
			if absDir, err := filepath.Abs(dir); err == nil {
				if rel, err := filepath.Rel(absDir, abs); err == nil {
					path = rel
				}
			}
		}
		name := uniqueName(strings.TrimSuffix(filepath.Base(f), filepath.Ext(f)), taken)
		m.Layers = append(m.Layers, LayerSpec{Name: name, Path: path, Visible: true})
	}
	return m, nil
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}
