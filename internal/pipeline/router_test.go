package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stackalign/internal/align"
	"stackalign/internal/config"
	"stackalign/internal/logging"
	"stackalign/internal/stack"
	"stackalign/internal/storage"
)

func newTestRouter(t *testing.T) (*router, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := config.Default().Alignment
	cfg.AutoFitCanvas = false
	return &router{log: logging.Discard(), store: store, cfg: cfg}, store
}

func TestRouterAlignSavesManifestAndResults(t *testing.T) {
	r, store := newTestRouter(t)
	manifest := writeStack(t, 2, -3)
	out := filepath.Join(t.TempDir(), "aligned.json")
	heatmaps := filepath.Join(t.TempDir(), "heat")
	composite := filepath.Join(t.TempDir(), "flat.png")

	job := Job{
		ID:        "align-1",
		Type:      JobAlign,
		InputPath: manifest,
		Output:    out,
		Options: map[string]any{
			OptRadius:     6,
			OptCoarseStep: 2,
			OptMinOverlap: 0.9,
			OptHeatmapDir: heatmaps,
			OptComposite:  composite,
		},
	}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["aligned"] != 1 || res.Meta["skipped"] != 0 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
	if res.Report == nil || res.Report.Reference != "top" || len(res.Report.Layers) != 1 {
		t.Fatalf("unexpected report %+v", res.Report)
	}

	m, err := stack.LoadManifest(out)
	if err != nil {
		t.Fatalf("load output manifest: %v", err)
	}
	if got := m.Layers[1]; got.OffsetX != -2 || got.OffsetY != 3 {
		t.Fatalf("expected next layer moved to (-2, 3), got (%d, %d)", got.OffsetX, got.OffsetY)
	}
	if _, err := os.Stat(m.ResolvePath(m.Layers[0].Path)); err != nil {
		t.Fatalf("layer path not relocated: %v", err)
	}

	layers, err := store.LayerResults("align-1")
	if err != nil {
		t.Fatalf("layer results: %v", err)
	}
	if len(layers) != 1 || layers[0].Layer != "next" || !layers[0].Accepted || layers[0].DX != 2 || layers[0].DY != -3 {
		t.Fatalf("unexpected layer results %+v", layers)
	}

	paths, _ := res.Meta["heatmaps"].([]string)
	if len(paths) != 2 {
		t.Fatalf("expected coarse and fine heatmaps, got %v", paths)
	}
	for _, p := range append(paths, composite) {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s: %v", p, err)
		}
	}
}

func TestRouterAlignInPlaceWithJSONOptions(t *testing.T) {
	r, _ := newTestRouter(t)
	manifest := writeStack(t, -1, 1)

	var opts map[string]any
	if err := json.Unmarshal([]byte(`{"radius": 4, "coarseStep": 1, "autoFit": true}`), &opts); err != nil {
		t.Fatal(err)
	}
	res := r.Process(context.Background(), Job{ID: "a2", Type: JobAlign, InputPath: manifest, Options: opts})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["canvasFitted"] != true {
		t.Fatalf("expected canvas fit, meta %v", res.Meta)
	}

	m, err := stack.LoadManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}
	// next moves by (1,-1); fitting then shifts both layers down one row.
	if m.Layers[0].OffsetY != 1 || m.Layers[1].OffsetX != 1 || m.Layers[1].OffsetY != 0 {
		t.Fatalf("unexpected offsets %+v", m.Layers)
	}
	if m.Canvas.Width != 65 || m.Canvas.Height != 65 {
		t.Fatalf("unexpected canvas %+v", m.Canvas)
	}
}

func TestRouterRejectsInvalidParams(t *testing.T) {
	r, _ := newTestRouter(t)
	res := r.Process(context.Background(), Job{
		ID: "bad", Type: JobAlign, InputPath: writeStack(t, 0, 0),
		Options: map[string]any{OptCoarseStep: 0},
	})
	if !errors.Is(res.Error, align.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", res.Error)
	}
}

func TestRouterAlignMissingSelection(t *testing.T) {
	r, _ := newTestRouter(t)
	manifest := writeStack(t, 0, 0)
	m, err := stack.LoadManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}
	m.Selection = stack.Selection{}
	if err := m.Save(manifest); err != nil {
		t.Fatal(err)
	}

	res := r.Process(context.Background(), Job{ID: "nosel", Type: JobAlign, InputPath: manifest})
	if !errors.Is(res.Error, stack.ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", res.Error)
	}
}

func TestRouterComposite(t *testing.T) {
	r, _ := newTestRouter(t)
	manifest := writeStack(t, 0, 0)
	res := r.Process(context.Background(), Job{ID: "c1", Type: JobComposite, InputPath: manifest})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	want := filepath.Join(filepath.Dir(manifest), "stack.png")
	if res.Meta["output"] != want {
		t.Fatalf("expected output %s, got %v", want, res.Meta["output"])
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("composite missing: %v", err)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r, _ := newTestRouter(t)
	res := r.Process(context.Background(), Job{ID: "x", Type: "panoramic"})
	if res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestOptionParsing(t *testing.T) {
	opts := map[string]any{"a": 3, "b": 4.0, "c": json.Number("5"), "d": "nope"}
	for key, want := range map[string]int{"a": 3, "b": 4, "c": 5} {
		if got, ok := intOption(opts, key); !ok || got != want {
			t.Fatalf("intOption(%s) = %d, %v", key, got, ok)
		}
	}
	if _, ok := intOption(opts, "d"); ok {
		t.Fatalf("string option parsed as int")
	}
	if got, ok := floatOption(opts, "a"); !ok || got != 3 {
		t.Fatalf("floatOption(a) = %v, %v", got, ok)
	}
}
