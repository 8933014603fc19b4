package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"stackalign/internal/align"
	"stackalign/internal/config"
	"stackalign/internal/raster"
	"stackalign/internal/report"
	"stackalign/internal/stack"
	"stackalign/internal/storage"
)

// Option keys understood by align jobs. Values override the alignment
// config for that job only.
const (
	OptRadius     = "radius"
	OptMinOverlap = "minOverlap"
	OptCoarseStep = "coarseStep"
	OptAutoFit    = "autoFit"
	OptChannels   = "channels"
	OptHeatmapDir = "heatmapDir"
	OptComposite  = "composite"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   config.AlignmentConfig
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg config.AlignmentConfig) Processor {
	return &router{log: logger, store: store, cfg: cfg}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAlign:
		return r.handleAlign(ctx, job)
	case JobComposite:
		return r.handleComposite(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) params(opts map[string]any) (align.Params, error) {
	p := r.cfg.Params()
	if v, ok := intOption(opts, OptRadius); ok {
		p.SearchRadius = v
	}
	if v, ok := floatOption(opts, OptMinOverlap); ok {
		p.MinOverlap = v
	}
	if v, ok := intOption(opts, OptCoarseStep); ok {
		p.CoarseStep = v
	}
	return p, p.Validate()
}

func (r *router) handleAlign(ctx context.Context, job Job) Result {
	params, err := r.params(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	channels := r.cfg.Channels
	if v, ok := job.Options[OptChannels].(string); ok && v != "" {
		channels = v
	}
	mode, err := raster.ParseMode(channels)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	timeout, err := r.cfg.LayerTimeoutDuration()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	autoFit := r.cfg.AutoFitCanvas
	if v, ok := job.Options[OptAutoFit].(bool); ok {
		autoFit = v
	}

	m, err := stack.LoadManifest(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	s, err := stack.Open(m, mode)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	driver := &stack.Driver{
		Params:        params,
		AutoFitCanvas: autoFit,
		Workers:       r.cfg.WorkerCount(),
		LayerTimeout:  timeout,
		Logger:        r.log.With("job", job.ID),
	}
	heatmapDir, _ := job.Options[OptHeatmapDir].(string)
	surfaces := newSurfaceSet()
	if heatmapDir != "" {
		driver.Observe = surfaces.observer
	}

	rep, err := driver.Run(ctx, s)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	output := job.Output
	if output == "" {
		output = job.InputPath
	}
	if err := s.Manifest().Save(output); err != nil {
		return Result{Job: job, Error: err}
	}
	r.recordLayers(job.ID, rep)

	meta := map[string]any{
		"manifest":     output,
		"reference":    rep.Reference,
		"aligned":      rep.Aligned,
		"skipped":      rep.Skipped,
		"canvas":       []int{s.Canvas.X, s.Canvas.Y},
		"canvasFitted": rep.CanvasFitted,
		"layers":       layerMeta(rep),
	}

	if heatmapDir != "" {
		meta["heatmaps"] = r.saveHeatmaps(surfaces, heatmapDir)
	}
	if path, _ := job.Options[OptComposite].(string); path != "" {
		if err := stack.SavePNG(s, path); err != nil {
			return Result{Job: job, Error: err, Meta: meta, Report: &rep}
		}
		meta["composite"] = path
	}
	return Result{Job: job, Meta: meta, Report: &rep}
}

func (r *router) handleComposite(ctx context.Context, job Job) Result {
	m, err := stack.LoadManifest(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	s, err := stack.Open(m, raster.ModeLuma)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	output := job.Output
	if output == "" {
		output = strings.TrimSuffix(job.InputPath, filepath.Ext(job.InputPath)) + ".png"
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	if err := stack.SavePNG(s, output); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"output": output,
		"layers": len(s.VisibleLayers()),
		"canvas": []int{s.Canvas.X, s.Canvas.Y},
	}}
}

func (r *router) recordLayers(jobID string, rep stack.Report) {
	for _, lr := range rep.Layers {
		err := r.store.RecordLayerResult(storage.LayerResultRecord{
			JobID:      jobID,
			Layer:      lr.Name,
			DX:         lr.Result.Offset.DX,
			DY:         lr.Result.Offset.DY,
			Score:      lr.Result.Score,
			Accepted:   lr.Accepted(),
			Outcome:    lr.Outcome.String(),
			Evaluated:  lr.Result.Evaluated,
			DurationMS: lr.Duration.Milliseconds(),
			Error:      errString(lr.Err),
		})
		if err != nil {
			r.log.Warn("record layer result", "job", jobID, "layer", lr.Name, "error", err)
		}
	}
}

func layerMeta(rep stack.Report) []map[string]any {
	out := make([]map[string]any, 0, len(rep.Layers))
	for _, lr := range rep.Layers {
		entry := map[string]any{
			"name":     lr.Name,
			"dx":       lr.Result.Offset.DX,
			"dy":       lr.Result.Offset.DY,
			"score":    lr.Result.Score,
			"accepted": lr.Accepted(),
			"outcome":  lr.Outcome.String(),
		}
		if lr.Err != nil {
			entry["error"] = lr.Err.Error()
		}
		out = append(out, entry)
	}
	return out
}

func (r *router) saveHeatmaps(set *surfaceSet, dir string) []string {
	var paths []string
	for name, surface := range set.all() {
		coarse, fine := report.HeatmapPaths(dir, name)
		for pass, path := range map[align.Pass]string{align.PassCoarse: coarse, align.PassFine: fine} {
			err := report.SaveHeatmap(surface, pass, name, path)
			switch {
			case err == nil:
				paths = append(paths, path)
			case errors.Is(err, report.ErrEmptySurface), errors.Is(err, report.ErrFlatSurface):
				r.log.Debug("heatmap skipped", "layer", name, "pass", pass.String(), "reason", err)
			default:
				r.log.Warn("heatmap failed", "layer", name, "pass", pass.String(), "error", err)
			}
		}
	}
	return paths
}

// surfaceSet hands each layer its own surface.
type surfaceSet struct {
	mu       sync.Mutex
	surfaces map[string]*report.Surface
}

func newSurfaceSet() *surfaceSet {
	return &surfaceSet{surfaces: make(map[string]*report.Surface)}
}

func (s *surfaceSet) observer(layer string) align.Observer {
	surface := report.NewSurface()
	s.mu.Lock()
	s.surfaces[layer] = surface
	s.mu.Unlock()
	return surface.Observe
}

func (s *surfaceSet) all() map[string]*report.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*report.Surface, len(s.surfaces))
	for k, v := range s.surfaces {
		out[k] = v
	}
	return out
}

// Options arrive typed from the CLI and as JSON numbers from the HTTP API.

func intOption(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func floatOption(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
