package stack

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"stackalign/internal/align"
	"stackalign/internal/logging"
)

var (
	ErrNoSelection   = errors.New("no selection")
	ErrTooFewLayers  = errors.New("at least two visible layers are required")
	ErrLayerTimeout  = errors.New("layer alignment timed out")
	errMissingRaster = errors.New("layer raster not loaded")
)

// LayerReport is the outcome for one non-reference layer.
type LayerReport struct {
	Name     string
	Result   align.Result
	Outcome  align.Outcome
	Err      error
	Duration time.Duration
	// Moved is the translation applied to the layer, zero when rejected.
	Moved align.Offset
}

// Accepted reports whether the layer was moved into alignment.
func (r LayerReport) Accepted() bool { return r.Err == nil && r.Result.Accepted }

// Report summarises a driver run. Layers follow stack order and exclude the
// reference layer.
type Report struct {
	Reference    string
	Layers       []LayerReport
	Aligned      int
	Skipped      int
	CanvasFitted bool
}

// ObserverFactory returns the observer for one layer's search, or nil.
// Each layer gets its own observer because layers run concurrently.
type ObserverFactory func(layer string) align.Observer

// Driver aligns every visible layer of a stack against the selection on the
// top layer.
type Driver struct {
	Params        align.Params
	AutoFitCanvas bool
	// Workers bounds concurrent layer searches. 0 means runtime.NumCPU().
	Workers int
	// LayerTimeout is the wall clock budget per layer. 0 disables it.
	LayerTimeout time.Duration
	Observe      ObserverFactory
	Logger       *slog.Logger
}

// NewDriver returns a driver with the default worker count and canvas fitting on.
func NewDriver(p align.Params) *Driver {
	return &Driver{Params: p, AutoFitCanvas: true}
}

func (d *Driver) log() *slog.Logger {
	if d.Logger == nil {
		return logging.Discard()
	}
	return d.Logger
}

func (d *Driver) workers(n int) int {
	w := d.Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	return max(1, min(w, n))
}

type layerTask struct {
	index  int
	layer  *Layer
	anchor image.Point
}

// Run aligns s in place. Accepted layers are translated by their correction;
// rejected layers keep their offsets and are listed in the report. Errors
// confined to one layer are reported on that layer and do not fail the run.
func (d *Driver) Run(ctx context.Context, s *Stack) (Report, error) {
	if err := d.Params.Validate(); err != nil {
		return Report{}, err
	}
	if s.Selection.Empty() {
		return Report{}, ErrNoSelection
	}
	visible := s.VisibleLayers()
	if len(visible) < 2 {
		return Report{}, fmt.Errorf("%w: have %d", ErrTooFewLayers, len(visible))
	}

	top := visible[0]
	if !top.Loaded() {
		return Report{}, fmt.Errorf("reference layer %q: %w", top.Name, errMissingRaster)
	}
	local := top.ToLocal(s.Selection)
	ref, err := align.Extract(top.Raster(), local.Min, local.Dx(), local.Dy())
	if err != nil {
		if errors.Is(err, align.ErrOutOfBounds) {
			return Report{}, fmt.Errorf("selection %v outside reference layer %q: %w", s.Selection, top.Name, err)
		}
		return Report{}, fmt.Errorf("%w: %v", align.ErrInvalidReference, err)
	}

	rest := visible[1:]
	report := Report{Reference: top.Name, Layers: make([]LayerReport, len(rest))}
	tasks := make(chan layerTask)
	var wg sync.WaitGroup
	for range d.workers(len(rest)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				report.Layers[t.index] = d.alignLayer(ctx, ref, t.layer, t.anchor)
			}
		}()
	}
	for i, l := range rest {
		tasks <- layerTask{index: i, layer: l, anchor: l.ToLocal(s.Selection).Min}
	}
	close(tasks)
	wg.Wait()

	for i, lr := range report.Layers {
		if !lr.Accepted() {
			report.Skipped++
			continue
		}
		corr := lr.Result.Correction()
		rest[i].Translate(corr)
		report.Layers[i].Moved = corr
		report.Aligned++
	}

	if d.AutoFitCanvas && report.Aligned > 0 {
		s.FitCanvas()
		report.CanvasFitted = true
	}
	return report, nil
}

type alignOutcome struct {
	res align.Result
	err error
}

func (d *Driver) alignLayer(ctx context.Context, ref align.PatchBuffer, l *Layer, anchor image.Point) (lr LayerReport) {
	start := time.Now()
	lr.Name = l.Name
	defer func() {
		lr.Duration = time.Since(start)
		lr.Outcome = lr.Result.Outcome()
		logging.LogLayerResult(d.log(), l.Name, lr.Result, lr.Duration, lr.Err)
	}()

	if err := ctx.Err(); err != nil {
		lr.Err = err
		return lr
	}
	if !l.Loaded() {
		lr.Err = errMissingRaster
		if l.err != nil {
			lr.Err = l.err
		}
		return lr
	}

	var opts []align.Option
	if d.Observe != nil {
		if obs := d.Observe(l.Name); obs != nil {
			opts = append(opts, align.WithObserver(obs))
		}
	}
	aligner, err := align.NewAligner(d.Params, opts...)
	if err != nil {
		lr.Err = err
		return lr
	}

	if d.LayerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.LayerTimeout)
		defer cancel()
	}

	// The search has no cancellation points, so it runs on its own goroutine
	// and is abandoned when the context ends first.
	done := make(chan alignOutcome, 1)
	go func() {
		res, err := aligner.Align(ref, l.Raster(), anchor)
		done <- alignOutcome{res, err}
	}()

	select {
	case out := <-done:
		lr.Result, lr.Err = out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && d.LayerTimeout > 0 {
			lr.Err = fmt.Errorf("%w after %s", ErrLayerTimeout, d.LayerTimeout)
		} else {
			lr.Err = ctx.Err()
		}
	}
	return lr
}
