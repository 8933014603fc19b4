package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stackalign/internal/config"
	"stackalign/internal/fsutil"
	"stackalign/internal/pipeline"
	"stackalign/internal/report"
	"stackalign/internal/server"
	"stackalign/internal/stack"
	"stackalign/internal/storage"
	"stackalign/internal/watch"
)

// Version is set at build time.
var Version = "dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe server.JobQueue) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackalign",
		Short: "Align the layers of an image stack",
		Long: `stackalign aligns every visible layer of a stack against a selected region
of the top layer using normalized cross-correlation, then moves each layer
into register and optionally grows the canvas to fit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newCompositeCmd(root))
	rootCmd.AddCommand(newInitCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// alignFlags are the per-run overrides of the alignment config.
type alignFlags struct {
	radius     int
	minOverlap float64
	coarseStep int
	autoFit    bool
	channels   string
	heatmaps   string
	composite  string
}

func (f *alignFlags) register(cmd *cobra.Command, cfg config.AlignmentConfig) {
	cmd.Flags().IntVar(&f.radius, "radius", cfg.SearchRadius, "maximum search distance in pixels along each axis")
	cmd.Flags().Float64Var(&f.minOverlap, "min-overlap", cfg.MinOverlap, "minimum correlation for a layer to be moved")
	cmd.Flags().IntVar(&f.coarseStep, "coarse-step", cfg.CoarseStep, "grid spacing of the coarse pass")
	cmd.Flags().BoolVar(&f.autoFit, "auto-fit", cfg.AutoFitCanvas, "grow the canvas to cover every visible layer")
	cmd.Flags().StringVar(&f.channels, "channels", cfg.Channels, "sample mode (luma|rgb)")
	cmd.Flags().StringVar(&f.heatmaps, "heatmaps", "", "directory for per-layer score heat maps")
	cmd.Flags().StringVar(&f.composite, "composite", "", "also write the flattened result to this PNG")
}

// options returns the flags the user set, so unset ones fall back to the
// config in the pipeline.
func (f *alignFlags) options(cmd *cobra.Command, source string) map[string]any {
	opts := map[string]any{"source": source}
	flags := cmd.Flags()
	if flags.Changed("radius") {
		opts[pipeline.OptRadius] = f.radius
	}
	if flags.Changed("min-overlap") {
		opts[pipeline.OptMinOverlap] = f.minOverlap
	}
	if flags.Changed("coarse-step") {
		opts[pipeline.OptCoarseStep] = f.coarseStep
	}
	if flags.Changed("auto-fit") {
		opts[pipeline.OptAutoFit] = f.autoFit
	}
	if flags.Changed("channels") {
		opts[pipeline.OptChannels] = f.channels
	}
	if f.heatmaps != "" {
		opts[pipeline.OptHeatmapDir] = f.heatmaps
	}
	if f.composite != "" {
		opts[pipeline.OptComposite] = f.composite
	}
	return opts
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		flags  alignFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "align <manifest>",
		Short: "Align the layers of a stack",
		Long: `Align every visible layer of a stack against the selection on its top layer.

The updated manifest is written back in place unless --output is given.

Examples:
  stackalign align shots/stack.json
  stackalign align shots/stack.json --radius 20 --min-overlap 0.7 -o aligned.json
  stackalign align shots/stack.json --heatmaps heat/ --composite flat.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobAlign,
				InputPath: args[0],
				Output:    output,
				Options:   flags.options(cmd, "cli"),
			}
			root.log.Info("align command parsed", "input", job.InputPath, "output", output, "options", job.Options)

			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			if res.Report != nil {
				if err := report.WriteTable(cmd.OutOrStdout(), *res.Report); err != nil {
					return err
				}
			}
			if saved, ok := res.Meta["manifest"].(string); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "manifest written to %s\n", saved)
			}
			return nil
		},
	}

	flags.register(cmd, root.cfg.Alignment)
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the aligned manifest here instead of in place")

	return cmd
}

func newCompositeCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "composite <manifest>",
		Short: "Flatten the visible layers of a stack into a PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID(),
				Type:      pipeline.JobComposite,
				InputPath: args[0],
				Output:    output,
				Options:   map[string]any{"source": "cli"},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "composite written to %v\n", res.Meta["output"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output PNG (default: manifest path with .png)")
	return cmd
}

func newInitCmd(root *Root) *cobra.Command {
	var (
		output    string
		selection []int
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "init <directory>",
		Short: "Create a manifest from the images in a directory",
		Long: `Create a stack manifest listing every decodable image under a directory.

Files are layered in name order with the first file on top. Without
--selection the centre half of the canvas is selected.

Examples:
  stackalign init shots/
  stackalign init shots/ --selection 100,80,64,64 -o shots/focus.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if output == "" {
				output = filepath.Join(dir, "stack.json")
			}
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			files, err := fsutil.ListImages(dir)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no images found in %s", dir)
			}

			m, err := stack.ManifestFromFiles(filepath.Dir(output), files)
			if err != nil {
				return err
			}
			switch len(selection) {
			case 0:
				m.Selection = stack.Selection{
					X:      m.Canvas.Width / 4,
					Y:      m.Canvas.Height / 4,
					Width:  m.Canvas.Width / 2,
					Height: m.Canvas.Height / 2,
				}
			case 4:
				m.Selection = stack.Selection{X: selection[0], Y: selection[1], Width: selection[2], Height: selection[3]}
			default:
				return fmt.Errorf("--selection takes x,y,width,height")
			}
			if err := m.Validate(); err != nil {
				return err
			}
			if err := m.Save(output); err != nil {
				return err
			}

			root.log.Info("manifest created", "path", output, "layers", len(m.Layers))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d layers, canvas %dx%d, selection %v\n",
				output, len(m.Layers), m.Canvas.Width, m.Canvas.Height, m.Selection.Rect())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "manifest path (default: <directory>/stack.json)")
	cmd.Flags().IntSliceVar(&selection, "selection", nil, "selection as x,y,width,height")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing manifest")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List recent jobs or show the layer results of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return storage.ErrNotInitialized
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if len(args) == 1 {
				if _, err := root.store.Job(args[0]); err != nil {
					return err
				}
				recs, err := root.store.LayerResults(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "LAYER\tOFFSET\tSCORE\tOUTCOME\tTIME\n")
				for _, lr := range recs {
					outcome := lr.Outcome
					if lr.Error != "" {
						outcome = "error: " + lr.Error
					}
					fmt.Fprintf(tw, "%s\t(%d,%d)\t%.4f\t%s\t%dms\n", lr.Layer, lr.DX, lr.DY, lr.Score, outcome, lr.DurationMS)
				}
				return tw.Flush()
			}

			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "ID\tTYPE\tSTATUS\tINPUT\tCREATED\n")
			for _, j := range recs {
				status := j.Status
				if j.Error != "" {
					status += ": " + j.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.JobType, status, j.InputPath, j.CreatedAt.Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job API",
		Long: `Start an HTTP server that accepts alignment jobs and streams their results.

Endpoints: /healthz, /jobs, /jobs/{id}, /jobs/{id}/layers, /stream, /ws`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr)
			return root.serveFn(cmd.Context(), addr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags    alignFlags
		output   string
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <manifest>",
		Short: "Re-align a stack whenever it changes",
		Long: `Watch a manifest and its layer files and re-run alignment after each burst
of changes. The aligned manifest is written to --output, which must differ from
the watched manifest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest := args[0]
			if output == "" {
				output = strings.TrimSuffix(manifest, filepath.Ext(manifest)) + ".aligned.json"
			}
			if fsutil.SamePath(output, manifest) {
				return errors.New("--output must differ from the watched manifest")
			}
			ctx := cmd.Context()
			opts := flags.options(cmd, "watch")

			submit := func(path string) error {
				return root.enqueue(ctx, pipeline.Job{
					ID:        newID(),
					Type:      pipeline.JobAlign,
					InputPath: path,
					Output:    output,
					Options:   opts,
				})
			}
			w, err := watch.New(manifest, debounce, submit, root.log)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "watching %d files, writing %s\n", len(w.Files()), output)

			resCh, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()
			go printResults(ctx, cmd, resCh)

			if err := submit(manifest); err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}

	flags.register(cmd, root.cfg.Alignment)
	cmd.Flags().StringVarP(&output, "output", "o", "", "aligned manifest (default: <manifest>.aligned.json)")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before re-aligning")
	return cmd
}

func printResults(ctx context.Context, cmd *cobra.Command, resCh <-chan pipeline.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			if res.Error != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s failed: %v\n", res.Job.InputPath, res.Error)
				continue
			}
			if res.Report != nil {
				report.WriteTable(cmd.OutOrStdout(), *res.Report)
			}
		}
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("stackalign %s\n", Version)
		},
	}
}
