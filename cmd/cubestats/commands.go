package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/fidde/cube_planner/internal/collect"
	"github.com/fidde/cube_planner/internal/config"
	"github.com/fidde/cube_planner/internal/metadata"
	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/internal/stats"
	"github.com/fidde/cube_planner/pkg/cuboid"
)

// env is what every subcommand works against.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	store   resource.Store
	catalog *metadata.Catalog
}

type rootFlags struct {
	configPath string
	catalog    string
}

func newRootCommand() *cobra.Command {
	var (
		flags rootFlags
		e     env
	)
	command := &cobra.Command{
		Use:   "cubestats [command] (flags)",
		Short: "cubestats inspects and collects cube segment statistics.",
		Long: `cubestats inspects and collects cube segment statistics.

Typical usage:
    cubestats print sales
        Print the statistics of every segment of cube sales.

    cubestats layers sales 20240101_20240201
        Print the estimated size of each build layer of one segment.

    cubestats collect sales 20240101_20240201 part-0.csv part-1.csv.gz
        Collect statistics and dictionaries, one mapper per input file.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd.Context(), flags, cmd.ErrOrStderr())
		},
	}
	command.PersistentFlags().StringVar(&flags.configPath, "config", "", "path of the YAML configuration")
	command.PersistentFlags().StringVar(&flags.catalog, "catalog", "", "cube catalog, overrides the configuration")

	command.AddCommand(makePrintCommand(&e))
	command.AddCommand(makeLayersCommand(&e))
	command.AddCommand(makeCuboidsCommand(&e))
	command.AddCommand(makeCollectCommand(&e))

	// cobra skips post-run hooks when RunE fails, so the store is closed here.
	for _, sub := range command.Commands() {
		sub.RunE = e.closing(sub.RunE)
	}
	return command
}

func (e *env) closing(run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			err = errors.CombineErrors(err, e.close())
		}()
		return run(cmd, args)
	}
}

func (e *env) open(ctx context.Context, flags rootFlags, stderr io.Writer) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.catalog != "" {
		cfg.Catalog = flags.catalog
	}
	level, _ := cfg.SlogLevel()
	e.cfg = cfg
	e.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if e.store, err = resource.NewStore(ctx, cfg.Resource, e.logger); err != nil {
		return err
	}
	if path, ok := cfg.CatalogResource(); ok {
		e.catalog, err = metadata.LoadCatalogResource(ctx, e.store, path)
	} else {
		e.catalog, err = metadata.LoadCatalog(cfg.Catalog)
	}
	if err != nil {
		return errors.CombineErrors(err, e.close())
	}
	return nil
}

func (e *env) close() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store = nil
	return err
}

// segments binds the named segments of a cube, or all when none are named.
func (e *env) segments(cubeName string, names []string) (*metadata.Cube, []*metadata.Segment, error) {
	cube, err := e.catalog.Cube(cubeName)
	if err != nil {
		return nil, nil, err
	}
	if len(names) == 0 {
		return cube, cube.BindSegments(e.store), nil
	}
	out := make([]*metadata.Segment, 0, len(names))
	for _, n := range names {
		desc, err := cube.Segment(n)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, metadata.NewSegment(&cube.CubeDesc, desc, e.store))
	}
	return cube, out, nil
}

func makePrintCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "print <cube> [segment...]",
		Short: "Print the statistics of a cube's segments",
		Long: `Print the statistics header and cuboid tree of each segment. Segments
whose statistics cannot be read are logged and skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, segs, err := e.segments(args[0], args[1:])
			if err != nil {
				return err
			}
			n, err := stats.Report(cmd.Context(), cmd.OutOrStdout(), segs, e.cfg.Stats, e.logger)
			if err != nil {
				return err
			}
			e.logger.Info("statistics printed", "cube", args[0], "segments", n, "skipped", len(segs)-n)
			return nil
		},
	}
}

func makeLayersCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "layers <cube> <segment>",
		Short: "Print the estimated size of each build layer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, segs, err := e.segments(args[0], args[1:])
			if err != nil {
				return err
			}
			r, err := stats.Open(cmd.Context(), segs[0], e.cfg.Stats)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for level := 0; level < r.LayerCount(); level++ {
				fmt.Fprintf(w, "Layer %d: %d cuboids, est MB: %s\n",
					level, len(r.CuboidsByLayer(level)), humanize.FtoaWithDigits(r.EstimateLayerSizeMB(level), 2))
			}
			fmt.Fprintf(w, "Total: %s rows, est MB: %s\n",
				humanize.Comma(r.TotalEstimatedRows()), humanize.FtoaWithDigits(r.TotalEstimatedSizeMB(), 2))
			return nil
		},
	}
}

func makeCuboidsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "cuboids <cube>",
		Short: "Print the cuboid lattice of a cube, layer by layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cube, err := e.catalog.Cube(args[0])
			if err != nil {
				return err
			}
			sched, err := cuboid.FromCube(&cube.CubeDesc)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for level, ids := range sched.CuboidsByLayer() {
				names := make([]string, len(ids))
				for i, id := range ids {
					names[i] = sched.DisplayName(id)
				}
				fmt.Fprintf(w, "Layer %d: %s\n", level, strings.Join(names, " "))
			}
			return nil
		},
	}
}

func makeCollectCommand(e *env) *cobra.Command {
	var (
		header  bool
		workDir string
	)
	cmd := &cobra.Command{
		Use:   "collect <cube> <segment> <csv>...",
		Short: "Collect statistics and dictionaries of a segment from CSV files",
		Long: `Collect statistics and dictionaries of a segment. Every input file is
one mapper split; files ending in .gz are decompressed. Columns follow the
cube's dimension order.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, segs, err := e.segments(args[0], args[1:2])
			if err != nil {
				return err
			}
			seg := segs[0]
			splits := make([][]collect.Row, 0, len(args)-2)
			for _, path := range args[2:] {
				rows, err := readCSV(path, len(seg.Cube().Dimensions), header)
				if err != nil {
					return err
				}
				splits = append(splits, rows)
			}

			var outputs collect.Outputs
			if workDir != "" {
				outputs = collect.NewFSOutput(afero.NewOsFs(), workDir)
			}
			res, err := collect.NewJob(seg, e.cfg.JobConfig(), outputs, e.logger, nil).Run(cmd.Context(), splits)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if res.Snapshot != nil {
				fmt.Fprintf(w, "Statistics: %d cuboids, %d mappers, overlap %s\n",
					len(res.Snapshot.Sketches), res.Snapshot.MapperCount,
					humanize.FtoaWithDigits(res.Snapshot.MapperOverlapRatio, 2))
			}
			for _, d := range seg.Cube().Dimensions {
				if dict, ok := res.Dictionaries[d.Name]; ok {
					fmt.Fprintf(w, "Dictionary %s: %d values\n", d.Name, dict.Cardinality())
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&header, "header", false, "skip the first line of every file")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "keep task files below this directory")
	return cmd
}

func readCSV(path string, columns int, header bool) ([]collect.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decompressing %s", path)
		}
		defer zr.Close()
		r = zr
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = columns
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if header && len(recs) > 0 {
		recs = recs[1:]
	}
	rows := make([]collect.Row, len(recs))
	for i, rec := range recs {
		rows[i] = rec
	}
	return rows, nil
}
