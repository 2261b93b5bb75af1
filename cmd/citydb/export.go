package main

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ruslano69/citydb-tool/pkg/brokers"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/export"
	"github.com/ruslano69/citydb-tool/pkg/report"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

func newExportCommand(a *app) *cobra.Command {
	var (
		qf       queryFlags
		output   string
		compress bool
		dedup    bool
		textures bool
		hits     bool
		skipIdx  bool
		report   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export city objects to CityGML",
		Long: `Export top-level city objects matching the query to a CityGML document.

With --tiling the bounding box is split into tiles and every tile is written
to its own file <output>_<row>_<column>.gml. With --compress the output is
zstd-compressed and gets a .zst suffix.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if err := qf.apply(cmd, &cfg.Export.QueryConfig); err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("output") {
				cfg.Export.Output = output
			}
			if f.Changed("compress") {
				cfg.Export.Compress = compress
			}
			if f.Changed("dedup") {
				cfg.Export.Dedup = dedup
			}
			if f.Changed("textures") {
				cfg.Export.Textures = textures
			}
			if f.Changed("calculate-hits") {
				cfg.Export.CalculateHits = hits
			}
			if f.Changed("skip-index-check") {
				cfg.Export.SkipIndexCheck = skipIdx
			}
			if f.Changed("report") {
				cfg.Report.Path = report
			}
			return a.runExport(cmd.Context())
		},
	}

	qf.register(cmd, true)
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "output CityGML file")
	f.BoolVar(&compress, "compress", false, "compress output with zstd")
	f.BoolVar(&dedup, "dedup", false, "skip features whose gml:id was already exported")
	f.BoolVar(&textures, "textures", false, "export texture images next to the output")
	f.BoolVar(&hits, "calculate-hits", false, "count matching features before the export")
	f.BoolVar(&skipIdx, "skip-index-check", false, "do not require a spatial index for bbox queries")
	f.StringVar(&report, "report", "", "write an XLSX run report to this file")
	return cmd
}

func (a *app) runExport(ctx context.Context) error {
	registry := schema.NewCityGMLRegistry()
	job, err := a.cfg.ExportJob(registry)
	if err != nil {
		return err
	}
	if job.OutputFile == "" {
		return errors.New("output file is required (use --output or export.output)")
	}

	s, err := a.openSession(ctx, export.Op, registry)
	if err != nil {
		return err
	}
	defer s.Close()

	ex := export.NewExporter(s.adapter, registry, s.dispatcher, s.interrupt, job, s.log)

	broker, err := a.openBroker(ctx)
	if err != nil {
		return err
	}
	if broker != nil {
		defer broker.Close()
		opts := writer.FileOptions{Compress: job.Compress, Level: job.CompressionLevel}
		ex.OpenSink = func(path string) (writer.Sink, string, error) {
			return teeSink(path, ex.Format, opts, broker)
		}
	}

	res, runErr := ex.DoProcess(ctx)

	summary := events.NewSummary(export.Op, s.started, nil, false, runErr)
	out := output{baseDir: filepath.Dir(job.OutputFile)}
	if res != nil {
		summary = events.NewSummary(export.Op, s.started, res.Counters, res.Aborted, runErr)
		summary.Files = res.Files
		for _, t := range res.Tiles {
			name := "all"
			if t.Tile != nil {
				name = t.Tile.Name()
			}
			out.tiles = append(out.tiles, report.Tile{Name: name, File: t.Path, Emitted: t.Emitted})
		}
	}
	if job.ExportTextures {
		out.dirs = append(out.dirs, filepath.Join(out.baseDir, job.TextureDir))
	}
	return s.finish(ctx, summary, out, runErr)
}

// teeSink пишет документ в файл и каждую запись в брокер
// Брокер общий для всех тайлов и закрывается после запуска
func teeSink(path string, format writer.Format, opts writer.FileOptions, broker brokers.MessageBroker) (writer.Sink, string, error) {
	file, err := writer.NewFileSink(path, format, opts)
	if err != nil {
		return nil, "", err
	}
	return writer.Tee{file, sharedBroker{writer.NewBrokerSink(broker, format)}}, file.Path(), nil
}

// sharedBroker не закрывает брокер вместе с документом
type sharedBroker struct {
	*writer.BrokerSink
}

func (sharedBroker) Close() error { return nil }
