package main

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/kml"
	"github.com/ruslano69/citydb-tool/pkg/report"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

func newExportKMLCommand(a *app) *cobra.Command {
	var (
		qf        queryFlags
		output    string
		forms     []string
		groupSize int
		height    string
		report    string
	)

	cmd := &cobra.Command{
		Use:   "export-kml",
		Short: "Export city objects to KML display forms",
		Long: `Export top-level city objects to one KML document per display form:
footprint, extruded, geometry and collada. Each form is written to
<output>_<form>.kml. Forms are exported one after another.`,
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
			if f.Changed("form") {
				cfg.KML.DisplayForms = forms
			}
			if f.Changed("group-size") {
				cfg.KML.GroupSize = groupSize
			}
			if f.Changed("height-attribute") {
				cfg.KML.HeightAttribute = height
			}
			if f.Changed("report") {
				cfg.Report.Path = report
			}
			return a.runExportKML(cmd.Context())
		},
	}

	qf.register(cmd, true)
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "base name of the KML files")
	f.StringSliceVar(&forms, "form", nil, "display forms: footprint, extruded, geometry, collada")
	f.IntVar(&groupSize, "group-size", 0, "features per folder of the collada form")
	f.StringVar(&height, "height-attribute", "", "generic attribute with the extrusion height")
	f.StringVar(&report, "report", "", "write an XLSX run report to this file")
	return cmd
}

func (a *app) runExportKML(ctx context.Context) error {
	registry := schema.NewCityGMLRegistry()
	job, err := a.cfg.KMLJob(registry)
	if err != nil {
		return err
	}
	if job.Export.OutputFile == "" {
		return errors.New("output file is required (use --output or export.output)")
	}

	s, err := a.openSession(ctx, kml.Op, registry)
	if err != nil {
		return err
	}
	defer s.Close()

	ex := kml.NewExporter(s.adapter, registry, s.dispatcher, s.interrupt, job, s.log)

	broker, err := a.openBroker(ctx)
	if err != nil {
		return err
	}
	if broker != nil {
		defer broker.Close()
		opts := writer.FileOptions{Compress: job.Export.Compress, Level: job.Export.CompressionLevel}
		ex.OpenSink = func(path string, format writer.Format) (writer.Sink, string, error) {
			return teeSink(path, format, opts, broker)
		}
	}

	res, runErr := ex.DoProcess(ctx)

	summary := events.NewSummary(kml.Op, s.started, nil, false, runErr)
	out := output{baseDir: filepath.Dir(job.Export.OutputFile)}
	if res != nil {
		summary = events.NewSummary(kml.Op, s.started, res.Counters, res.Aborted, runErr)
		summary.Files = res.Files
		for _, f := range res.Forms {
			for _, path := range f.Files {
				out.tiles = append(out.tiles, report.Tile{Name: string(f.Form), File: path, Emitted: f.Emitted})
			}
		}
	}
	return s.finish(ctx, summary, out, runErr)
}
