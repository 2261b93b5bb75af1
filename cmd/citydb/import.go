package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/importer"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

func newImportCommand(a *app) *cobra.Command {
	var (
		fromBroker   bool
		dedup        bool
		skipExisting bool
		textures     bool
		textureBase  string
		report       string
	)

	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Import CityGML documents into the database",
		Long: `Import city objects from CityGML documents. Files compressed with zstd
are detected automatically. With --from-broker features are also read from
the broker configured in output.broker until it stays idle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if len(args) > 0 {
				cfg.Import.Inputs = args
			}
			f := cmd.Flags()
			if f.Changed("from-broker") {
				cfg.Import.FromBroker = fromBroker
			}
			if f.Changed("dedup") {
				cfg.Import.Dedup = dedup
			}
			if f.Changed("skip-existing") {
				cfg.Import.SkipExisting = skipExisting
			}
			if f.Changed("textures") {
				cfg.Import.Textures = textures
			}
			if f.Changed("report") {
				cfg.Report.Path = report
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return a.runImport(cmd.Context(), textureBase)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&fromBroker, "from-broker", false, "read features from the configured message broker")
	f.BoolVar(&dedup, "dedup", false, "import only the first feature with a given gml:id")
	f.BoolVar(&skipExisting, "skip-existing", false, "skip features whose gml:id is already in the database")
	f.BoolVar(&textures, "textures", false, "import texture images referenced by features")
	f.StringVar(&textureBase, "texture-base", "", "directory texture paths of broker messages are relative to")
	f.StringVar(&report, "report", "", "write an XLSX run report to this file")
	return cmd
}

func (a *app) runImport(ctx context.Context, textureBase string) error {
	registry := schema.NewCityGMLRegistry()
	job := a.cfg.ImportJob()

	s, err := a.openSession(ctx, importer.Op, registry)
	if err != nil {
		return err
	}
	defer s.Close()

	im := importer.NewImporter(s.adapter, registry, s.dispatcher, s.interrupt, job, s.log)
	if a.cfg.Import.FromBroker {
		broker, err := a.openBroker(ctx)
		if err != nil {
			return err
		}
		// брокер закрывается вместе с источником
		im.AddSource(importer.NewBrokerSource(broker, registry, textureBase, s.log))
	}

	res, runErr := im.DoProcess(ctx)

	summary := events.NewSummary(importer.Op, s.started, nil, false, runErr)
	if res != nil {
		summary = events.NewSummary(importer.Op, s.started, res.Counters, res.Aborted, runErr)
	}
	return s.finish(ctx, summary, output{}, runErr)
}
