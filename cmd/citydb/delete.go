package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ruslano69/citydb-tool/pkg/deleter"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

func newDeleteCommand(a *app) *cobra.Command {
	var (
		qf        queryFlags
		mode      string
		list      string
		delimiter string
		column    string
		header    bool
		date      string
		hits      bool
		report    string
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete or terminate city objects",
		Long: `Delete top-level city objects matching the query, or terminate them by
setting termination_date (--mode terminate). With --list only objects whose
gml:id appears in the CSV file are affected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if err := qf.apply(cmd, &cfg.Delete.QueryConfig); err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("mode") {
				cfg.Delete.Mode = mode
			}
			if f.Changed("list") {
				cfg.Delete.ListFile = list
			}
			if f.Changed("list-delimiter") {
				cfg.Delete.ListDelimiter = delimiter
			}
			if f.Changed("list-column") {
				cfg.Delete.ListColumn = column
			}
			if f.Changed("list-header") {
				cfg.Delete.ListHeader = header
			}
			if f.Changed("termination-date") {
				cfg.Delete.TerminationDate = date
			}
			if f.Changed("calculate-hits") {
				cfg.Delete.CalculateHits = hits
			}
			if f.Changed("report") {
				cfg.Report.Path = report
			}
			return a.runDelete(cmd.Context())
		},
	}

	qf.register(cmd, false)
	f := cmd.Flags()
	f.StringVar(&mode, "mode", "", "delete or terminate")
	f.StringVar(&list, "list", "", "CSV file with gml:id values to delete")
	f.StringVar(&delimiter, "list-delimiter", "", "field delimiter of the list file (default ',')")
	f.StringVar(&column, "list-column", "", "name of the gml:id column, requires --list-header")
	f.BoolVar(&header, "list-header", false, "the list file has a header row")
	f.StringVar(&date, "termination-date", "", "termination date for --mode terminate (default: now)")
	f.BoolVar(&hits, "calculate-hits", false, "count matching features before deleting")
	f.StringVar(&report, "report", "", "write an XLSX run report to this file")
	return cmd
}

func (a *app) runDelete(ctx context.Context) error {
	registry := schema.NewCityGMLRegistry()
	job, err := a.cfg.DeleteJob(registry)
	if err != nil {
		return err
	}

	s, err := a.openSession(ctx, deleter.Op, registry)
	if err != nil {
		return err
	}
	defer s.Close()

	m := deleter.NewDeleteManager(s.adapter, registry, s.dispatcher, s.interrupt, job, s.log)
	res, runErr := m.DoProcess(ctx)

	summary := events.NewSummary(deleter.Op, s.started, nil, false, runErr)
	if res != nil {
		summary = events.NewSummary(deleter.Op, s.started, res.Counters, res.Aborted, runErr)
	}
	return s.finish(ctx, summary, output{}, runErr)
}
