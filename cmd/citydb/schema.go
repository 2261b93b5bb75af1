package main

import (
	"github.com/spf13/cobra"

	"github.com/ruslano69/citydb-tool/pkg/citydb"
)

func newSchemaCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create or drop the 3D City Database tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create the cityobject tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			adapter, err := a.openAdapter(ctx)
			if err != nil {
				return err
			}
			defer adapter.Close(ctx)

			if err := citydb.CreateSchema(ctx, adapter.DB(), adapter.Dialect()); err != nil {
				return err
			}
			a.log.Info().Str("db", adapter.GetDatabaseType()).Msg("Schema created")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drop",
		Short: "Drop the cityobject tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			adapter, err := a.openAdapter(ctx)
			if err != nil {
				return err
			}
			defer adapter.Close(ctx)

			if err := citydb.DropSchema(ctx, adapter.DB()); err != nil {
				return err
			}
			a.log.Info().Str("db", adapter.GetDatabaseType()).Msg("Schema dropped")
			return nil
		},
	})
	return cmd
}
