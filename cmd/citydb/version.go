package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// version задается при сборке: -ldflags "-X main.version=..."
var version = "dev"

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "citydb version %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	// конфигурация и БД не нужны
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }
	return cmd
}
