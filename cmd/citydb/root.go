package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ruslano69/citydb-tool/pkg/config"
	"github.com/ruslano69/citydb-tool/pkg/logging"
)

// app - общее состояние подкоманд: конфигурация и логгер
type app struct {
	configPath string

	// переопределения файла конфигурации
	dbType     string
	dsn        string
	schema     string
	workspace  string
	minWorkers int
	maxWorkers int
	logLevel   string
	logFormat  string
	metrics    string

	cfg *config.Config
	log zerolog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{log: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "citydb",
		Short: "Parallel export, import and delete for 3D City Database",
		Long: `citydb exports, imports and deletes city objects of a 3D City Database
(PostgreSQL, MySQL, SQL Server, SQLite) using a pool of parallel workers.

Settings are read from a YAML file (--config) and can be overridden by flags:
  citydb export --config citydb.yaml --output city.gml --bbox 0,0,1000,1000
  citydb import --dsn "file:city.db" --db-type sqlite city.gml.zst
  citydb delete --config citydb.yaml --list ids.csv --mode terminate

Ctrl+C stops a running operation: queued work is dropped, temporary
cache tables are removed and the process exits with code 130.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// ошибки приложения без справки, ошибки флагов со справкой
			cmd.SilenceUsage = true
			return a.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&a.dbType, "db-type", "", "database type: postgres, mysql, mssql, sqlite")
	f.StringVar(&a.dsn, "dsn", "", "database connection string")
	f.StringVar(&a.schema, "schema", "", "database schema")
	f.StringVar(&a.workspace, "workspace", "", "workspace of a version-managed database")
	f.IntVar(&a.minWorkers, "min-workers", 0, "minimum number of workers")
	f.IntVar(&a.maxWorkers, "max-workers", 0, "maximum number of workers")
	f.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	f.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	f.StringVar(&a.metrics, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	root.AddCommand(
		newExportCommand(a),
		newExportKMLCommand(a),
		newImportCommand(a),
		newDeleteCommand(a),
		newSchemaCommand(a),
		newVersionCommand(),
	)
	return root
}

// load читает конфигурацию и применяет флаги
func (a *app) load(cmd *cobra.Command) error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.Load(a.configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("db-type") {
		cfg.Database.Type = a.dbType
	}
	if flags.Changed("dsn") {
		cfg.Database.DSN = a.dsn
	}
	if flags.Changed("schema") {
		cfg.Database.Schema = a.schema
	}
	if flags.Changed("workspace") {
		cfg.Database.Workspace = a.workspace
	}
	if flags.Changed("min-workers") {
		cfg.Concurrency.MinWorkers = a.minWorkers
	}
	if flags.Changed("max-workers") {
		cfg.Concurrency.MaxWorkers = a.maxWorkers
		// воркеры + splitter + менеджер кэш-таблиц
		if cfg.Database.MaxConns < a.maxWorkers+4 {
			cfg.Database.MaxConns = a.maxWorkers + 4
		}
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = a.logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = a.metrics
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger
	return nil
}
