package mysql

import (
	"context"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/adapters/base"
)

// AdapterType идентификатор MySQL адаптера
const AdapterType = "mysql"

// Compile-time check: Adapter должен реализовывать интерфейс adapters.Adapter
var _ adapters.Adapter = (*Adapter)(nil)

// Dialect - диалект MySQL
var Dialect = adapters.StandardDialect{
	DialectName: AdapterType,
	Quote:       "`",
	Now:         "NOW()",
}

// Adapter реализует adapters.Adapter для MySQL
type Adapter struct {
	base.SQLAdapter
}

func init() {
	// Регистрируем MySQL адаптер в фабрике
	adapters.Register(AdapterType, func() adapters.Adapter {
		return &Adapter{}
	})
}

// Connect подключается к MySQL базе данных
// Даты cityobject читаются как time.Time, поэтому parseTime включается всегда
func (a *Adapter) Connect(ctx context.Context, cfg adapters.Config) error {
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	dsn.ParseTime = true
	if cfg.Schema != "" && dsn.DBName == "" {
		dsn.DBName = cfg.Schema
	}
	cfg.DSN = dsn.FormatDSN()
	return a.Open(ctx, "mysql", AdapterType, Dialect, cfg)
}

// IsIndexEnabled проверяет наличие индекса через information_schema.statistics
func (a *Adapter) IsIndexEnabled(ctx context.Context, table, column string) (bool, error) {
	const query = `
		SELECT COUNT(*)
		FROM information_schema.statistics
		WHERE table_schema = DATABASE()
		  AND table_name = ?
		  AND column_name = ?
	`
	ok, err := a.QueryExists(ctx, query, table, column)
	if err != nil {
		return false, fmt.Errorf("failed to check index on %s.%s: %w", table, column, err)
	}
	return ok, nil
}
