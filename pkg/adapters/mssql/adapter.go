package mssql

import (
	"context"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb" // MS SQL Server driver

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/adapters/base"
)

// AdapterType идентификатор MS SQL Server адаптера
const AdapterType = "mssql"

// Compile-time check: Adapter должен реализовывать интерфейс adapters.Adapter
var _ adapters.Adapter = (*Adapter)(nil)

// Adapter implements the adapters.Adapter interface for Microsoft SQL Server.
type Adapter struct {
	base.SQLAdapter
}

func init() {
	// Register MS SQL Server adapter in factory
	adapters.Register(AdapterType, func() adapters.Adapter {
		return &Adapter{}
	})
}

// Connect implements adapters.Adapter interface.
func (a *Adapter) Connect(ctx context.Context, cfg adapters.Config) error {
	if cfg.Schema == "" {
		cfg.Schema = "dbo"
	}
	return a.Open(ctx, "sqlserver", AdapterType, adapters.MSSQLDialect{}, cfg)
}

// IsIndexEnabled checks sys.indexes for an enabled index covering the column.
func (a *Adapter) IsIndexEnabled(ctx context.Context, table, column string) (bool, error) {
	const query = `
		SELECT COUNT(*)
		FROM sys.indexes i
		JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		JOIN sys.tables t ON t.object_id = i.object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE s.name = @p1
		  AND t.name = @p2
		  AND c.name = @p3
		  AND i.is_disabled = 0
	`
	ok, err := a.QueryExists(ctx, query, a.Schema(), table, column)
	if err != nil {
		return false, fmt.Errorf("failed to check index on %s.%s: %w", table, column, err)
	}
	return ok, nil
}
