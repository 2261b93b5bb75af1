package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/adapters/base"
)

// AdapterType идентификатор PostgreSQL/PostGIS адаптера
const AdapterType = "postgres"

// Compile-time check: Adapter должен реализовывать интерфейс adapters.Adapter
var _ adapters.Adapter = (*Adapter)(nil)

// Регистрация адаптера в глобальной фабрике
func init() {
	adapters.Register(AdapterType, func() adapters.Adapter {
		return &Adapter{}
	})
}

// Dialect - диалект PostgreSQL
var Dialect = adapters.StandardDialect{
	DialectName: AdapterType,
	Quote:       `"`,
	Numbered:    true,
	Unlogged:    true,
	Now:         "now()",
}

// Adapter представляет адаптер для 3DCityDB на PostgreSQL/PostGIS
type Adapter struct {
	base.SQLAdapter
}

// Connect устанавливает подключение к PostgreSQL
// Схема 3DCityDB задается через search_path, чтобы запросы ядра
// не квалифицировали имена таблиц
func (a *Adapter) Connect(ctx context.Context, cfg adapters.Config) error {
	connConfig, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.Schema == "" {
		cfg.Schema = "citydb"
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	connConfig.RuntimeParams["search_path"] = cfg.Schema + ",public"
	connConfig.RuntimeParams["application_name"] = "citydb-tool"

	// stdlib.RegisterConnConfig возвращает имя, по которому драйвер pgx
	// найдет сохраненную конфигурацию
	dsn := stdlib.RegisterConnConfig(connConfig)
	cfg.DSN = dsn

	if err := a.Open(ctx, "pgx", AdapterType, Dialect, cfg); err != nil {
		stdlib.UnregisterConnConfig(dsn)
		return err
	}
	return nil
}

// IsIndexEnabled проверяет наличие валидного индекса по колонке
// Для PostGIS это в первую очередь пространственный индекс cityobject.envelope
func (a *Adapter) IsIndexEnabled(ctx context.Context, table, column string) (bool, error) {
	const query = `
		SELECT COUNT(*)
		FROM pg_index i
		JOIN pg_class t ON t.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute att ON att.attrelid = t.oid AND att.attnum = ANY(i.indkey)
		WHERE n.nspname = $1
		  AND t.relname = $2
		  AND att.attname = $3
		  AND i.indisvalid
	`
	ok, err := a.QueryExists(ctx, query, a.Schema(), table, column)
	if err != nil {
		return false, fmt.Errorf("failed to check index on %s.%s: %w", table, column, err)
	}
	return ok, nil
}
