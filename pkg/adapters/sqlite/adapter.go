package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/adapters/base"
	_ "modernc.org/sqlite"
)

const driverSqlite = "sqlite"

// AdapterType идентификатор SQLite адаптера
const AdapterType = "sqlite"

// Compile-time check: Adapter должен реализовывать интерфейс adapters.Adapter
var _ adapters.Adapter = (*Adapter)(nil)

// Регистрация адаптера в глобальной фабрике
func init() {
	adapters.Register(AdapterType, func() adapters.Adapter {
		return &Adapter{}
	})
}

// Dialect - диалект SQLite
var Dialect = adapters.StandardDialect{
	DialectName: AdapterType,
	Quote:       `"`,
	TextName:    "TEXT",
	Now:         "CURRENT_TIMESTAMP",
}

// Adapter представляет адаптер для работы с SQLite
// Используется как локальная БД кэш-таблиц и как БД в тестах
type Adapter struct {
	base.SQLAdapter
}

// Connect устанавливает подключение к SQLite
func (a *Adapter) Connect(ctx context.Context, cfg adapters.Config) error {
	cfg.DSN = withConnectionPragmas(cfg.DSN)
	if err := a.Open(ctx, driverSqlite, AdapterType, Dialect, cfg); err != nil {
		return err
	}

	// Применяем PRAGMA оптимизации для массовой вставки в кэш-таблицы
	if err := a.applyPragmaOptimizations(ctx); err != nil {
		a.Close(ctx)
		return fmt.Errorf("failed to apply PRAGMA optimizations: %w", err)
	}
	return nil
}

// withConnectionPragmas добавляет в DSN параметры, которые драйвер применяет к
// каждому новому подключению пула. PRAGMA через Exec действует только на одно
// подключение, а busy_timeout нужен всем воркерам
func withConnectionPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + "_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
}

// NewAdapter создает и подключает адаптер к файлу или :memory: БД
func NewAdapter(ctx context.Context, dsn string) (*Adapter, error) {
	adapter := &Adapter{}
	if err := adapter.Connect(ctx, adapters.Config{Type: AdapterType, DSN: dsn}); err != nil {
		return nil, err
	}
	return adapter, nil
}

// applyPragmaOptimizations настраивает SQLite под много параллельных подключений
func (a *Adapter) applyPragmaOptimizations(ctx context.Context) error {
	pragmas := []string{
		// WAL позволяет читателям не блокировать писателя
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := a.DB().ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// IsIndexEnabled проверяет наличие индекса по колонке через pragma_index_info
func (a *Adapter) IsIndexEnabled(ctx context.Context, table, column string) (bool, error) {
	const query = `
		SELECT COUNT(*)
		FROM sqlite_master m, pragma_index_info(m.name) i
		WHERE m.type = 'index'
		  AND m.tbl_name = ?
		  AND i.name = ?
	`
	ok, err := a.QueryExists(ctx, query, table, column)
	if err != nil {
		return false, fmt.Errorf("failed to check index on %s.%s: %w", table, column, err)
	}
	return ok, nil
}
