package base

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
)

// SQLAdapter - общая часть адаптеров поверх database/sql
// Конкретные адаптеры встраивают его и добавляют IsIndexEnabled и
// специфичные для СУБД настройки подключения
type SQLAdapter struct {
	db      *sql.DB
	dialect adapters.Dialect
	dbType  string
	schema  string
}

// Open открывает пул подключений и проверяет доступность БД
func (a *SQLAdapter) Open(ctx context.Context, driver string, dbType string, dialect adapters.Dialect, cfg adapters.Config) error {
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	a.db = db
	a.dialect = dialect
	a.dbType = dbType
	a.schema = cfg.Schema
	return nil
}

// Close закрывает пул подключений
func (a *SQLAdapter) Close(ctx context.Context) error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Ping проверяет доступность БД
func (a *SQLAdapter) Ping(ctx context.Context) error {
	if a.db == nil {
		return adapters.ErrNotConnected
	}
	return a.db.PingContext(ctx)
}

// DB возвращает пул подключений
func (a *SQLAdapter) DB() *sql.DB {
	return a.db
}

// Conn выдает отдельное подключение
func (a *SQLAdapter) Conn(ctx context.Context) (*sql.Conn, error) {
	if a.db == nil {
		return nil, adapters.ErrNotConnected
	}
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// Dialect возвращает SQL диалект
func (a *SQLAdapter) Dialect() adapters.Dialect {
	return a.dialect
}

// GetDatabaseType возвращает тип СУБД
func (a *SQLAdapter) GetDatabaseType() string {
	return a.dbType
}

// Schema возвращает схему БД из конфигурации
func (a *SQLAdapter) Schema() string {
	return a.schema
}

// BlobExporter создает экспортер бинарных данных для подключения
func (a *SQLAdapter) BlobExporter(conn *sql.Conn, kind adapters.BlobKind) adapters.BlobExporter {
	return adapters.NewSQLBlobExporter(conn, a.dialect, kind)
}

// GotoWorkspace - версионирование не поддерживается, доступно только рабочее
// пространство по умолчанию
func (a *SQLAdapter) GotoWorkspace(ctx context.Context, conn *sql.Conn, name string, timestamp time.Time) (bool, error) {
	if name == "" || strings.EqualFold(name, adapters.DefaultWorkspace) {
		return true, nil
	}
	return false, nil
}

// QueryExists выполняет запрос вида SELECT COUNT(*) ... и возвращает count > 0
func (a *SQLAdapter) QueryExists(ctx context.Context, query string, args ...any) (bool, error) {
	if a.db == nil {
		return false, adapters.ErrNotConnected
	}
	var n int64
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
