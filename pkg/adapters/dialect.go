package adapters

import (
	"fmt"
	"strings"
)

// Dialect - различия SQL синтаксиса между СУБД
// Построитель запросов работает с абстрактным AST и обращается к диалекту
// только при рендеринге
type Dialect interface {
	// Name возвращает имя диалекта
	Name() string

	// Placeholder возвращает параметр запроса с номером n (1-based)
	Placeholder(n int) string

	// QuoteIdent экранирует идентификатор
	QuoteIdent(name string) string

	// LimitOffset возвращает хвост запроса для пагинации
	// limit <= 0 означает без ограничения
	LimitOffset(limit, offset int64) string

	// CreateTableAs возвращает DDL создания таблицы из SELECT
	CreateTableAs(table, selectSQL string) string

	// BigIntType, TextType - типы колонок для кэш-таблиц
	BigIntType() string
	TextType(length int) string

	// TimestampNow - выражение текущего времени
	TimestampNow() string
}

// StandardDialect - диалект со стандартным LIMIT/OFFSET (PostgreSQL, SQLite, MySQL)
type StandardDialect struct {
	DialectName string
	Quote       string // '"' или '`'
	Numbered    bool   // $1, $2 вместо ?
	Unlogged    bool   // CREATE UNLOGGED TABLE (PostgreSQL)
	TextName    string // VARCHAR или TEXT
	Now         string
}

// Name возвращает имя диалекта
func (d StandardDialect) Name() string { return d.DialectName }

// Placeholder возвращает $n или ?
func (d StandardDialect) Placeholder(n int) string {
	if d.Numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// QuoteIdent экранирует идентификатор
func (d StandardDialect) QuoteIdent(name string) string {
	q := d.Quote
	if q == "" {
		q = `"`
	}
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// LimitOffset возвращает LIMIT/OFFSET
func (d StandardDialect) LimitOffset(limit, offset int64) string {
	var parts []string
	if limit > 0 {
		parts = append(parts, fmt.Sprintf("LIMIT %d", limit))
	} else if offset > 0 && d.DialectName == "mysql" {
		// MySQL не допускает OFFSET без LIMIT
		parts = append(parts, "LIMIT 18446744073709551615")
	}
	if offset > 0 {
		parts = append(parts, fmt.Sprintf("OFFSET %d", offset))
	}
	return strings.Join(parts, " ")
}

// CreateTableAs возвращает CREATE TABLE ... AS SELECT
func (d StandardDialect) CreateTableAs(table, selectSQL string) string {
	kind := "TABLE"
	if d.Unlogged {
		kind = "UNLOGGED TABLE"
	}
	return fmt.Sprintf("CREATE %s %s AS %s", kind, table, selectSQL)
}

// BigIntType возвращает тип 64-битного целого
func (d StandardDialect) BigIntType() string { return "BIGINT" }

// TextType возвращает строковый тип
func (d StandardDialect) TextType(length int) string {
	if d.TextName == "TEXT" || length <= 0 {
		return "TEXT"
	}
	return fmt.Sprintf("VARCHAR(%d)", length)
}

// TimestampNow возвращает выражение текущего времени
func (d StandardDialect) TimestampNow() string {
	if d.Now == "" {
		return "CURRENT_TIMESTAMP"
	}
	return d.Now
}

// MSSQLDialect - диалект MS SQL Server (OFFSET/FETCH, SELECT INTO)
type MSSQLDialect struct{}

// Name возвращает имя диалекта
func (MSSQLDialect) Name() string { return "mssql" }

// Placeholder возвращает @pN
func (MSSQLDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

// QuoteIdent экранирует идентификатор квадратными скобками
func (MSSQLDialect) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// LimitOffset возвращает OFFSET ... FETCH NEXT (требует ORDER BY в запросе)
func (MSSQLDialect) LimitOffset(limit, offset int64) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	s := fmt.Sprintf("OFFSET %d ROWS", offset)
	if limit > 0 {
		s += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)
	}
	return s
}

// CreateTableAs возвращает SELECT ... INTO
func (MSSQLDialect) CreateTableAs(table, selectSQL string) string {
	return fmt.Sprintf("SELECT * INTO %s FROM (%s) AS src", table, selectSQL)
}

// BigIntType возвращает тип 64-битного целого
func (MSSQLDialect) BigIntType() string { return "BIGINT" }

// TextType возвращает строковый тип
func (MSSQLDialect) TextType(length int) string {
	if length <= 0 {
		return "NVARCHAR(MAX)"
	}
	return fmt.Sprintf("NVARCHAR(%d)", length)
}

// TimestampNow возвращает выражение текущего времени
func (MSSQLDialect) TimestampNow() string { return "SYSDATETIME()" }
