package query

import (
	"fmt"
	"strings"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
)

// Predicate - условие WHERE абстрактного запроса
// Рендерится в SQL только через Dialect
type Predicate interface {
	render(r *renderer) string
}

// Compare - сравнение выражения со значением: expr op ?
type Compare struct {
	Expr  string
	Op    string // =, <>, <, <=, >, >=
	Value any
}

func (c Compare) render(r *renderer) string {
	return fmt.Sprintf("%s %s %s", c.Expr, c.Op, r.bind(c.Value))
}

// In - expr IN (?, ?, ...)
type In struct {
	Expr   string
	Values []any
}

func (p In) render(r *renderer) string {
	if len(p.Values) == 0 {
		// пустой IN не выбирает ничего
		return "1 = 0"
	}
	if len(p.Values) == 1 {
		return fmt.Sprintf("%s = %s", p.Expr, r.bind(p.Values[0]))
	}
	params := make([]string, len(p.Values))
	for i, v := range p.Values {
		params[i] = r.bind(v)
	}
	return fmt.Sprintf("%s IN (%s)", p.Expr, strings.Join(params, ", "))
}

// InTable - expr IN (SELECT column FROM table)
// Используется для списков удаления, загруженных в кэш-таблицу
type InTable struct {
	Expr   string
	Table  string
	Column string
}

func (p InTable) render(r *renderer) string {
	return fmt.Sprintf("%s IN (SELECT %s FROM %s)", p.Expr, p.Column, p.Table)
}

// IsNull - expr IS [NOT] NULL
type IsNull struct {
	Expr string
	Not  bool
}

func (p IsNull) render(r *renderer) string {
	if p.Not {
		return p.Expr + " IS NOT NULL"
	}
	return p.Expr + " IS NULL"
}

// And - конъюнкция
type And []Predicate

func (p And) render(r *renderer) string {
	return r.group(p, " AND ")
}

// Or - дизъюнкция
type Or []Predicate

func (p Or) render(r *renderer) string {
	return r.group(p, " OR ")
}

// Select - абстрактный SELECT
type Select struct {
	Columns []string
	From    string
	Where   []Predicate // соединяются через AND
	OrderBy []string
	Limit   int64
	Offset  int64
}

// Render возвращает SQL и параметры для диалекта
func (s *Select) Render(d adapters.Dialect) (string, []any) {
	r := &renderer{dialect: d}
	return r.selectSQL(s, true), r.args
}

// RenderCount возвращает запрос числа строк исходного запроса
// Сортировка и пагинация внутреннего запроса отбрасываются
func (s *Select) RenderCount(d adapters.Dialect) (string, []any) {
	r := &renderer{dialect: d}
	inner := r.selectSQL(s, false)
	return fmt.Sprintf("SELECT COUNT(*) FROM (%s) hits", inner), r.args
}

// Clone возвращает независимую копию
func (s *Select) Clone() *Select {
	c := *s
	c.Columns = append([]string(nil), s.Columns...)
	c.Where = append([]Predicate(nil), s.Where...)
	c.OrderBy = append([]string(nil), s.OrderBy...)
	return &c
}

type renderer struct {
	dialect adapters.Dialect
	args    []any
}

func (r *renderer) bind(v any) string {
	r.args = append(r.args, v)
	return r.dialect.Placeholder(len(r.args))
}

func (r *renderer) group(preds []Predicate, sep string) string {
	switch len(preds) {
	case 0:
		return "1 = 1"
	case 1:
		return preds[0].render(r)
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = p.render(r)
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func (r *renderer) selectSQL(s *Select, paged bool) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(s.Columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(s.From)

	if len(s.Where) > 0 {
		parts := make([]string, len(s.Where))
		for i, p := range s.Where {
			parts[i] = p.render(r)
		}
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(parts, " AND "))
	}

	if !paged {
		return b.String()
	}

	if len(s.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(s.OrderBy, ", "))
	}
	if tail := r.dialect.LimitOffset(s.Limit, s.Offset); tail != "" {
		b.WriteString(" ")
		b.WriteString(tail)
	}
	return b.String()
}
