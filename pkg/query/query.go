package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruslano69/citydb-tool/pkg/schema"
)

// ErrInvalidQuery - ошибка проверки запроса
var ErrInvalidQuery = errors.New("invalid query")

// BoundingBox - прямоугольная область в координатах БД
type BoundingBox struct {
	MinX, MinY float64
	MaxX, MaxY float64
	SRID       int
}

// Validate проверяет, что область не вырождена
func (b BoundingBox) Validate() error {
	if b.MaxX <= b.MinX || b.MaxY <= b.MinY {
		return fmt.Errorf("%w: bounding box (%g %g, %g %g) is empty", ErrInvalidQuery, b.MinX, b.MinY, b.MaxX, b.MaxY)
	}
	return nil
}

// Width возвращает ширину области
func (b BoundingBox) Width() float64 { return b.MaxX - b.MinX }

// Height возвращает высоту области
func (b BoundingBox) Height() float64 { return b.MaxY - b.MinY }

// CounterFilter - диапазон номеров объектов [Lower, Upper] в порядке выборки
// Номера начинаются с 1. Upper == 0 означает без верхней границы
type CounterFilter struct {
	Lower int64
	Upper int64
}

// Validate проверяет диапазон
func (c CounterFilter) Validate() error {
	if c.Lower < 0 || c.Upper < 0 {
		return fmt.Errorf("%w: counter range must not be negative", ErrInvalidQuery)
	}
	if c.Upper > 0 && c.Upper < c.lower() {
		return fmt.Errorf("%w: counter upper limit %d is below lower limit %d", ErrInvalidQuery, c.Upper, c.lower())
	}
	return nil
}

func (c CounterFilter) lower() int64 {
	if c.Lower < 1 {
		return 1
	}
	return c.Lower
}

// LowerLimit возвращает нижнюю границу (минимум 1)
func (c CounterFilter) LowerLimit() int64 { return c.lower() }

// Size возвращает число объектов в диапазоне или 0, если он не ограничен
func (c CounterFilter) Size() int64 {
	if c.Upper == 0 {
		return 0
	}
	return c.Upper - c.lower() + 1
}

// Contains проверяет, что n-я строка (с 1) входит в диапазон
func (c CounterFilter) Contains(n int64) bool {
	if n < c.lower() {
		return false
	}
	return c.Upper == 0 || n <= c.Upper
}

// Query - фильтр выборки объектов верхнего уровня
// Собирается контроллером до запуска splitter и дальше не меняется
type Query struct {
	// FeatureTypes - запрошенные типы. Пустой набор означает "ничего"
	FeatureTypes []*schema.FeatureType

	// BBox - пространственный фильтр по envelope
	BBox *BoundingBox

	// Counter - диапазон номеров объектов
	Counter *CounterFilter

	// ValidAt - выборка версии объектов на момент времени
	ValidAt *time.Time

	// IncludeTerminated - включать терминированные объекты
	IncludeTerminated bool

	// GMLIDTable - кэш-таблица со списком gml:id (список удаления)
	GMLIDTable string

	// Tiling - разбиение BBox на тайлы
	Tiling *Tiling

	// Tile - текущий тайл (только в копиях из ForTile)
	Tile *Tile

	// Workspace - рабочее пространство версионированной БД
	Workspace          string
	WorkspaceTimestamp time.Time
}

// Validate проверяет согласованность запроса
func (q *Query) Validate() error {
	if q.BBox != nil {
		if err := q.BBox.Validate(); err != nil {
			return err
		}
	}
	if q.Counter != nil {
		if err := q.Counter.Validate(); err != nil {
			return err
		}
	}
	if q.Tiling != nil {
		if q.BBox == nil {
			return fmt.Errorf("%w: tiling requires a bounding box", ErrInvalidQuery)
		}
		if err := q.Tiling.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IsTiled сообщает, разбит ли запрос на тайлы
func (q *Query) IsTiled() bool {
	return q.Tiling != nil && q.Tiling.Rows*q.Tiling.Columns > 1
}

// ForTile возвращает копию запроса, ограниченную тайлом
func (q *Query) ForTile(t Tile) *Query {
	c := *q
	c.FeatureTypes = append([]*schema.FeatureType(nil), q.FeatureTypes...)
	c.Tile = &t
	return &c
}

// TypeNames возвращает имена запрошенных типов
func (q *Query) TypeNames() []string {
	names := make([]string, len(q.FeatureTypes))
	for i, ft := range q.FeatureTypes {
		names[i] = ft.Name
	}
	return names
}
