package query

import (
	"errors"
	"fmt"

	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

// Таблицы и колонки 3DCityDB, используемые выборкой
const (
	TableCityObject = citydb.TableCityObject

	ColumnID              = citydb.ColumnID
	ColumnObjectClassID   = citydb.ColumnObjectClassID
	ColumnGMLID           = citydb.ColumnGMLID
	ColumnEnvMinX         = citydb.ColumnEnvMinX
	ColumnEnvMinY         = citydb.ColumnEnvMinY
	ColumnEnvMaxX         = citydb.ColumnEnvMaxX
	ColumnEnvMaxY         = citydb.ColumnEnvMaxY
	ColumnCreationDate    = citydb.ColumnCreationDate
	ColumnTerminationDate = citydb.ColumnTerminationDate
)

// ErrNoFeatureTypes - в запросе нет типов объектов
var ErrNoFeatureTypes = errors.New("query selects no feature types")

// Builder строит абстрактный SELECT по Query
type Builder struct {
	registry *schema.Registry
}

// NewBuilder создает построитель
func NewBuilder(registry *schema.Registry) *Builder {
	return &Builder{registry: registry}
}

// BuildSelect возвращает запрос (id, objectclass_id, gmlid) объектов
// верхнего уровня, отсортированных по id
func (b *Builder) BuildSelect(q *Query) (*Select, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if len(q.FeatureTypes) == 0 {
		return nil, ErrNoFeatureTypes
	}

	ids := b.registry.SubtypeIDs(q.FeatureTypes)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no concrete subtype of %v", ErrNoFeatureTypes, q.TypeNames())
	}
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}

	sel := &Select{
		Columns: []string{ColumnID, ColumnObjectClassID, ColumnGMLID},
		From:    TableCityObject,
		Where:   []Predicate{In{Expr: ColumnObjectClassID, Values: values}},
		OrderBy: []string{ColumnID},
	}

	if q.BBox != nil {
		sel.Where = append(sel.Where, envelopeIntersects(*q.BBox))
	}
	if q.Tile != nil {
		sel.Where = append(sel.Where, centroidInTile(*q.Tile))
	}

	switch {
	case q.ValidAt != nil:
		sel.Where = append(sel.Where,
			Compare{Expr: ColumnCreationDate, Op: "<=", Value: *q.ValidAt},
			Or{
				IsNull{Expr: ColumnTerminationDate},
				Compare{Expr: ColumnTerminationDate, Op: ">", Value: *q.ValidAt},
			})
	case !q.IncludeTerminated:
		sel.Where = append(sel.Where, IsNull{Expr: ColumnTerminationDate})
	}

	if q.GMLIDTable != "" {
		sel.Where = append(sel.Where, InTable{Expr: ColumnGMLID, Table: q.GMLIDTable, Column: ColumnGMLID})
	}

	// верхняя граница счетчика ограничивает выборку в БД,
	// нижняя отсчитывается splitter'ом при обходе
	if q.Counter != nil && q.Counter.Upper > 0 {
		sel.Limit = q.Counter.Upper
	}

	return sel, nil
}

func envelopeIntersects(bbox BoundingBox) Predicate {
	return And{
		Compare{Expr: ColumnEnvMaxX, Op: ">=", Value: bbox.MinX},
		Compare{Expr: ColumnEnvMinX, Op: "<=", Value: bbox.MaxX},
		Compare{Expr: ColumnEnvMaxY, Op: ">=", Value: bbox.MinY},
		Compare{Expr: ColumnEnvMinY, Op: "<=", Value: bbox.MaxY},
	}
}

func centroidInTile(t Tile) Predicate {
	cx := fmt.Sprintf("(%s + %s) / 2", ColumnEnvMinX, ColumnEnvMaxX)
	cy := fmt.Sprintf("(%s + %s) / 2", ColumnEnvMinY, ColumnEnvMaxY)

	upperX, upperY := "<", "<"
	if t.LastColumn {
		upperX = "<="
	}
	if t.LastRow {
		upperY = "<="
	}
	return And{
		Compare{Expr: cx, Op: ">=", Value: t.Extent.MinX},
		Compare{Expr: cx, Op: upperX, Value: t.Extent.MaxX},
		Compare{Expr: cy, Op: ">=", Value: t.Extent.MinY},
		Compare{Expr: cy, Op: upperY, Value: t.Extent.MaxY},
	}
}
