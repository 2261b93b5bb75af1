// Package citydb описывает подмножество схемы 3DCityDB, с которым работают
// экспорт, импорт и удаление, и создает его в пустой БД.
package citydb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
)

// Таблицы
const (
	TableCityObject       = "cityobject"
	TableGenericAttrib    = "cityobject_genericattrib"
	TableSurfaceGeometry  = "surface_geometry"
	TableTexImage         = "tex_image"
	TableImplicitGeometry = "implicit_geometry"
)

// Колонки cityobject
const (
	ColumnID              = "id"
	ColumnObjectClassID   = "objectclass_id"
	ColumnGMLID           = "gmlid"
	ColumnName            = "name"
	ColumnEnvMinX         = "envelope_xmin"
	ColumnEnvMinY         = "envelope_ymin"
	ColumnEnvMaxX         = "envelope_xmax"
	ColumnEnvMaxY         = "envelope_ymax"
	ColumnCreationDate    = "creation_date"
	ColumnTerminationDate = "termination_date"
	ColumnLastModified    = "last_modification_date"
)

// Типы значений cityobject_genericattrib.datatype
const (
	AttribString = 1
	AttribInt    = 2
	AttribDouble = 3
)

// Execer - *sql.DB, *sql.Conn или *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// columnTypes - типы колонок, отличающиеся между СУБД
type columnTypes struct {
	double    string
	timestamp string
	blob      string
}

func typesFor(d adapters.Dialect) columnTypes {
	switch d.Name() {
	case "postgres":
		return columnTypes{double: "DOUBLE PRECISION", timestamp: "TIMESTAMP WITH TIME ZONE", blob: "BYTEA"}
	case "mysql":
		return columnTypes{double: "DOUBLE", timestamp: "DATETIME(6)", blob: "LONGBLOB"}
	case "mssql":
		return columnTypes{double: "FLOAT", timestamp: "DATETIMEOFFSET", blob: "VARBINARY(MAX)"}
	default:
		return columnTypes{double: "REAL", timestamp: "TIMESTAMP", blob: "BLOB"}
	}
}

// SchemaDDL возвращает DDL таблиц и индексов для диалекта
func SchemaDDL(d adapters.Dialect) []string {
	t := typesFor(d)
	id := d.BigIntType()
	str := d.TextType(256)
	longStr := d.TextType(4000)

	return []string{
		fmt.Sprintf(`CREATE TABLE %s (
  id %s PRIMARY KEY,
  objectclass_id INTEGER NOT NULL,
  gmlid %s,
  name %s,
  envelope_xmin %s, envelope_ymin %s, envelope_xmax %s, envelope_ymax %s,
  creation_date %s,
  termination_date %s,
  last_modification_date %s
)`, TableCityObject, id, str, longStr, t.double, t.double, t.double, t.double, t.timestamp, t.timestamp, t.timestamp),

		fmt.Sprintf(`CREATE TABLE %s (
  id %s PRIMARY KEY,
  cityobject_id %s NOT NULL,
  attrname %s NOT NULL,
  datatype INTEGER NOT NULL,
  strval %s,
  intval %s,
  realval %s
)`, TableGenericAttrib, id, id, str, longStr, id, t.double),

		fmt.Sprintf(`CREATE TABLE %s (
  id %s PRIMARY KEY,
  cityobject_id %s NOT NULL,
  gmlid %s,
  solid_id %s,
  geometry %s
)`, TableSurfaceGeometry, id, id, str, id, d.TextType(0)),

		fmt.Sprintf(`CREATE TABLE %s (
  id %s PRIMARY KEY,
  cityobject_id %s NOT NULL,
  tex_image_uri %s,
  tex_image_data %s
)`, TableTexImage, id, id, longStr, t.blob),

		fmt.Sprintf(`CREATE TABLE %s (
  id %s PRIMARY KEY,
  library_object %s
)`, TableImplicitGeometry, id, t.blob),

		"CREATE INDEX cityobject_objectclass_idx ON cityobject (objectclass_id)",
		"CREATE INDEX cityobject_gmlid_idx ON cityobject (gmlid)",
		"CREATE INDEX cityobject_envelope_idx ON cityobject (envelope_xmin, envelope_ymin, envelope_xmax, envelope_ymax)",
		"CREATE INDEX genericattrib_cityobject_idx ON cityobject_genericattrib (cityobject_id)",
		"CREATE INDEX surface_geometry_cityobject_idx ON surface_geometry (cityobject_id)",
		"CREATE INDEX tex_image_cityobject_idx ON tex_image (cityobject_id)",
	}
}

// CreateSchema создает таблицы 3DCityDB
func CreateSchema(ctx context.Context, db Execer, d adapters.Dialect) error {
	for _, stmt := range SchemaDDL(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// DropSchema удаляет таблицы 3DCityDB
func DropSchema(ctx context.Context, db Execer) error {
	tables := []string{TableImplicitGeometry, TableTexImage, TableSurfaceGeometry, TableGenericAttrib, TableCityObject}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, "DROP TABLE "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}

// ChildTables - таблицы, ссылающиеся на cityobject.id через cityobject_id
// Порядок важен для удаления
var ChildTables = []string{TableGenericAttrib, TableSurfaceGeometry, TableTexImage}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
