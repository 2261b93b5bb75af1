package cache

import (
	"fmt"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
)

// Model - вид кэш-таблицы. Определяет имя и набор колонок
type Model int

const (
	// ModelGMLIDFeature - gml:id объекта -> id, objectclass_id
	ModelGMLIDFeature Model = iota
	// ModelGMLIDGeometry - gml:id геометрии -> id, root_id
	ModelGMLIDGeometry
	// ModelDeleteList - список gml:id для удаления
	ModelDeleteList
	// ModelTextureFile - id изображения -> имя выгруженного файла
	ModelTextureFile
	// ModelGeometryToSolid - геометрия -> solid, которому она принадлежит
	ModelGeometryToSolid
	// ModelImportFeatureIDs - gml:id импортированных объектов
	ModelImportFeatureIDs
)

// Column - колонка кэш-таблицы
type Column struct {
	Name    string
	Type    func(d adapters.Dialect) string
	Indexed bool
}

func bigint(d adapters.Dialect) string { return d.BigIntType() }
func integer(adapters.Dialect) string  { return "INTEGER" }
func gmlid(d adapters.Dialect) string  { return d.TextType(256) }
func uri(d adapters.Dialect) string    { return d.TextType(1000) }

var models = map[Model]struct {
	prefix  string
	columns []Column
}{
	ModelGMLIDFeature: {"tmp_gmlid_feature", []Column{
		{Name: "gmlid", Type: gmlid, Indexed: true},
		{Name: "id", Type: bigint},
		{Name: "objectclass_id", Type: integer},
	}},
	ModelGMLIDGeometry: {"tmp_gmlid_geometry", []Column{
		{Name: "gmlid", Type: gmlid, Indexed: true},
		{Name: "id", Type: bigint},
		{Name: "root_id", Type: bigint},
	}},
	ModelDeleteList: {"tmp_delete_list", []Column{
		{Name: "gmlid", Type: gmlid, Indexed: true},
	}},
	ModelTextureFile: {"tmp_texture_file", []Column{
		{Name: "id", Type: bigint, Indexed: true},
		{Name: "file_uri", Type: uri},
	}},
	ModelGeometryToSolid: {"tmp_geom_to_solid", []Column{
		{Name: "geometry_id", Type: bigint, Indexed: true},
		{Name: "solid_id", Type: bigint},
	}},
	ModelImportFeatureIDs: {"tmp_import_feature", []Column{
		{Name: "gmlid", Type: gmlid, Indexed: true},
		{Name: "id", Type: bigint},
		{Name: "objectclass_id", Type: integer},
	}},
}

func (m Model) String() string {
	if def, ok := models[m]; ok {
		return def.prefix
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// Columns возвращает колонки модели
func (m Model) Columns() []Column {
	return models[m].columns
}

func (m Model) valid() bool {
	_, ok := models[m]
	return ok
}
