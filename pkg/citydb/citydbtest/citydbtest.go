// Package citydbtest создает SQLite базы 3DCityDB для тестов
package citydbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruslano69/citydb-tool/pkg/adapters/sqlite"
	"github.com/ruslano69/citydb-tool/pkg/citydb"
)

// Feature - объект для заполнения тестовой БД
type Feature struct {
	ID            int64
	ObjectClassID int
	GMLID         string
	Name          string
	MinX, MinY    float64
	MaxX, MaxY    float64
	Terminated    bool
	Attributes    []Attribute
	Geometries    []string
	Texture       []byte
}

// Attribute - generic атрибут
type Attribute struct {
	Name  string
	Value any // string, int64 или float64
}

// New создает файловую SQLite БД со схемой 3DCityDB
// Адаптер закрывается в t.Cleanup
func New(t testing.TB) *sqlite.Adapter {
	t.Helper()
	ctx := context.Background()

	adapter, err := sqlite.NewAdapter(ctx, filepath.Join(t.TempDir(), "citydb.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { adapter.Close(ctx) })

	if err := citydb.CreateSchema(ctx, adapter.DB(), adapter.Dialect()); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return adapter
}

// Insert добавляет объекты с атрибутами, геометриями и текстурами
func Insert(t testing.TB, adapter *sqlite.Adapter, features ...Feature) {
	t.Helper()
	ctx := context.Background()

	tx, err := adapter.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	defer tx.Rollback()

	created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	var attrID, geomID int64
	for _, f := range features {
		var terminated any
		if f.Terminated {
			terminated = created.Add(24 * time.Hour)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO cityobject
			(id, objectclass_id, gmlid, name, envelope_xmin, envelope_ymin, envelope_xmax, envelope_ymax, creation_date, termination_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.ObjectClassID, f.GMLID, f.Name, f.MinX, f.MinY, f.MaxX, f.MaxY, created, terminated)
		if err != nil {
			t.Fatalf("Failed to insert cityobject %d: %v", f.ID, err)
		}

		for _, a := range f.Attributes {
			attrID++
			var strval, intval, realval any
			datatype := citydb.AttribString
			switch v := a.Value.(type) {
			case int64:
				datatype, intval = citydb.AttribInt, v
			case int:
				datatype, intval = citydb.AttribInt, int64(v)
			case float64:
				datatype, realval = citydb.AttribDouble, v
			default:
				strval = fmt.Sprint(v)
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO cityobject_genericattrib
				(id, cityobject_id, attrname, datatype, strval, intval, realval) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				attrID, f.ID, a.Name, datatype, strval, intval, realval)
			if err != nil {
				t.Fatalf("Failed to insert attribute: %v", err)
			}
		}

		for i, g := range f.Geometries {
			geomID++
			_, err := tx.ExecContext(ctx, `INSERT INTO surface_geometry (id, cityobject_id, gmlid, geometry) VALUES (?, ?, ?, ?)`,
				geomID, f.ID, fmt.Sprintf("%s_geom_%d", f.GMLID, i+1), g)
			if err != nil {
				t.Fatalf("Failed to insert geometry: %v", err)
			}
		}

		if f.Texture != nil {
			_, err := tx.ExecContext(ctx, `INSERT INTO tex_image (id, cityobject_id, tex_image_uri, tex_image_data) VALUES (?, ?, ?, ?)`,
				f.ID, f.ID, fmt.Sprintf("tex_%d.png", f.ID), f.Texture)
			if err != nil {
				t.Fatalf("Failed to insert texture: %v", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
}

// Buildings возвращает n зданий с id 1..n на сетке 10x10 единиц
// Каждое здание имеет два атрибута и одну геометрию
func Buildings(n int, classID int) []Feature {
	features := make([]Feature, n)
	for i := range features {
		id := int64(i + 1)
		x := float64(i%10) * 10
		y := float64(i/10) * 10
		features[i] = Feature{
			ID:            id,
			ObjectClassID: classID,
			GMLID:         fmt.Sprintf("BLD_%04d", id),
			Name:          fmt.Sprintf("Building %d", id),
			MinX:          x + 1,
			MinY:          y + 1,
			MaxX:          x + 9,
			MaxY:          y + 9,
			Attributes: []Attribute{
				{Name: "height", Value: 10.5},
				{Name: "storeys", Value: int64(3)},
			},
			Geometries: []string{
				fmt.Sprintf("POLYGON Z ((%g %g 0, %g %g 0, %g %g 0, %g %g 0, %g %g 0))",
					x+1, y+1, x+9, y+1, x+9, y+9, x+1, y+9, x+1, y+1),
			},
		}
	}
	return features
}
