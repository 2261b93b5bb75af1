package citydb_test

import (
	"context"
	"testing"

	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/citydb/citydbtest"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

func TestCreateSchema(t *testing.T) {
	ctx := context.Background()
	adapter := citydbtest.New(t)

	for _, column := range []string{"gmlid", "objectclass_id", "envelope_xmin"} {
		enabled, err := adapter.IsIndexEnabled(ctx, citydb.TableCityObject, column)
		if err != nil {
			t.Fatalf("IsIndexEnabled(%s): %v", column, err)
		}
		if !enabled {
			t.Errorf("expected index on cityobject.%s", column)
		}
	}

	citydbtest.Insert(t, adapter, citydbtest.Buildings(3, schema.ClassBuilding)...)

	var n int
	if err := adapter.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM cityobject_genericattrib").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 6 {
		t.Errorf("expected 6 attributes, got %d", n)
	}

	if err := citydb.DropSchema(ctx, adapter.DB()); err != nil {
		t.Fatalf("DropSchema: %v", err)
	}
}

func TestSchemaDDL_Dialects(t *testing.T) {
	for _, name := range []string{"postgres", "mysql", "mssql", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			ddl := citydb.SchemaDDL(dialectFor(name))
			if len(ddl) != 11 {
				t.Errorf("expected 11 statements, got %d", len(ddl))
			}
		})
	}
}
