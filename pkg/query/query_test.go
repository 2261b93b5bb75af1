package query

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

var (
	pgDialect     = adapters.StandardDialect{DialectName: "postgres", Numbered: true}
	sqliteDialect = adapters.StandardDialect{DialectName: "sqlite", TextName: "TEXT"}
)

func buildingQuery(t *testing.T, reg *schema.Registry) *Query {
	t.Helper()
	types, err := reg.ResolveNames([]string{"Building"})
	if err != nil {
		t.Fatalf("ResolveNames: %v", err)
	}
	return &Query{FeatureTypes: types}
}

func TestBuildSelect_Basic(t *testing.T) {
	reg := schema.NewCityGMLRegistry()
	b := NewBuilder(reg)

	sel, err := b.BuildSelect(buildingQuery(t, reg))
	if err != nil {
		t.Fatalf("BuildSelect: %v", err)
	}

	sql, args := sel.Render(pgDialect)
	want := "SELECT id, objectclass_id, gmlid FROM cityobject WHERE objectclass_id = $1 AND termination_date IS NULL ORDER BY id"
	if sql != want {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", sql, want)
	}
	if len(args) != 1 || args[0] != schema.ClassBuilding {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestBuildSelect_SubtypesAndCounter(t *testing.T) {
	reg := schema.NewCityGMLRegistry()
	b := NewBuilder(reg)

	ft, ok := reg.Lookup(schema.ClassAbstractBuilding)
	if !ok {
		t.Fatal("abstract building not registered")
	}
	q := &Query{
		FeatureTypes: []*schema.FeatureType{ft},
		Counter:      &CounterFilter{Lower: 10, Upper: 30},
	}
	sel, err := b.BuildSelect(q)
	if err != nil {
		t.Fatalf("BuildSelect: %v", err)
	}

	sql, args := sel.Render(sqliteDialect)
	if !strings.Contains(sql, "objectclass_id IN (?, ?)") {
		t.Errorf("expected IN over subtypes: %s", sql)
	}
	if !strings.HasSuffix(sql, "ORDER BY id LIMIT 30") {
		t.Errorf("expected upper limit pushed down: %s", sql)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %v", args)
	}

	count, _ := sel.RenderCount(sqliteDialect)
	if strings.Contains(count, "ORDER BY") || strings.Contains(count, "LIMIT") {
		t.Errorf("count query must not be paged: %s", count)
	}
	if !strings.HasPrefix(count, "SELECT COUNT(*) FROM (SELECT id") {
		t.Errorf("unexpected count query: %s", count)
	}
}

func TestBuildSelect_BBoxTileValidAt(t *testing.T) {
	reg := schema.NewCityGMLRegistry()
	b := NewBuilder(reg)

	q := buildingQuery(t, reg)
	q.BBox = &BoundingBox{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	q.Tiling = &Tiling{Rows: 2, Columns: 2, Extent: *q.BBox}
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	q.ValidAt = &at

	tiles := q.Tiling.Tiles()
	sel, err := b.BuildSelect(q.ForTile(tiles[3]))
	if err != nil {
		t.Fatalf("BuildSelect: %v", err)
	}
	sql, args := sel.Render(pgDialect)

	for _, fragment := range []string{
		"envelope_xmax >= $2",
		"(envelope_xmin + envelope_xmax) / 2 <= $",
		"creation_date <= $",
		"(termination_date IS NULL OR termination_date > $",
	} {
		if !strings.Contains(sql, fragment) {
			t.Errorf("missing %q in %s", fragment, sql)
		}
	}
	if strings.Count(sql, "$") != len(args) {
		t.Errorf("placeholders and args out of sync: %s %v", sql, args)
	}
	if q.Tile != nil {
		t.Error("ForTile must not modify the original query")
	}
}

func TestBuildSelect_Errors(t *testing.T) {
	reg := schema.NewCityGMLRegistry()
	b := NewBuilder(reg)

	if _, err := b.BuildSelect(&Query{}); !errors.Is(err, ErrNoFeatureTypes) {
		t.Errorf("expected ErrNoFeatureTypes, got %v", err)
	}

	q := buildingQuery(t, reg)
	q.Counter = &CounterFilter{Lower: 30, Upper: 10}
	if _, err := b.BuildSelect(q); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery, got %v", err)
	}

	q = buildingQuery(t, reg)
	q.Tiling = &Tiling{Rows: 2, Columns: 2}
	if _, err := b.BuildSelect(q); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("tiling without bbox must fail, got %v", err)
	}
}

func TestBuildSelect_GMLIDTable(t *testing.T) {
	reg := schema.NewCityGMLRegistry()
	q := buildingQuery(t, reg)
	q.GMLIDTable = "tmp_delete_list"

	sel, err := NewBuilder(reg).BuildSelect(q)
	if err != nil {
		t.Fatalf("BuildSelect: %v", err)
	}
	sql, _ := sel.Render(sqliteDialect)
	if !strings.Contains(sql, "gmlid IN (SELECT gmlid FROM tmp_delete_list)") {
		t.Errorf("expected delete list join: %s", sql)
	}
}

func TestCounterFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter CounterFilter
		n      int64
		want   bool
	}{
		{"below lower", CounterFilter{Lower: 10, Upper: 30}, 9, false},
		{"lower bound", CounterFilter{Lower: 10, Upper: 30}, 10, true},
		{"upper bound", CounterFilter{Lower: 10, Upper: 30}, 30, true},
		{"above upper", CounterFilter{Lower: 10, Upper: 30}, 31, false},
		{"unbounded", CounterFilter{Lower: 5}, 1000, true},
		{"zero lower", CounterFilter{Upper: 3}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Contains(tt.n); got != tt.want {
				t.Errorf("Contains(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}

	if size := (CounterFilter{Lower: 10, Upper: 30}).Size(); size != 21 {
		t.Errorf("expected size 21, got %d", size)
	}
}

func TestTiling_EveryPointInOneTile(t *testing.T) {
	tiling := Tiling{Rows: 3, Columns: 4, Extent: BoundingBox{MinX: 0, MinY: 0, MaxX: 12, MaxY: 9}}
	tiles := tiling.Tiles()
	if len(tiles) != 12 {
		t.Fatalf("expected 12 tiles, got %d", len(tiles))
	}

	points := [][2]float64{{0, 0}, {3, 3}, {12, 9}, {6, 4.5}, {11.99, 0.01}, {3, 9}}
	for _, p := range points {
		n := 0
		for _, tile := range tiles {
			if tile.Contains(p[0], p[1]) {
				n++
			}
		}
		if n != 1 {
			t.Errorf("point %v contained in %d tiles", p, n)
		}
	}

	if tiles[0].Name() != "0_0" || tiles[11].Name() != "2_3" {
		t.Errorf("unexpected tile names: %s %s", tiles[0].Name(), tiles[11].Name())
	}
}

func TestRender_MSSQL(t *testing.T) {
	sel := &Select{
		Columns: []string{"id"},
		From:    "cityobject",
		Where:   []Predicate{In{Expr: "objectclass_id", Values: []any{25, 26}}},
		OrderBy: []string{"id"},
		Limit:   5,
	}
	sql, _ := sel.Render(adapters.MSSQLDialect{})
	want := "SELECT id FROM cityobject WHERE objectclass_id IN (@p1, @p2) ORDER BY id OFFSET 0 ROWS FETCH NEXT 5 ROWS ONLY"
	if sql != want {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", sql, want)
	}
}
