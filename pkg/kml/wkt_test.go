package kml

import (
	"errors"
	"testing"
)

func TestParsePolygons(t *testing.T) {
	tests := []struct {
		name     string
		wkt      string
		polygons int
		rings    int // колец в первом полигоне
		points   int // точек во внешнем кольце первого полигона
		firstZ   float64
	}{
		{"polygon 2d", "POLYGON ((0 0, 10 0, 10 10, 0 10, 0 0))", 1, 1, 5, 0},
		{"polygon z", "POLYGON Z ((0 0 5, 10 0 5, 10 10 5, 0 10 5, 0 0 5))", 1, 1, 5, 5},
		{"lowercase and spacing", "polygon z(( 0 0 1 ,10 0 1,10 10 1 ))", 1, 1, 4, 1},
		{"hole", "POLYGON ((0 0, 10 0, 10 10, 0 10, 0 0), (2 2, 4 2, 4 4, 2 2))", 1, 2, 5, 0},
		{"multipolygon", "MULTIPOLYGON Z (((0 0 0, 1 0 0, 1 1 0, 0 0 0)), ((5 5 2, 6 5 2, 6 6 2, 5 5 2)))", 2, 1, 4, 0},
		{"zm", "POLYGON ZM ((0 0 3 9, 1 0 3 9, 1 1 3 9, 0 0 3 9))", 1, 1, 4, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			polys, err := ParsePolygons(tt.wkt)
			if err != nil {
				t.Fatalf("ParsePolygons(%q): %v", tt.wkt, err)
			}
			if len(polys) != tt.polygons {
				t.Fatalf("polygons = %d, want %d", len(polys), tt.polygons)
			}
			if len(polys[0]) != tt.rings {
				t.Errorf("rings = %d, want %d", len(polys[0]), tt.rings)
			}
			if len(polys[0][0]) != tt.points {
				t.Errorf("points = %d, want %d", len(polys[0][0]), tt.points)
			}
			if z := polys[0][0][0].Z; z != tt.firstZ {
				t.Errorf("z = %v, want %v", z, tt.firstZ)
			}
		})
	}
}

func TestParsePolygons_ClosesRings(t *testing.T) {
	polys, err := ParsePolygons("POLYGON ((0 0, 4 0, 4 4))")
	if err != nil {
		t.Fatal(err)
	}
	ring := polys[0][0]
	if ring[0] != ring[len(ring)-1] {
		t.Errorf("ring not closed: %v", ring)
	}
}

func TestParsePolygons_Empty(t *testing.T) {
	polys, err := ParsePolygons("POLYGON Z EMPTY")
	if err != nil || polys != nil {
		t.Errorf("got %v, %v", polys, err)
	}
}

func TestParsePolygons_Invalid(t *testing.T) {
	for _, wkt := range []string{
		"LINESTRING (0 0, 1 1)",
		"POLYGON ((0 0, 1 1))",
		"POLYGON ((0 0, 1 x, 1 1, 0 0))",
		"POLYGON ((0 0, 1 0, 1 1, 0 0)",
		"POLYGON ((0 0, 1 0, 1 1, 0 0)) junk",
		"POLYGON ((0, 1 0, 1 1, 0 0))",
	} {
		if _, err := ParsePolygons(wkt); !errors.Is(err, ErrInvalidWKT) {
			t.Errorf("ParsePolygons(%q) error = %v, want ErrInvalidWKT", wkt, err)
		}
	}
}
