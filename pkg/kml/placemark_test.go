package kml

import (
	"bytes"
	"strings"
	"testing"
)

// building - кубик 10x10 высотой 12: дно, крыша и одна стена
func building() *Feature {
	mustParse := func(wkt string) []Polygon {
		p, err := ParsePolygons(wkt)
		if err != nil {
			panic(err)
		}
		return p
	}
	var polys []Polygon
	polys = append(polys, mustParse("POLYGON Z ((0 0 0, 10 0 0, 10 10 0, 0 10 0, 0 0 0))")...)
	polys = append(polys, mustParse("POLYGON Z ((0 0 12, 10 0 12, 10 10 12, 0 10 12, 0 0 12))")...)
	polys = append(polys, mustParse("POLYGON Z ((0 0 0, 10 0 0, 10 0 12, 0 0 12, 0 0 0))")...)
	return &Feature{ID: 7, GMLID: "BLD_7", Name: "Tower & Co", Type: "Building", Polygons: polys}
}

func TestPlacemark_Forms(t *testing.T) {
	tests := []struct {
		form     DisplayForm
		polygons int
		contains []string
	}{
		{Footprint, 1, []string{"<altitudeMode>clampToGround</altitudeMode>", "0,0,0 10,0,0 10,10,0"}},
		{Extruded, 1, []string{"<extrude>1</extrude>", "<altitudeMode>relativeToGround</altitudeMode>", "0,0,12 10,0,12"}},
		{Geometry, 3, []string{"<altitudeMode>absolute</altitudeMode>", "10,0,12 0,0,12"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.form), func(t *testing.T) {
			var buf bytes.Buffer
			if !Placemark(&buf, tt.form, building()) {
				t.Fatal("Placemark returned false")
			}
			out := buf.String()
			if n := strings.Count(out, "<Polygon>"); n != tt.polygons {
				t.Errorf("polygons = %d, want %d\n%s", n, tt.polygons, out)
			}
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("missing %q in\n%s", s, out)
				}
			}
			if !strings.Contains(out, `<Placemark id="BLD_7">`) || !strings.Contains(out, "<styleUrl>#"+string(tt.form)+"</styleUrl>") {
				t.Errorf("bad placemark header:\n%s", out)
			}
			if !strings.Contains(out, "<description>Tower &amp; Co</description>") {
				t.Errorf("name not escaped:\n%s", out)
			}
		})
	}
}

func TestPlacemark_HeightAttribute(t *testing.T) {
	f := building()
	f.Height, f.HasHeight = 30, true

	var buf bytes.Buffer
	Placemark(&buf, Extruded, f)
	if !strings.Contains(buf.String(), "0,0,30 10,0,30") {
		t.Errorf("height attribute ignored:\n%s", buf.String())
	}
}

func TestPlacemark_EnvelopeFallback(t *testing.T) {
	f := &Feature{ID: 3, Type: "Building", Envelope: [4]float64{1, 2, 3, 4}, HasEnvelope: true}

	var buf bytes.Buffer
	if !Placemark(&buf, Geometry, f) {
		t.Fatal("Placemark returned false")
	}
	out := buf.String()
	if !strings.Contains(out, "1,2,0 3,2,0 3,4,0 1,4,0 1,2,0") {
		t.Errorf("envelope not used:\n%s", out)
	}
	if !strings.Contains(out, "<name>3</name>") {
		t.Errorf("id not used as name:\n%s", out)
	}

	buf.Reset()
	if Placemark(&buf, Footprint, &Feature{ID: 4}) || buf.Len() != 0 {
		t.Error("feature without geometry and envelope must be skipped")
	}
}

func TestParseDisplayForm(t *testing.T) {
	for _, s := range []string{"footprint", "Extruded", " geometry ", "COLLADA"} {
		if _, err := ParseDisplayForm(s); err != nil {
			t.Errorf("ParseDisplayForm(%q): %v", s, err)
		}
	}
	if _, err := ParseDisplayForm("wireframe"); err == nil {
		t.Error("expected error for unknown form")
	}
}

func TestOutputFile(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"/out/city", "/out/city_footprint.kml"},
		{"/out/city.kml", "/out/city_footprint.kml"},
		{"/out/city.gml", "/out/city_footprint.kml"},
	}
	for _, tt := range tests {
		if got := OutputFile(tt.base, Footprint); got != tt.want {
			t.Errorf("OutputFile(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
