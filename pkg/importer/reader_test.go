package importer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// document обрамляет элементы cityObjectMember заголовком core:CityModel
func document(members ...string) string {
	return string(writer.CityGML.Header) + strings.Join(members, "") + string(writer.CityGML.Footer)
}

func building(gmlID string) string {
	return `<core:cityObjectMember>
  <bldg:Building gml:id="` + gmlID + `">
    <gml:name>` + gmlID + `</gml:name>
    <core:geometry gml:id="` + gmlID + `_geom">POLYGON ((0 0, 1 0, 1 1, 0 0))</core:geometry>
  </bldg:Building>
</core:cityObjectMember>
`
}

const fullMember = `<core:cityObjectMember>
  <bldg:Building gml:id="BLD_A">
    <gml:name> Town hall </gml:name>
    <gml:boundedBy><gml:Envelope srsDimension="2"><gml:lowerCorner>1 2</gml:lowerCorner><gml:upperCorner>3.5 4</gml:upperCorner></gml:Envelope></gml:boundedBy>
    <core:creationDate>2021-03-04</core:creationDate>
    <core:terminationDate>2022-05-06</core:terminationDate>
    <gen:stringAttribute name="usage"><gen:value>office &amp; shop</gen:value></gen:stringAttribute>
    <gen:intAttribute name="storeys"><gen:value>7</gen:value></gen:intAttribute>
    <gen:doubleAttribute name="height"><gen:value>21.25</gen:value></gen:doubleAttribute>
    <core:geometry gml:id="BLD_A_geom_1">POLYGON Z ((0 0 0, 1 0 0, 1 1 0, 0 0 0))</core:geometry>
    <core:geometry gml:id="BLD_A_geom_2">   </core:geometry>
    <app:imageURI>appearance/tex_1.png</app:imageURI>
  </bldg:Building>
</core:cityObjectMember>
`

func TestReader_Feature(t *testing.T) {
	r, err := NewReader(strings.NewReader(document(fullMember)), schema.NewCityGMLRegistry())
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	f, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Type.Name != "Building" || f.GMLID != "BLD_A" || f.Name != "Town hall" {
		t.Errorf("feature = %s %s %q", f.Type.Name, f.GMLID, f.Name)
	}
	if f.Envelope == nil || *f.Envelope != [4]float64{1, 2, 3.5, 4} {
		t.Errorf("envelope = %v", f.Envelope)
	}
	if f.Created == nil || !f.Created.Equal(time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("created = %v", f.Created)
	}
	if f.Terminated == nil || !f.Terminated.Equal(time.Date(2022, 5, 6, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("terminated = %v", f.Terminated)
	}

	want := []Attribute{
		{Name: "usage", DataType: citydb.AttribString, Value: "office & shop"},
		{Name: "storeys", DataType: citydb.AttribInt, Value: int64(7)},
		{Name: "height", DataType: citydb.AttribDouble, Value: 21.25},
	}
	if len(f.Attributes) != len(want) {
		t.Fatalf("attributes = %+v", f.Attributes)
	}
	for i, a := range want {
		if f.Attributes[i] != a {
			t.Errorf("attribute %d = %+v, want %+v", i, f.Attributes[i], a)
		}
	}

	// пустая геометрия пропускается
	if len(f.Geometries) != 1 || f.Geometries[0].GMLID != "BLD_A_geom_1" ||
		!strings.HasPrefix(f.Geometries[0].WKT, "POLYGON Z") {
		t.Errorf("geometries = %+v", f.Geometries)
	}
	if len(f.Textures) != 1 || f.Textures[0] != "appearance/tex_1.png" {
		t.Errorf("textures = %v", f.Textures)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReader_Zstd(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	if _, err := io.WriteString(zw, document(building("B1"), building("B2"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := NewReader(&buf, schema.NewCityGMLRegistry())
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	var ids []string
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		ids = append(ids, f.GMLID)
	}
	if strings.Join(ids, ",") != "B1,B2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestReader_UnknownTypeIsRecoverable(t *testing.T) {
	doc := document(
		`<core:cityObjectMember><foo:Thing xmlns:foo="urn:foo" gml:id="T1"/></core:cityObjectMember>`,
		`<core:cityObjectMember><bldg:_AbstractBuilding gml:id="T2"/></core:cityObjectMember>`,
		building("B1"),
	)
	r, err := NewReader(strings.NewReader(doc), schema.NewCityGMLRegistry())
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	for i := 0; i < 2; i++ {
		if _, err := r.Next(); !errors.Is(err, ErrUnknownFeatureType) {
			t.Fatalf("member %d: expected ErrUnknownFeatureType, got %v", i, err)
		}
	}
	f, err := r.Next()
	if err != nil {
		t.Fatalf("Next after unknown members failed: %v", err)
	}
	if f.GMLID != "B1" {
		t.Errorf("gml:id = %s, want B1", f.GMLID)
	}
}

func TestReader_BadValues(t *testing.T) {
	tests := []struct {
		name   string
		member string
	}{
		{"int", `<core:cityObjectMember><bldg:Building gml:id="X"><gen:intAttribute name="n"><gen:value>seven</gen:value></gen:intAttribute></bldg:Building></core:cityObjectMember>`},
		{"date", `<core:cityObjectMember><bldg:Building gml:id="X"><core:creationDate>yesterday</core:creationDate></bldg:Building></core:cityObjectMember>`},
		{"envelope", `<core:cityObjectMember><bldg:Building gml:id="X"><gml:boundedBy><gml:Envelope><gml:lowerCorner>1</gml:lowerCorner><gml:upperCorner>2 2</gml:upperCorner></gml:Envelope></gml:boundedBy></bldg:Building></core:cityObjectMember>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(strings.NewReader(document(tt.member)), schema.NewCityGMLRegistry())
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}
			defer r.Close()
			_, err = r.Next()
			if err == nil || errors.Is(err, ErrUnknownFeatureType) || errors.Is(err, io.EOF) {
				t.Errorf("expected a parse error, got %v", err)
			}
		})
	}
}

func TestBrokerSource_AckAfterHandOff(t *testing.T) {
	b := &queueBroker{bodies: []string{building("B1") + building("B2"), ""}}
	src := NewBrokerSource(b, schema.NewCityGMLRegistry(), "", discard())
	ctx := context.Background()

	for _, want := range []string{"B1", "B2"} {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if f.GMLID != want {
			t.Errorf("gml:id = %s, want %s", f.GMLID, want)
		}
		if err := src.Ack(ctx); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
		if want == "B1" && b.acked != 0 {
			t.Error("message acknowledged before all its features were handed off")
		}
	}
	if b.acked != 1 {
		t.Errorf("acked = %d after first message, want 1", b.acked)
	}

	// пустое сообщение подтверждается сразу, затем очередь пуста
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
	if b.acked != 2 {
		t.Errorf("acked = %d, want 2", b.acked)
	}
}
