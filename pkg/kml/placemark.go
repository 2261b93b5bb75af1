package kml

import (
	"bytes"
	"encoding/xml"
	"math"
	"strconv"
)

// groundTolerance - допуск по высоте, в пределах которого поверхность
// считается лежащей на земле
const groundTolerance = 0.01

// Feature - данные объекта, из которых строится Placemark
type Feature struct {
	ID    int64
	GMLID string
	Name  string
	Type  string

	// Envelope - minX, minY, maxX, maxY. Используется, если нет геометрий
	Envelope    [4]float64
	HasEnvelope bool

	Height    float64
	HasHeight bool

	Polygons []Polygon
}

// zRange возвращает минимальную и максимальную высоту вершин
func (f *Feature) zRange() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, poly := range f.Polygons {
		for _, ring := range poly {
			for _, pt := range ring {
				lo = math.Min(lo, pt.Z)
				hi = math.Max(hi, pt.Z)
			}
		}
	}
	return lo, hi
}

// ground возвращает поверхности на минимальной высоте
// Если геометрий нет, контуром служит envelope
func (f *Feature) ground() []Polygon {
	if len(f.Polygons) == 0 {
		if !f.HasEnvelope {
			return nil
		}
		e := f.Envelope
		return []Polygon{{Ring{{e[0], e[1], 0}, {e[2], e[1], 0}, {e[2], e[3], 0}, {e[0], e[3], 0}, {e[0], e[1], 0}}}}
	}

	lo, _ := f.zRange()
	var out []Polygon
	for _, poly := range f.Polygons {
		flat := true
		for _, pt := range poly[0] {
			if pt.Z > lo+groundTolerance {
				flat = false
				break
			}
		}
		if flat {
			out = append(out, poly)
		}
	}
	return out
}

// extrusionHeight - высота из атрибута, иначе перепад высот геометрии
func (f *Feature) extrusionHeight() float64 {
	if f.HasHeight {
		return f.Height
	}
	if len(f.Polygons) == 0 {
		return 0
	}
	lo, hi := f.zRange()
	return hi - lo
}

// Placemark сериализует объект в форме form
// Возвращает false, если у объекта нет ни геометрии, ни envelope
func Placemark(buf *bytes.Buffer, form DisplayForm, f *Feature) bool {
	var (
		polys    []Polygon
		altitude string
		extrude  bool
		z        func(Point) float64
	)
	switch form {
	case Footprint:
		polys, altitude = f.ground(), "clampToGround"
		z = func(Point) float64 { return 0 }
	case Extruded:
		polys, altitude, extrude = f.ground(), "relativeToGround", true
		h := f.extrusionHeight()
		z = func(Point) float64 { return h }
	default:
		polys, altitude = f.Polygons, "absolute"
		if len(polys) == 0 {
			polys, altitude = f.ground(), "clampToGround"
		}
		z = func(p Point) float64 { return p.Z }
	}
	if len(polys) == 0 {
		return false
	}

	buf.WriteString("<Placemark")
	if f.GMLID != "" {
		buf.WriteString(` id="`)
		escape(buf, f.GMLID)
		buf.WriteString(`"`)
	}
	buf.WriteString(">\n  <name>")
	if f.GMLID != "" {
		escape(buf, f.GMLID)
	} else {
		buf.WriteString(strconv.FormatInt(f.ID, 10))
	}
	buf.WriteString("</name>\n")
	if f.Name != "" {
		buf.WriteString("  <description>")
		escape(buf, f.Name)
		buf.WriteString("</description>\n")
	}
	buf.WriteString("  <styleUrl>#" + string(form) + "</styleUrl>\n")
	buf.WriteString("  <ExtendedData><Data name=\"type\"><value>")
	escape(buf, f.Type)
	buf.WriteString("</value></Data></ExtendedData>\n")

	buf.WriteString("  <MultiGeometry>\n")
	for _, poly := range polys {
		buf.WriteString("    <Polygon>")
		if extrude {
			buf.WriteString("<extrude>1</extrude>")
		}
		buf.WriteString("<altitudeMode>" + altitude + "</altitudeMode>")
		for i, ring := range poly {
			tag := "innerBoundaryIs"
			if i == 0 {
				tag = "outerBoundaryIs"
			}
			buf.WriteString("<" + tag + "><LinearRing><coordinates>")
			for j, pt := range ring {
				if j > 0 {
					buf.WriteByte(' ')
				}
				buf.WriteString(formatFloat(pt.X) + "," + formatFloat(pt.Y) + "," + formatFloat(z(pt)))
			}
			buf.WriteString("</coordinates></LinearRing></" + tag + ">")
		}
		buf.WriteString("</Polygon>\n")
	}
	buf.WriteString("  </MultiGeometry>\n</Placemark>\n")
	return true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}
