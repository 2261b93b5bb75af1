package kml

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidWKT - геометрия не разбирается как POLYGON или MULTIPOLYGON
var ErrInvalidWKT = errors.New("invalid WKT")

// Point - вершина в координатах БД
type Point struct {
	X, Y, Z float64
}

// Ring - замкнутое кольцо
type Ring []Point

// Polygon - внешнее кольцо и дыры
type Polygon []Ring

// ParsePolygons разбирает POLYGON и MULTIPOLYGON с необязательной
// размерностью Z. Незамкнутые кольца замыкаются
func ParsePolygons(wkt string) ([]Polygon, error) {
	s := strings.TrimSpace(wkt)
	upper := strings.ToUpper(s)

	multi := false
	switch {
	case strings.HasPrefix(upper, "MULTIPOLYGON"):
		multi = true
		s = s[len("MULTIPOLYGON"):]
	case strings.HasPrefix(upper, "POLYGON"):
		s = s[len("POLYGON"):]
	default:
		return nil, fmt.Errorf("%w: unsupported geometry %q", ErrInvalidWKT, truncate(wkt, 32))
	}

	p := &wktParser{s: s}
	p.skipSpace()
	p.skipDimension()
	if p.keyword("EMPTY") {
		return nil, nil
	}

	var polys []Polygon
	var err error
	if multi {
		err = p.list(func() error {
			poly, err := p.polygon()
			if err == nil {
				polys = append(polys, poly)
			}
			return err
		})
	} else {
		var poly Polygon
		if poly, err = p.polygon(); err == nil {
			polys = append(polys, poly)
		}
	}
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, p.errorf("unexpected trailing input")
	}
	return polys, nil
}

type wktParser struct {
	s   string
	pos int
}

func (p *wktParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrInvalidWKT, p.pos, fmt.Sprintf(format, args...))
}

func (p *wktParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\n' || p.s[p.pos] == '\r') {
		p.pos++
	}
}

// skipDimension пропускает Z, M или ZM после имени типа
func (p *wktParser) skipDimension() {
	for _, dim := range []string{"ZM", "Z", "M"} {
		if p.keyword(dim) {
			return
		}
	}
}

func (p *wktParser) keyword(kw string) bool {
	end := p.pos + len(kw)
	if end > len(p.s) || !strings.EqualFold(p.s[p.pos:end], kw) {
		return false
	}
	p.pos = end
	p.skipSpace()
	return true
}

func (p *wktParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

// list разбирает "(" elem {"," elem} ")"
func (p *wktParser) list(elem func() error) error {
	if err := p.expect('('); err != nil {
		return err
	}
	for {
		if err := elem(); err != nil {
			return err
		}
		p.skipSpace()
		if p.pos < len(p.s) && p.s[p.pos] == ',' {
			p.pos++
			continue
		}
		return p.expect(')')
	}
}

func (p *wktParser) polygon() (Polygon, error) {
	var poly Polygon
	err := p.list(func() error {
		ring, err := p.ring()
		if err == nil {
			poly = append(poly, ring)
		}
		return err
	})
	return poly, err
}

func (p *wktParser) ring() (Ring, error) {
	var ring Ring
	err := p.list(func() error {
		pt, err := p.point()
		if err == nil {
			ring = append(ring, pt)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(ring) < 3 {
		return nil, p.errorf("ring has %d points", len(ring))
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring, nil
}

func (p *wktParser) point() (Point, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ',' && p.s[p.pos] != ')' {
		p.pos++
	}
	fields := strings.Fields(p.s[start:p.pos])
	if len(fields) < 2 || len(fields) > 4 {
		return Point{}, p.errorf("point has %d ordinates", len(fields))
	}

	var ords [3]float64
	for i := 0; i < len(fields) && i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return Point{}, p.errorf("bad ordinate %q", fields[i])
		}
		ords[i] = v
	}
	return Point{X: ords[0], Y: ords[1], Z: ords[2]}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
