// Package kml выгружает объекты верхнего уровня в KML документы,
// по одному документу на форму отображения.
package kml

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// NamespaceKML - пространство имен KML 2.2
const NamespaceKML = "http://www.opengis.net/kml/2.2"

// DisplayForm - форма отображения объекта
type DisplayForm string

const (
	// Footprint - контур по земле
	Footprint DisplayForm = "footprint"
	// Extruded - контур, выдавленный на высоту объекта
	Extruded DisplayForm = "extruded"
	// Geometry - все поверхности с абсолютными высотами
	Geometry DisplayForm = "geometry"
	// Collada - поверхности, сгруппированные в папки по N объектов
	Collada DisplayForm = "collada"
)

// DisplayForms - все формы в порядке выгрузки
var DisplayForms = []DisplayForm{Footprint, Extruded, Geometry, Collada}

// ParseDisplayForm разбирает имя формы без учета регистра
func ParseDisplayForm(s string) (DisplayForm, error) {
	f := DisplayForm(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DisplayForms {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown display form %q", s)
}

// styles - цвета формы в KML порядке aabbggrr
var styles = map[DisplayForm]struct{ line, poly string }{
	Footprint: {"ff000000", "c8cccccc"},
	Extruded:  {"ff000000", "c8aaaaaa"},
	Geometry:  {"ff333333", "ffcccccc"},
	Collada:   {"ff333333", "ffdddddd"},
}

// Format возвращает обрамление kml/Document для формы
func Format(name string, form DisplayForm) writer.Format {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.WriteString(`<kml xmlns="` + NamespaceKML + `">` + "\n<Document>\n")
	buf.WriteString("<name>")
	escape(&buf, name)
	buf.WriteString("</name>\n")

	s := styles[form]
	fmt.Fprintf(&buf, "<Style id=%q><LineStyle><color>%s</color></LineStyle><PolyStyle><color>%s</color></PolyStyle></Style>\n",
		string(form), s.line, s.poly)

	return writer.Format{
		Name:        "kml",
		Extension:   ".kml",
		ContentType: "application/vnd.google-earth.kml+xml",
		Header:      buf.Bytes(),
		Footer:      []byte("</Document>\n</kml>\n"),
	}
}
