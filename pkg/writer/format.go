package writer

import (
	"sort"
	"strings"

	"github.com/ruslano69/citydb-tool/pkg/schema"
)

// Пространства имен, не входящие в модули CityGML
const (
	NamespaceGML        = "http://www.opengis.net/gml"
	NamespaceAppearance = "http://www.opengis.net/citygml/appearance/2.0"
)

// Format описывает обрамление выходного документа
type Format struct {
	Name        string
	Extension   string
	ContentType string
	Header      []byte
	Footer      []byte
}

// CityGML - документ core:CityModel, каждая запись - элемент core:cityObjectMember
var CityGML = Format{
	Name:        "citygml",
	Extension:   ".gml",
	ContentType: "application/gml+xml",
	Header:      cityModelHeader(),
	Footer:      []byte("</core:CityModel>\n"),
}

func cityModelHeader() []byte {
	ns := schema.Namespaces()
	ns["gml"] = NamespaceGML
	ns["app"] = NamespaceAppearance

	prefixes := make([]string, 0, len(ns))
	for p := range ns {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<core:CityModel")
	for _, p := range prefixes {
		sb.WriteString(" xmlns:" + p + `="` + ns[p] + `"`)
	}
	sb.WriteString(">\n")
	return []byte(sb.String())
}

// Record - сериализованный объект верхнего уровня
type Record struct {
	FeatureID int64
	GMLID     string
	Type      string
	Payload   []byte
}
