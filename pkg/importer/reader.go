package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/export"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

// ErrUnknownFeatureType - элемент cityObjectMember не отображается на
// зарегистрированный тип верхнего уровня
var ErrUnknownFeatureType = errors.New("unknown feature type")

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Attribute - generic атрибут. Value - string, int64 или float64
type Attribute struct {
	Name     string
	DataType int
	Value    any
}

// Geometry - геометрия в WKT
type Geometry struct {
	GMLID string
	WKT   string
}

// Feature - объект верхнего уровня, прочитанный из документа
// Создается читателем и обрабатывается ровно одним воркером
type Feature struct {
	Type  *schema.FeatureType
	GMLID string
	Name  string

	Envelope *[4]float64

	Created    *time.Time
	Terminated *time.Time

	Attributes []Attribute
	Geometries []Geometry
	Textures   []string

	// BaseDir - каталог, от которого считаются пути текстур
	BaseDir string
}

type memberXML struct {
	Feature featureXML `xml:",any"`
}

type featureXML struct {
	XMLName         xml.Name
	ID              string         `xml:"http://www.opengis.net/gml id,attr"`
	Name            string         `xml:"http://www.opengis.net/gml name"`
	Envelope        *envelopeXML   `xml:"http://www.opengis.net/gml boundedBy>Envelope"`
	CreationDate    string         `xml:"http://www.opengis.net/citygml/2.0 creationDate"`
	TerminationDate string         `xml:"http://www.opengis.net/citygml/2.0 terminationDate"`
	Geometries      []geometryXML  `xml:"http://www.opengis.net/citygml/2.0 geometry"`
	ImageURIs       []string       `xml:"http://www.opengis.net/citygml/appearance/2.0 imageURI"`
	Other           []attributeXML `xml:",any"`
}

type envelopeXML struct {
	Lower string `xml:"http://www.opengis.net/gml lowerCorner"`
	Upper string `xml:"http://www.opengis.net/gml upperCorner"`
}

type geometryXML struct {
	ID  string `xml:"http://www.opengis.net/gml id,attr"`
	WKT string `xml:",chardata"`
}

type attributeXML struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Value   string `xml:"http://www.opengis.net/citygml/generics/2.0 value"`
}

// Reader потоково читает core:cityObjectMember из CityGML документа
// Документ целиком в памяти не держится
type Reader struct {
	dec      *xml.Decoder
	registry *schema.Registry
	baseDir  string
	closers  []io.Closer
}

// NewReader читает документ из r. Сжатый zstd поток распознается по сигнатуре
func NewReader(r io.Reader, registry *schema.Registry) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	rd := &Reader{registry: registry}

	magic, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		rd.closers = append(rd.closers, zstdCloser{zr})
		rd.dec = xml.NewDecoder(zr)
	} else {
		rd.dec = xml.NewDecoder(br)
	}
	return rd, nil
}

// OpenFile открывает файл. Пути текстур считаются от его каталога
func OpenFile(path string, registry *schema.Registry) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	rd, err := NewReader(f, registry)
	if err != nil {
		f.Close()
		return nil, err
	}
	rd.closers = append(rd.closers, f)
	rd.baseDir = filepath.Dir(path)
	return rd, nil
}

type zstdCloser struct{ *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// Next возвращает следующий объект или io.EOF
// Для объекта неизвестного типа возвращается ErrUnknownFeatureType,
// после чего чтение можно продолжить
func (r *Reader) Next() (*Feature, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read input: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "cityObjectMember" || start.Name.Space != schema.NamespaceCore {
			continue
		}

		var m memberXML
		if err := r.dec.DecodeElement(&m, &start); err != nil {
			return nil, fmt.Errorf("failed to decode cityObjectMember: %w", err)
		}
		return r.convert(&m.Feature)
	}
}

// Close закрывает поток
func (r *Reader) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Reader) convert(x *featureXML) (*Feature, error) {
	ft, ok := r.registry.ByName(x.XMLName.Local)
	if !ok || ft.Abstract || (x.XMLName.Space != "" && x.XMLName.Space != ft.Namespace) {
		return nil, fmt.Errorf("%w: {%s}%s", ErrUnknownFeatureType, x.XMLName.Space, x.XMLName.Local)
	}

	f := &Feature{
		Type:     ft,
		GMLID:    x.ID,
		Name:     strings.TrimSpace(x.Name),
		Textures: x.ImageURIs,
		BaseDir:  r.baseDir,
	}

	if x.Envelope != nil {
		env, err := parseEnvelope(x.Envelope)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", x.ID, err)
		}
		f.Envelope = env
	}

	var err error
	if f.Created, err = parseDate(x.CreationDate); err != nil {
		return nil, fmt.Errorf("feature %s: creationDate: %w", x.ID, err)
	}
	if f.Terminated, err = parseDate(x.TerminationDate); err != nil {
		return nil, fmt.Errorf("feature %s: terminationDate: %w", x.ID, err)
	}

	for _, g := range x.Geometries {
		if wkt := strings.TrimSpace(g.WKT); wkt != "" {
			f.Geometries = append(f.Geometries, Geometry{GMLID: g.ID, WKT: wkt})
		}
	}

	for _, a := range x.Other {
		if a.XMLName.Space != schema.NamespaceGeneric {
			continue
		}
		attr, ok, err := parseAttribute(a)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", x.ID, err)
		}
		if ok {
			f.Attributes = append(f.Attributes, attr)
		}
	}
	return f, nil
}

func parseAttribute(a attributeXML) (Attribute, bool, error) {
	value := strings.TrimSpace(a.Value)
	switch a.XMLName.Local {
	case "stringAttribute":
		return Attribute{Name: a.Name, DataType: citydb.AttribString, Value: a.Value}, true, nil
	case "intAttribute":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Attribute{}, false, fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		return Attribute{Name: a.Name, DataType: citydb.AttribInt, Value: v}, true, nil
	case "doubleAttribute":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Attribute{}, false, fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		return Attribute{Name: a.Name, DataType: citydb.AttribDouble, Value: v}, true, nil
	}
	return Attribute{}, false, nil
}

func parseEnvelope(e *envelopeXML) (*[4]float64, error) {
	var env [4]float64
	for i, corner := range []string{e.Lower, e.Upper} {
		fields := strings.Fields(corner)
		if len(fields) < 2 {
			return nil, fmt.Errorf("bad envelope corner %q", corner)
		}
		for j := 0; j < 2; j++ {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad envelope corner %q", corner)
			}
			env[i*2+j] = v
		}
	}
	return &env, nil
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(export.DateLayout, s)
	if err != nil {
		// xs:date может нести часовой пояс
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// Source - источник объектов для импорта
type Source interface {
	Name() string

	// Next возвращает следующий объект или io.EOF
	Next(ctx context.Context) (*Feature, error)

	// Ack подтверждает, что все объекты, выданные Next, переданы воркерам
	Ack(ctx context.Context) error

	Close() error
}

// FileSource - документ на диске
type FileSource struct {
	path string
	r    *Reader
}

// NewFileSource открывает файл
func NewFileSource(path string, registry *schema.Registry) (*FileSource, error) {
	r, err := OpenFile(path, registry)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, r: r}, nil
}

func (s *FileSource) Name() string { return s.path }

func (s *FileSource) Next(context.Context) (*Feature, error) { return s.r.Next() }

func (s *FileSource) Ack(context.Context) error { return nil }

func (s *FileSource) Close() error { return s.r.Close() }
