package export

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// CityObjectExporter выгружает строку cityobject с generic атрибутами,
// геометриями и ссылками на текстуры. Дочерние элементы пишутся в порядке id
type CityObjectExporter struct {
	conn    *sql.Conn
	dialect adapters.Dialect
	opts    Options

	object   *sql.Stmt
	attribs  *sql.Stmt
	geoms    *sql.Stmt
	textures *sql.Stmt
}

// NewCityObjectExporter - ExporterFunc для _CityObject
func NewCityObjectExporter(conn *sql.Conn, dialect adapters.Dialect, opts Options) FeatureExporter {
	return &CityObjectExporter{conn: conn, dialect: dialect, opts: opts}
}

func (e *CityObjectExporter) prepare(ctx context.Context) error {
	if e.object != nil {
		return nil
	}
	p := e.dialect.Placeholder(1)
	queries := []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&e.object, `SELECT name, envelope_xmin, envelope_ymin, envelope_xmax, envelope_ymax, creation_date, termination_date
			FROM ` + citydb.TableCityObject + ` WHERE id = ` + p},
		{&e.attribs, `SELECT attrname, datatype, strval, intval, realval
			FROM ` + citydb.TableGenericAttrib + ` WHERE cityobject_id = ` + p + ` ORDER BY id`},
		{&e.geoms, `SELECT gmlid, geometry FROM ` + citydb.TableSurfaceGeometry + ` WHERE cityobject_id = ` + p + ` ORDER BY id`},
		{&e.textures, `SELECT id, tex_image_uri FROM ` + citydb.TableTexImage + ` WHERE cityobject_id = ` + p + ` ORDER BY id`},
	}
	for _, q := range queries {
		stmt, err := e.conn.PrepareContext(ctx, q.sql)
		if err != nil {
			e.Close()
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		*q.stmt = stmt
	}
	return nil
}

var _ FeatureExporter = (*CityObjectExporter)(nil)

// Read возвращает nil без ошибки, если объект уже удален из БД
func (e *CityObjectExporter) Read(ctx context.Context, item splitter.SplittingResult) (*FeatureResult, error) {
	if err := e.prepare(ctx); err != nil {
		return nil, err
	}

	var (
		name                   sql.NullString
		minX, minY, maxX, maxY sql.NullFloat64
		created, terminated    sql.NullTime
	)
	err := e.object.QueryRowContext(ctx, item.ID).Scan(&name, &minX, &minY, &maxX, &maxY, &created, &terminated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cityobject %d: %w", item.ID, err)
	}

	res := &FeatureResult{Record: writer.Record{FeatureID: item.ID, GMLID: item.GMLID, Type: item.Type.Name}}
	elem := item.Type.QualifiedName()

	var buf bytes.Buffer
	buf.WriteString("<core:cityObjectMember>\n  <" + elem)
	if item.GMLID != "" {
		buf.WriteString(` gml:id="`)
		escape(&buf, item.GMLID)
		buf.WriteString(`"`)
	}
	buf.WriteString(">\n")

	if name.Valid {
		buf.WriteString("    <gml:name>")
		escape(&buf, name.String)
		buf.WriteString("</gml:name>\n")
	}
	if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
		fmt.Fprintf(&buf, "    <gml:boundedBy><gml:Envelope srsDimension=\"2\"><gml:lowerCorner>%s %s</gml:lowerCorner><gml:upperCorner>%s %s</gml:upperCorner></gml:Envelope></gml:boundedBy>\n",
			formatFloat(minX.Float64), formatFloat(minY.Float64), formatFloat(maxX.Float64), formatFloat(maxY.Float64))
	}
	if created.Valid {
		buf.WriteString("    <core:creationDate>" + created.Time.Format(DateLayout) + "</core:creationDate>\n")
	}
	if terminated.Valid {
		buf.WriteString("    <core:terminationDate>" + terminated.Time.Format(DateLayout) + "</core:terminationDate>\n")
	}

	if err := e.writeAttributes(ctx, &buf, item.ID); err != nil {
		return nil, err
	}
	if res.Geometries, err = e.writeGeometries(ctx, &buf, item.ID); err != nil {
		return nil, err
	}
	if res.Textures, err = e.writeTextures(ctx, &buf, item.ID); err != nil {
		return nil, err
	}

	buf.WriteString("  </" + elem + ">\n</core:cityObjectMember>\n")
	res.Record.Payload = buf.Bytes()
	return res, nil
}

func (e *CityObjectExporter) writeAttributes(ctx context.Context, buf *bytes.Buffer, id int64) error {
	rows, err := e.attribs.QueryContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read attributes of %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name     string
			datatype int
			strval   sql.NullString
			intval   sql.NullInt64
			realval  sql.NullFloat64
		)
		if err := rows.Scan(&name, &datatype, &strval, &intval, &realval); err != nil {
			return fmt.Errorf("failed to scan attribute of %d: %w", id, err)
		}

		var tag, value string
		switch datatype {
		case citydb.AttribInt:
			tag, value = "gen:intAttribute", strconv.FormatInt(intval.Int64, 10)
		case citydb.AttribDouble:
			tag, value = "gen:doubleAttribute", formatFloat(realval.Float64)
		default:
			tag, value = "gen:stringAttribute", strval.String
		}
		buf.WriteString("    <" + tag + ` name="`)
		escape(buf, name)
		buf.WriteString(`"><gen:value>`)
		escape(buf, value)
		buf.WriteString("</gen:value></" + tag + ">\n")
	}
	return rows.Err()
}

func (e *CityObjectExporter) writeGeometries(ctx context.Context, buf *bytes.Buffer, id int64) (int64, error) {
	rows, err := e.geoms.QueryContext(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to read geometries of %d: %w", id, err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		var gmlID, wkt sql.NullString
		if err := rows.Scan(&gmlID, &wkt); err != nil {
			return 0, fmt.Errorf("failed to scan geometry of %d: %w", id, err)
		}
		if !wkt.Valid {
			continue
		}
		buf.WriteString("    <core:geometry")
		if gmlID.Valid {
			buf.WriteString(` gml:id="`)
			escape(buf, gmlID.String)
			buf.WriteString(`"`)
		}
		buf.WriteString(">")
		escape(buf, wkt.String)
		buf.WriteString("</core:geometry>\n")
		n++
	}
	return n, rows.Err()
}

func (e *CityObjectExporter) writeTextures(ctx context.Context, buf *bytes.Buffer, id int64) ([]Texture, error) {
	rows, err := e.textures.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read textures of %d: %w", id, err)
	}
	defer rows.Close()

	var textures []Texture
	for rows.Next() {
		var (
			texID int64
			uri   sql.NullString
		)
		if err := rows.Scan(&texID, &uri); err != nil {
			return nil, fmt.Errorf("failed to scan texture of %d: %w", id, err)
		}
		file := path.Base(uri.String)
		if !uri.Valid || file == "." || file == "/" {
			file = fmt.Sprintf("tex_%d", texID)
		}
		ref := path.Join(e.opts.TextureDir, file)
		buf.WriteString("    <app:imageURI>")
		escape(buf, ref)
		buf.WriteString("</app:imageURI>\n")
		textures = append(textures, Texture{ID: texID, URI: ref})
	}
	return textures, rows.Err()
}

// Close закрывает подготовленные запросы
func (e *CityObjectExporter) Close() error {
	var errs []error
	for _, stmt := range []**sql.Stmt{&e.object, &e.attribs, &e.geoms, &e.textures} {
		if *stmt != nil {
			errs = append(errs, (*stmt).Close())
			*stmt = nil
		}
	}
	return errors.Join(errs...)
}

// DateLayout - формат xs:date для дат создания и терминации
const DateLayout = "2006-01-02"

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func escape(buf *bytes.Buffer, s string) {
	// ошибка возможна только от writer'а, bytes.Buffer ее не возвращает
	_ = xml.EscapeText(buf, []byte(s))
}
