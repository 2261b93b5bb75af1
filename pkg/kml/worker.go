package kml

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/export"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// WorkerConfig - параметры построения Placemark
type WorkerConfig struct {
	// GroupSize - число объектов в одной папке формы collada
	GroupSize int

	// HeightAttribute - generic атрибут с высотой для формы extruded
	HeightAttribute string
}

var workerSeq atomic.Int64

// Worker превращает id объекта в Placemark
// Для формы collada копит Placemark'и и отдает их писателю папками
// по GroupSize. Неполная последняя папка отдается в Shutdown
type Worker struct {
	id   int64
	env  export.Env
	cfg  WorkerConfig
	conn *sql.Conn
	log  zerolog.Logger

	object *sql.Stmt
	height *sql.Stmt
	geoms  *sql.Stmt

	state atomic.Int32

	group      bytes.Buffer
	groupCount int
	groupFirst int64
	groups     int

	processed  int
	topLevel   map[string]int64
	geometries int64
}

// NewWorkerFactory возвращает фабрику KML воркеров
func NewWorkerFactory(env export.Env, cfg WorkerConfig) concurrent.WorkerFactory[splitter.SplittingResult] {
	return concurrent.WorkerFactoryFunc[splitter.SplittingResult](func(ctx context.Context) (concurrent.Worker[splitter.SplittingResult], error) {
		return NewWorker(ctx, env, cfg)
	})
}

// NewWorker берет подключение из пула адаптера
func NewWorker(ctx context.Context, env export.Env, cfg WorkerConfig) (*Worker, error) {
	conn, err := env.Adapter.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire worker connection: %w", err)
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 1
	}

	id := workerSeq.Add(1)
	return &Worker{
		id:       id,
		env:      env,
		cfg:      cfg,
		conn:     conn,
		topLevel: make(map[string]int64),
		log:      env.Logger.With().Str("component", "kml-worker").Int64("worker", id).Logger(),
	}, nil
}

// State возвращает текущее состояние
func (w *Worker) State() export.State {
	return export.State(w.state.Load())
}

func (w *Worker) setState(s export.State) {
	w.state.Store(int32(s))
}

func (w *Worker) prepare(ctx context.Context) error {
	if w.object != nil {
		return nil
	}
	d := w.env.Adapter.Dialect()
	queries := []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&w.object, `SELECT name, envelope_xmin, envelope_ymin, envelope_xmax, envelope_ymax
			FROM ` + citydb.TableCityObject + ` WHERE id = ` + d.Placeholder(1)},
		{&w.height, `SELECT datatype, intval, realval FROM ` + citydb.TableGenericAttrib + `
			WHERE cityobject_id = ` + d.Placeholder(1) + ` AND attrname = ` + d.Placeholder(2) + ` ORDER BY id`},
		{&w.geoms, `SELECT geometry FROM ` + citydb.TableSurfaceGeometry + ` WHERE cityobject_id = ` + d.Placeholder(1) + ` ORDER BY id`},
	}
	for _, q := range queries {
		stmt, err := w.conn.PrepareContext(ctx, q.sql)
		if err != nil {
			w.closeStatements()
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		*q.stmt = stmt
	}
	return nil
}

// DoWork строит Placemark одного объекта
func (w *Worker) DoWork(ctx context.Context, item splitter.SplittingResult) {
	defer w.setState(export.StateIdle)

	if w.env.Interrupt.IsSet() {
		return
	}

	if w.env.Dedup != nil && !item.CheckedForDuplicate && item.GMLID != "" {
		w.setState(export.StateCheckingDuplicate)
		existed, err := w.env.Dedup.PutIfAbsent(ctx, item.GMLID, item.ID, int64(item.ObjectClassID))
		if err != nil {
			w.fail(fmt.Sprintf("Failed to check gml:id %s", item.GMLID), err)
			return
		}
		if existed {
			w.env.Dispatcher.TriggerEvent(events.CounterEvent{
				Type:   events.CounterDuplicate,
				Counts: map[string]int64{item.Type.Name: 1},
				Source: "kml-worker",
			})
			return
		}
	}

	w.setState(export.StateProcessing)
	form, err := ParseDisplayForm(item.DisplayForm)
	if err != nil {
		w.fail("Invalid display form", err)
		return
	}

	f, err := w.read(ctx, item)
	if err != nil {
		w.fail(fmt.Sprintf("A SQL error occurred while exporting %s (id %d)", item.Type.Name, item.ID), err)
		return
	}
	if f == nil {
		w.log.Warn().Int64("id", item.ID).Str("gmlid", item.GMLID).Msg("Feature no longer exists, skipping")
		return
	}

	var buf bytes.Buffer
	if !Placemark(&buf, form, f) {
		w.log.Debug().Int64("id", item.ID).Msg("Feature has no geometry, skipping")
		return
	}

	if form == Collada {
		if w.groupCount == 0 {
			w.groupFirst = item.ID
		}
		w.group.Write(buf.Bytes())
		w.groupCount++
		if w.groupCount == w.cfg.GroupSize {
			if err := w.flushGroup(ctx); err != nil {
				w.fail("Failed to hand feature group to writer", err)
				return
			}
		}
	} else {
		rec := writer.Record{FeatureID: item.ID, GMLID: item.GMLID, Type: item.Type.Name, Payload: buf.Bytes()}
		if err := w.env.Writer.Write(ctx, rec); err != nil {
			w.fail("Failed to hand feature to writer", err)
			return
		}
	}

	w.topLevel[item.Type.Name]++
	w.geometries += int64(len(f.Polygons))
	w.processed++
	if w.processed == export.CounterBatch {
		w.flushCounters()
	}
}

// read возвращает nil без ошибки, если объект уже удален
func (w *Worker) read(ctx context.Context, item splitter.SplittingResult) (*Feature, error) {
	if err := w.prepare(ctx); err != nil {
		return nil, err
	}

	var (
		name                   sql.NullString
		minX, minY, maxX, maxY sql.NullFloat64
	)
	err := w.object.QueryRowContext(ctx, item.ID).Scan(&name, &minX, &minY, &maxX, &maxY)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cityobject %d: %w", item.ID, err)
	}

	f := &Feature{ID: item.ID, GMLID: item.GMLID, Name: name.String, Type: item.Type.Name}
	if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
		f.Envelope = [4]float64{minX.Float64, minY.Float64, maxX.Float64, maxY.Float64}
		f.HasEnvelope = true
	}

	if w.cfg.HeightAttribute != "" {
		if err := w.readHeight(ctx, f); err != nil {
			return nil, err
		}
	}

	rows, err := w.geoms.QueryContext(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read geometries of %d: %w", item.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var wkt sql.NullString
		if err := rows.Scan(&wkt); err != nil {
			return nil, fmt.Errorf("failed to scan geometry of %d: %w", item.ID, err)
		}
		if !wkt.Valid {
			continue
		}
		polys, err := ParsePolygons(wkt.String)
		if err != nil {
			return nil, fmt.Errorf("geometry of %d: %w", item.ID, err)
		}
		f.Polygons = append(f.Polygons, polys...)
	}
	return f, rows.Err()
}

func (w *Worker) readHeight(ctx context.Context, f *Feature) error {
	var (
		datatype int
		intval   sql.NullInt64
		realval  sql.NullFloat64
	)
	err := w.height.QueryRowContext(ctx, f.ID, w.cfg.HeightAttribute).Scan(&datatype, &intval, &realval)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("failed to read height of %d: %w", f.ID, err)
	}

	switch {
	case datatype == citydb.AttribDouble && realval.Valid:
		f.Height, f.HasHeight = realval.Float64, true
	case datatype == citydb.AttribInt && intval.Valid:
		f.Height, f.HasHeight = float64(intval.Int64), true
	}
	return nil
}

// flushGroup отдает накопленные Placemark'и писателю одной папкой
func (w *Worker) flushGroup(ctx context.Context) error {
	if w.groupCount == 0 {
		return nil
	}
	w.groups++
	name := fmt.Sprintf("group_%d_%d", w.id, w.groups)

	var buf bytes.Buffer
	buf.Grow(w.group.Len() + 64)
	buf.WriteString("<Folder>\n<name>" + name + "</name>\n")
	buf.Write(w.group.Bytes())
	buf.WriteString("</Folder>\n")

	w.group.Reset()
	w.groupCount = 0
	return w.env.Writer.Write(ctx, writer.Record{FeatureID: w.groupFirst, GMLID: name, Type: "Folder", Payload: buf.Bytes()})
}

func (w *Worker) fail(reason string, err error) {
	w.env.Interrupt.Fail(reason, &events.RunError{Op: "KML export", Phase: events.PhaseWork, Err: err})
}

func (w *Worker) flushCounters() {
	d := w.env.Dispatcher
	if len(w.topLevel) > 0 {
		d.TriggerEvent(events.CounterEvent{Type: events.CounterTopLevelFeature, Counts: w.topLevel, Source: "kml-worker"})
		w.topLevel = make(map[string]int64)
	}
	if w.geometries > 0 {
		d.TriggerEvent(events.CounterEvent{Type: events.CounterGeometry, Counts: map[string]int64{"surface_geometry": w.geometries}, Source: "kml-worker"})
		w.geometries = 0
	}
	if w.processed > 0 {
		d.TriggerEvent(events.ProgressBarEvent{Mode: events.ProgressUpdate, Value: int64(w.processed)})
		w.processed = 0
	}
}

// Shutdown отдает неполную папку, если запуск не завершился ошибкой,
// и освобождает подключение
func (w *Worker) Shutdown() {
	if w.groupCount > 0 {
		if ev, ok := w.env.Interrupt.Event(); ok && !ev.UserCancelled {
			w.log.Debug().Int("features", w.groupCount).Msg("Discarding feature group of failed run")
		} else if err := w.flushGroup(context.Background()); err != nil {
			w.fail("Failed to hand feature group to writer", err)
		}
	}
	w.flushCounters()

	w.closeStatements()
	if err := w.conn.Close(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to release connection")
	}
}

func (w *Worker) closeStatements() {
	for _, stmt := range []**sql.Stmt{&w.object, &w.height, &w.geoms} {
		if *stmt != nil {
			if err := (*stmt).Close(); err != nil {
				w.log.Warn().Err(err).Msg("Failed to close statement")
			}
			*stmt = nil
		}
	}
}
