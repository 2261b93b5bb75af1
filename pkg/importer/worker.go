package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/cache"
	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
)

// CounterBatch - число объектов, после которого воркер отправляет счетчики
const CounterBatch = 20

// Sequence выдает id строк одной таблицы
type Sequence struct {
	last atomic.Int64
}

// Next возвращает следующий id
func (s *Sequence) Next() int64 {
	return s.last.Add(1)
}

// IDs - генераторы id таблиц схемы
// Инициализируются максимальными id на момент запуска; откаченные
// транзакции оставляют пропуски
type IDs struct {
	Feature   Sequence
	Attribute Sequence
	Geometry  Sequence
	Texture   Sequence
}

// LoadIDs читает текущие максимальные id
func LoadIDs(ctx context.Context, db *sql.DB) (*IDs, error) {
	ids := &IDs{}
	for _, t := range []struct {
		table string
		seq   *Sequence
	}{
		{citydb.TableCityObject, &ids.Feature},
		{citydb.TableGenericAttrib, &ids.Attribute},
		{citydb.TableSurfaceGeometry, &ids.Geometry},
		{citydb.TableTexImage, &ids.Texture},
	} {
		var last sql.NullInt64
		if err := db.QueryRowContext(ctx, "SELECT MAX(id) FROM "+t.table).Scan(&last); err != nil {
			return nil, fmt.Errorf("failed to read max id of %s: %w", t.table, err)
		}
		t.seq.last.Store(last.Int64)
	}
	return ids, nil
}

// Env - общие зависимости воркеров одного запуска
type Env struct {
	Adapter    adapters.Adapter
	Dispatcher *events.Dispatcher
	Interrupt  *events.Interrupt
	IDs        *IDs
	Dedup      *cache.IDCache

	// SkipExisting - пропускать объекты, gml:id которых уже есть в БД
	SkipExisting   bool
	ImportTextures bool
	Logger         zerolog.Logger
}

var workerSeq atomic.Int64

// Worker пишет один объект за раз в своей транзакции
type Worker struct {
	id   int64
	env  Env
	conn *sql.Conn
	log  zerolog.Logger

	exists  *sql.Stmt
	object  *sql.Stmt
	attrib  *sql.Stmt
	geom    *sql.Stmt
	texture *sql.Stmt

	processed  int
	topLevel   map[string]int64
	geometries int64
	textures   int64
}

// NewWorkerFactory возвращает фабрику воркеров импорта
func NewWorkerFactory(env Env) concurrent.WorkerFactory[*Feature] {
	return concurrent.WorkerFactoryFunc[*Feature](func(ctx context.Context) (concurrent.Worker[*Feature], error) {
		return NewWorker(ctx, env)
	})
}

// NewWorker берет подключение из пула адаптера
func NewWorker(ctx context.Context, env Env) (*Worker, error) {
	conn, err := env.Adapter.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire worker connection: %w", err)
	}
	id := workerSeq.Add(1)
	return &Worker{
		id:       id,
		env:      env,
		conn:     conn,
		topLevel: make(map[string]int64),
		log:      env.Logger.With().Str("component", "import-worker").Int64("worker", id).Logger(),
	}, nil
}

func (w *Worker) prepare(ctx context.Context) error {
	if w.object != nil {
		return nil
	}
	p := w.env.Adapter.Dialect().Placeholder
	queries := []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&w.exists, "SELECT id FROM " + citydb.TableCityObject + " WHERE gmlid = " + p(1)},
		{&w.object, "INSERT INTO " + citydb.TableCityObject + ` (id, objectclass_id, gmlid, name,
			envelope_xmin, envelope_ymin, envelope_xmax, envelope_ymax, creation_date, termination_date, last_modification_date)
			VALUES (` + placeholders(p, 11) + ")"},
		{&w.attrib, "INSERT INTO " + citydb.TableGenericAttrib + " (id, cityobject_id, attrname, datatype, strval, intval, realval) VALUES (" + placeholders(p, 7) + ")"},
		{&w.geom, "INSERT INTO " + citydb.TableSurfaceGeometry + " (id, cityobject_id, gmlid, geometry) VALUES (" + placeholders(p, 4) + ")"},
		{&w.texture, "INSERT INTO " + citydb.TableTexImage + " (id, cityobject_id, tex_image_uri, tex_image_data) VALUES (" + placeholders(p, 4) + ")"},
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

func placeholders(p func(int) string, n int) string {
	s := p(1)
	for i := 2; i <= n; i++ {
		s += ", " + p(i)
	}
	return s
}

// DoWork импортирует один объект
func (w *Worker) DoWork(ctx context.Context, f *Feature) {
	if w.env.Interrupt.IsSet() {
		return
	}

	if err := w.prepare(ctx); err != nil {
		w.fail(fmt.Sprintf("Failed to import %s", f.Type.Name), err)
		return
	}

	if f.GMLID != "" {
		dup, err := w.isDuplicate(ctx, f)
		if err != nil {
			w.fail(fmt.Sprintf("Failed to check gml:id %s", f.GMLID), err)
			return
		}
		if dup {
			w.env.Dispatcher.TriggerEvent(events.CounterEvent{
				Type:   events.CounterDuplicate,
				Counts: map[string]int64{f.Type.Name: 1},
				Source: "import-worker",
			})
			return
		}
	}

	geoms, textures, err := w.insert(ctx, f)
	if err != nil {
		w.fail(fmt.Sprintf("A SQL error occurred while importing %s %s", f.Type.Name, f.GMLID), err)
		return
	}

	w.topLevel[f.Type.Name]++
	w.geometries += geoms
	w.textures += textures
	w.processed++
	if w.processed == CounterBatch {
		w.flushCounters()
	}
}

func (w *Worker) isDuplicate(ctx context.Context, f *Feature) (bool, error) {
	if w.env.SkipExisting {
		var id int64
		err := w.exists.QueryRowContext(ctx, f.GMLID).Scan(&id)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, err
		}
	}
	if w.env.Dedup != nil {
		// id в кэше не используется, достаточно факта первой вставки
		return w.env.Dedup.PutIfAbsent(ctx, f.GMLID, 0, int64(f.Type.ID))
	}
	return false, nil
}

func (w *Worker) insert(ctx context.Context, f *Feature) (geoms, textures int64, err error) {
	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	created := now
	if f.Created != nil {
		created = *f.Created
	}
	var terminated any
	if f.Terminated != nil {
		terminated = *f.Terminated
	}
	var env [4]any
	if f.Envelope != nil {
		for i, v := range f.Envelope {
			env[i] = v
		}
	}
	var name any
	if f.Name != "" {
		name = f.Name
	}

	id := w.env.IDs.Feature.Next()
	if _, err := tx.StmtContext(ctx, w.object).ExecContext(ctx, id, f.Type.ID, nullString(f.GMLID), name,
		env[0], env[1], env[2], env[3], created, terminated, now); err != nil {
		return 0, 0, fmt.Errorf("failed to insert cityobject: %w", err)
	}

	attrib := tx.StmtContext(ctx, w.attrib)
	for _, a := range f.Attributes {
		var strval, intval, realval any
		switch v := a.Value.(type) {
		case int64:
			intval = v
		case float64:
			realval = v
		default:
			strval = fmt.Sprint(v)
		}
		if _, err := attrib.ExecContext(ctx, w.env.IDs.Attribute.Next(), id, a.Name, a.DataType, strval, intval, realval); err != nil {
			return 0, 0, fmt.Errorf("failed to insert attribute %s: %w", a.Name, err)
		}
	}

	geom := tx.StmtContext(ctx, w.geom)
	for _, g := range f.Geometries {
		if _, err := geom.ExecContext(ctx, w.env.IDs.Geometry.Next(), id, nullString(g.GMLID), g.WKT); err != nil {
			return 0, 0, fmt.Errorf("failed to insert geometry %s: %w", g.GMLID, err)
		}
		geoms++
	}

	texture := tx.StmtContext(ctx, w.texture)
	for _, uri := range f.Textures {
		data, err := w.readTexture(f.BaseDir, uri)
		if err != nil {
			return 0, 0, err
		}
		if _, err := texture.ExecContext(ctx, w.env.IDs.Texture.Next(), id, uri, data); err != nil {
			return 0, 0, fmt.Errorf("failed to insert texture %s: %w", uri, err)
		}
		if data != nil {
			textures++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit feature %s: %w", f.GMLID, err)
	}
	return geoms, textures, nil
}

// readTexture возвращает содержимое файла текстуры
// Отсутствующий файл не ошибка: строка tex_image хранит только URI
func (w *Worker) readTexture(baseDir, uri string) (any, error) {
	if !w.env.ImportTextures {
		return nil, nil
	}
	path := filepath.FromSlash(uri)
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		w.log.Warn().Str("file", path).Msg("Texture file not found")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read texture %s: %w", path, err)
	}
	return data, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (w *Worker) fail(reason string, err error) {
	w.env.Interrupt.Fail(reason, &events.RunError{Op: "import", Phase: events.PhaseWork, Err: err})
}

func (w *Worker) flushCounters() {
	d := w.env.Dispatcher
	if len(w.topLevel) > 0 {
		d.TriggerEvent(events.CounterEvent{Type: events.CounterTopLevelFeature, Counts: w.topLevel, Source: "import-worker"})
		w.topLevel = make(map[string]int64)
	}
	if w.geometries > 0 {
		d.TriggerEvent(events.CounterEvent{Type: events.CounterGeometry, Counts: map[string]int64{"surface_geometry": w.geometries}, Source: "import-worker"})
		w.geometries = 0
	}
	if w.textures > 0 {
		d.TriggerEvent(events.CounterEvent{Type: events.CounterTextureImage, Counts: map[string]int64{"tex_image": w.textures}, Source: "import-worker"})
		w.textures = 0
	}
	if w.processed > 0 {
		d.TriggerEvent(events.ProgressBarEvent{Mode: events.ProgressUpdate, Value: int64(w.processed)})
		w.processed = 0
	}
}

// Shutdown отправляет остаток счетчиков и освобождает подключение
func (w *Worker) Shutdown() {
	w.flushCounters()
	w.closeStatements()
	if err := w.conn.Close(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to release connection")
	}
}

func (w *Worker) closeStatements() {
	for _, stmt := range []**sql.Stmt{&w.exists, &w.object, &w.attrib, &w.geom, &w.texture} {
		if *stmt != nil {
			if err := (*stmt).Close(); err != nil {
				w.log.Warn().Err(err).Msg("Failed to close statement")
			}
			*stmt = nil
		}
	}
}
