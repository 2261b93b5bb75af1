package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/cache"
	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/query"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// Op - имя операции экспорта CityGML
const Op = "export"

// Error - ошибка запуска экспорта с фазой
type Error = events.RunError

// ErrSpatialIndexDisabled - по envelope нет индекса, пространственный
// запрос выполнялся бы полным просмотром
var ErrSpatialIndexDisabled = errors.New("spatial index on cityobject envelope is not enabled")

// Config - параметры экспорта
type Config struct {
	Query *query.Query

	// OutputFile - путь выходного файла. Для тайлов к имени добавляется _<row>_<col>
	OutputFile       string
	Compress         bool
	CompressionLevel int

	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int
	WriterQueue   int

	CalculateHits bool

	// Dedup - пропускать объекты с уже выгруженным gml:id (в том числе между тайлами)
	Dedup   bool
	IDCache cache.IDCacheConfig
	Cache   cache.Config

	ExportTextures bool
	TextureDir     string

	// SkipIndexCheck - не проверять пространственный индекс перед запуском
	SkipIndexCheck bool
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.MaxWorkers * 20
	}
	if c.WriterQueue <= 0 {
		c.WriterQueue = 100
	}
	if c.TextureDir == "" {
		c.TextureDir = "appearance"
	}
}

// TileResult - итог одного тайла
type TileResult struct {
	Tile     *query.Tile
	Path     string
	Emitted  int64
	Counters *events.Counters
}

// Result - итог экспорта
type Result struct {
	Emitted  int64
	Counters *events.Counters
	Tiles    []TileResult
	Files    []string
	Aborted  bool
}

// Exporter - контроллер экспорта
//
// Фазы: подготовка, затем для каждого тайла разбиение с параллельной
// обработкой, дренаж пула и закрытие выходного файла, в конце очистка
// кэш-таблиц, которая выполняется при любом исходе.
type Exporter struct {
	adapter    adapters.Adapter
	registry   *schema.Registry
	dispatcher *events.Dispatcher
	interrupt  *events.Interrupt
	cfg        Config
	log        zerolog.Logger

	// Op - имя операции в логах и ошибках
	Op string

	// Format - обрамление выходного документа
	Format writer.Format

	// Exporters - сериализаторы по типам объектов
	Exporters *Registry

	// NewWorkerFactory строит фабрику воркеров для запуска
	NewWorkerFactory func(env Env) concurrent.WorkerFactory[splitter.SplittingResult]

	// OpenSink открывает выходной поток и возвращает фактический путь
	OpenSink func(path string) (writer.Sink, string, error)

	// DisplayForm проставляется в каждую единицу работы
	DisplayForm string

	pool        atomic.Pointer[concurrent.WorkerPool[splitter.SplittingResult]]
	tileCounter atomic.Pointer[events.Counters]
}

// NewExporter создает контроллер экспорта CityGML
func NewExporter(adapter adapters.Adapter, registry *schema.Registry, dispatcher *events.Dispatcher,
	interrupt *events.Interrupt, cfg Config, log zerolog.Logger) *Exporter {
	cfg.SetDefaults()
	e := &Exporter{
		adapter:          adapter,
		registry:         registry,
		dispatcher:       dispatcher,
		interrupt:        interrupt,
		cfg:              cfg,
		log:              log.With().Str("component", "exporter").Logger(),
		Op:               Op,
		Format:           writer.CityGML,
		Exporters:        NewRegistry(),
		NewWorkerFactory: NewWorkerFactory,
	}
	e.OpenSink = e.openFileSink
	return e
}

func (e *Exporter) openFileSink(path string) (writer.Sink, string, error) {
	sink, err := writer.NewFileSink(path, e.Format, writer.FileOptions{
		Compress: e.cfg.Compress,
		Level:    e.cfg.CompressionLevel,
	})
	if err != nil {
		return nil, "", err
	}
	return sink, sink.Path(), nil
}

// DoProcess выполняет экспорт
// Отмена ctx равносильна отмене пользователем: запуск завершается
// с Result.Aborted и без ошибки
func (e *Exporter) DoProcess(ctx context.Context) (*Result, error) {
	started := time.Now()
	q := e.cfg.Query
	if q == nil {
		return nil, &Error{Op: e.Op, Phase: events.PhasePrepare, Err: errors.New("no query")}
	}

	if err := e.prepare(ctx, q); err != nil {
		return nil, &Error{Op: e.Op, Phase: events.PhasePrepare, Err: err}
	}

	result := &Result{Counters: events.NewCounters()}

	counterID := e.dispatcher.OnCounter(func(ev events.CounterEvent) {
		if c := e.tileCounter.Load(); c != nil {
			c.Add(ev)
		}
	})
	interruptID := e.dispatcher.OnInterrupt(func(ev events.InterruptEvent) {
		if p := e.pool.Load(); p != nil {
			p.DrainWorkQueue()
		}
		e.dispatcher.TriggerEvent(events.ProgressBarEvent{Mode: events.ProgressIndeterminate})
	})
	defer func() {
		e.dispatcher.RemoveHandler(counterID)
		e.dispatcher.RemoveHandler(interruptID)
	}()

	stop := context.AfterFunc(ctx, func() {
		e.interrupt.Cancel(e.abortMessage())
	})
	defer stop()

	cacheCfg := e.cfg.Cache
	cacheCfg.Logger = e.log
	manager, err := cache.NewManager(ctx, e.adapter, cacheCfg)
	if err != nil {
		return nil, &Error{Op: e.Op, Phase: events.PhasePrepare, Err: err}
	}

	runErr := e.run(ctx, q, manager, result)
	if ctx.Err() != nil {
		// AfterFunc мог не успеть сработать до окончания обхода
		e.interrupt.Cancel(e.abortMessage())
	}

	// очистка выполняется при любом исходе и не подменяет основную ошибку
	cleanupCtx := context.WithoutCancel(ctx)
	cleanupErr := manager.DropAll(cleanupCtx)
	if err := e.dispatcher.FlushEvents(cleanupCtx); err != nil {
		cleanupErr = errors.Join(cleanupErr, err)
	}
	if cleanupErr != nil {
		e.log.Warn().Err(cleanupErr).Msg("Cleanup finished with errors")
	}

	if runErr == nil {
		if ev, ok := e.interrupt.Event(); ok {
			if ev.UserCancelled {
				result.Aborted = true
			} else {
				runErr = asRunError(e.Op, ev.Cause)
			}
		}
	}

	e.logSummary(result, started, runErr)

	switch {
	case runErr != nil:
		return result, runErr
	case cleanupErr != nil:
		return result, &Error{Op: e.Op, Phase: events.PhaseCleanup, Err: cleanupErr}
	}
	return result, nil
}

// prepare проверяет запрос, рабочее пространство и пространственный индекс
func (e *Exporter) prepare(ctx context.Context, q *query.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}

	if q.BBox != nil && !e.cfg.SkipIndexCheck {
		ok, err := e.adapter.IsIndexEnabled(ctx, citydb.TableCityObject, citydb.ColumnEnvMinX)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSpatialIndexDisabled
		}
	}

	if q.Workspace != "" {
		conn, err := e.adapter.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire connection: %w", err)
		}
		defer conn.Close()
		ok, err := e.adapter.GotoWorkspace(ctx, conn, q.Workspace, q.WorkspaceTimestamp)
		if err != nil {
			return fmt.Errorf("failed to switch workspace: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", splitter.ErrWorkspaceNotFound, q.Workspace)
		}
	}
	return nil
}

func (e *Exporter) run(ctx context.Context, q *query.Query, manager *cache.Manager, result *Result) error {
	var dedup *cache.IDCache
	if e.cfg.Dedup {
		idCfg := e.cfg.IDCache
		idCfg.Model = cache.ModelGMLIDFeature
		var err error
		if dedup, err = cache.NewIDCache(manager, idCfg); err != nil {
			return &Error{Op: e.Op, Phase: events.PhasePrepare, Err: err}
		}
	}

	queries := []*query.Query{q}
	if q.IsTiled() {
		queries = queries[:0]
		for _, t := range q.Tiling.Tiles() {
			queries = append(queries, q.ForTile(t))
		}
		e.log.Info().Int("rows", q.Tiling.Rows).Int("columns", q.Tiling.Columns).Msg("Exporting tiles")
	}

	for _, tq := range queries {
		if e.interrupt.IsSet() {
			break
		}
		tr, err := e.runTile(ctx, tq, dedup)
		if tr != nil {
			result.Tiles = append(result.Tiles, *tr)
			result.Files = append(result.Files, tr.Path)
			result.Emitted += tr.Emitted
			result.Counters.Merge(tr.Counters)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) runTile(ctx context.Context, q *query.Query, dedup *cache.IDCache) (*TileResult, error) {
	log := e.log
	if q.Tile != nil {
		log = log.With().Str("tile", q.Tile.Name()).Logger()
		log.Info().Msg("Exporting tile")
	}

	sink, path, err := e.OpenSink(e.outputPath(q.Tile))
	if err != nil {
		e.interrupt.Fail("Failed to open output", err)
		return nil, &Error{Op: e.Op, Phase: events.PhaseWrite, Err: err}
	}

	tr := &TileResult{Tile: q.Tile, Path: path, Counters: events.NewCounters()}
	e.tileCounter.Store(tr.Counters)

	w, err := writer.New(ctx, sink, e.interrupt, writer.Config{
		Name:          e.Op + "-writer",
		QueueCapacity: e.cfg.WriterQueue,
		Logger:        e.log,
	})
	if err != nil {
		sink.Close()
		e.interrupt.Fail("Failed to open output", err)
		return tr, &Error{Op: e.Op, Phase: events.PhaseWrite, Err: err}
	}

	env := Env{
		Adapter:        e.adapter,
		Exporters:      e.Exporters,
		Writer:         w,
		Dispatcher:     e.dispatcher,
		Interrupt:      e.interrupt,
		Dedup:          dedup,
		OutputDir:      filepath.Dir(path),
		ExportTextures: e.cfg.ExportTextures,
		Options:        Options{TextureDir: e.cfg.TextureDir},
		Logger:         e.log,
	}
	pool := concurrent.NewWorkerPool[splitter.SplittingResult](concurrent.Config{
		Name:          e.Op,
		MinWorkers:    e.cfg.MinWorkers,
		MaxWorkers:    e.cfg.MaxWorkers,
		QueueCapacity: e.cfg.QueueCapacity,
		Logger:        e.log,
	}, e.NewWorkerFactory(env))

	if err := pool.Prestart(ctx); err != nil {
		if ctx.Err() != nil {
			// отменено до старта воркеров: документ закрывается пустым
			e.interrupt.Cancel(e.abortMessage())
			if err := w.Close(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("Failed to close output")
			}
			return tr, nil
		}
		w.Abort()
		e.interrupt.Fail("Failed to start workers", err)
		return tr, &Error{Op: e.Op, Phase: events.PhasePrepare, Err: err}
	}
	e.pool.Store(pool)
	defer e.pool.Store(nil)

	sp := splitter.New(e.adapter, e.registry, e.dispatcher, e.interrupt, e.log)
	sp.CalculateHits = e.cfg.CalculateHits
	sp.Dedup = dedup
	sp.DisplayForm = e.DisplayForm

	emitted, splitErr := sp.StartQuery(ctx, q, pool)
	tr.Emitted = emitted
	if splitErr != nil {
		e.interrupt.Fail("Failed to query features", &Error{Op: e.Op, Phase: events.PhaseSplit, Err: splitErr})
	}

	if e.interrupt.IsSet() {
		pool.DrainWorkQueue()
	}
	pool.ShutdownAndWait()

	var writeErr error
	if ev, ok := e.interrupt.Event(); ok && !ev.UserCancelled {
		w.Abort()
	} else if err := w.Close(ctx); err != nil {
		e.interrupt.Fail("Failed to write output", err)
		writeErr = &Error{Op: e.Op, Phase: events.PhaseWrite, Err: err}
	}

	if err := e.dispatcher.FlushEvents(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("Failed to flush events")
	}

	if emitted == 0 && !e.interrupt.IsSet() {
		log.Info().Msg("No feature matches the request")
	}
	log.Info().
		Int64("emitted", emitted).
		Int64("exported", tr.Counters.Total(events.CounterTopLevelFeature)).
		Str("file", path).
		Msg("Output written")
	return tr, writeErr
}

// outputPath возвращает путь файла тайла: <name>_<row>_<col><ext>
func (e *Exporter) outputPath(tile *query.Tile) string {
	p := e.cfg.OutputFile
	ext := filepath.Ext(p)
	if ext == "" {
		ext = e.Format.Extension
		p += ext
	}
	if tile == nil {
		return p
	}
	return strings.TrimSuffix(p, ext) + "_" + tile.Name() + ext
}

func (e *Exporter) logSummary(result *Result, started time.Time, err error) {
	c := result.Counters
	for _, name := range c.Names(events.CounterTopLevelFeature) {
		e.log.Info().Str("type", name).Int64("count", c.Get(events.CounterTopLevelFeature, name)).Msg("Exported top-level features")
	}

	ev := e.log.Info()
	status := "completed"
	switch {
	case err != nil:
		ev = e.log.Error().Err(err)
		status = "failed"
	case result.Aborted:
		status = "aborted"
	}
	ev.Str("status", status).
		Int64("features", c.Total(events.CounterTopLevelFeature)).
		Int64("geometries", c.Total(events.CounterGeometry)).
		Int64("textures", c.Total(events.CounterTextureImage)).
		Int64("duplicates", c.Total(events.CounterDuplicate)).
		Dur("elapsed", time.Since(started)).
		Msg(title(e.Op) + " finished")
}

func (e *Exporter) abortMessage() string {
	return title(e.Op) + " aborted by user"
}

func title(op string) string {
	if op == "" {
		return op
	}
	return strings.ToUpper(op[:1]) + op[1:]
}

// asRunError приводит причину прерывания к *Error
// Причина без фазы считается ошибкой записи
func asRunError(op string, cause error) error {
	var re *Error
	if errors.As(cause, &re) {
		return re
	}
	if cause == nil {
		cause = events.ErrInterrupted
	}
	return &Error{Op: op, Phase: events.PhaseWrite, Err: cause}
}
