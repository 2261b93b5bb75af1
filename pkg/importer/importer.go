// Package importer загружает CityGML документы, записанные экспортом,
// обратно в базу 3DCityDB.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/cache"
	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

// Op - имя операции в логах и ошибках
const Op = "import"

// Config - параметры импорта
type Config struct {
	// Inputs - файлы CityGML, сжатые zstd распознаются автоматически
	Inputs []string

	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int

	// Dedup - импортировать только первый объект с данным gml:id
	Dedup   bool
	IDCache cache.IDCacheConfig
	Cache   cache.Config

	SkipExisting   bool
	ImportTextures bool
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
}

// Result - итог импорта
type Result struct {
	Read     int64
	Skipped  int64
	Imported int64
	Counters *events.Counters
	Sources  []string
	Aborted  bool
}

// Importer - контроллер импорта
// Источники читаются последовательно в вызывающей горутине,
// объекты пишутся в БД пулом воркеров
type Importer struct {
	adapter    adapters.Adapter
	registry   *schema.Registry
	dispatcher *events.Dispatcher
	interrupt  *events.Interrupt
	cfg        Config
	log        zerolog.Logger

	sources []Source
	pool    atomic.Pointer[concurrent.WorkerPool[*Feature]]
}

// NewImporter создает контроллер импорта
func NewImporter(adapter adapters.Adapter, registry *schema.Registry, dispatcher *events.Dispatcher,
	interrupt *events.Interrupt, cfg Config, log zerolog.Logger) *Importer {
	cfg.SetDefaults()
	return &Importer{
		adapter:    adapter,
		registry:   registry,
		dispatcher: dispatcher,
		interrupt:  interrupt,
		cfg:        cfg,
		log:        log.With().Str("component", "importer").Logger(),
	}
}

// AddSource добавляет источник, читаемый после файлов из Config.Inputs
// Importer закрывает источник по окончании запуска
func (im *Importer) AddSource(src Source) {
	im.sources = append(im.sources, src)
}

// DoProcess выполняет импорт
func (im *Importer) DoProcess(ctx context.Context) (*Result, error) {
	started := time.Now()

	sources, err := im.openSources()
	if err != nil {
		return nil, &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
	}
	defer func() {
		for _, src := range sources {
			if err := src.Close(); err != nil {
				im.log.Warn().Err(err).Str("source", src.Name()).Msg("Failed to close source")
			}
		}
	}()

	ids, err := LoadIDs(ctx, im.adapter.DB())
	if err != nil {
		return nil, &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
	}

	result := &Result{Counters: events.NewCounters()}
	for _, src := range sources {
		result.Sources = append(result.Sources, src.Name())
	}

	counterID := im.dispatcher.OnCounter(result.Counters.Add)
	interruptID := im.dispatcher.OnInterrupt(func(events.InterruptEvent) {
		if p := im.pool.Load(); p != nil {
			p.DrainWorkQueue()
		}
	})
	defer func() {
		im.dispatcher.RemoveHandler(counterID)
		im.dispatcher.RemoveHandler(interruptID)
	}()

	stop := context.AfterFunc(ctx, func() {
		im.interrupt.Cancel("Import aborted by user")
	})
	defer stop()

	cacheCfg := im.cfg.Cache
	cacheCfg.Logger = im.log
	manager, err := cache.NewManager(ctx, im.adapter, cacheCfg)
	if err != nil {
		return nil, &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
	}

	runErr := im.run(ctx, sources, manager, ids, result)
	if ctx.Err() != nil {
		im.interrupt.Cancel("Import aborted by user")
	}

	cleanupCtx := context.WithoutCancel(ctx)
	cleanupErr := manager.DropAll(cleanupCtx)
	if err := im.dispatcher.FlushEvents(cleanupCtx); err != nil {
		cleanupErr = errors.Join(cleanupErr, err)
	}
	if cleanupErr != nil {
		im.log.Warn().Err(cleanupErr).Msg("Cleanup finished with errors")
	}

	if runErr == nil {
		if ev, ok := im.interrupt.Event(); ok {
			if ev.UserCancelled {
				result.Aborted = true
			} else {
				runErr = asRunError(ev.Cause)
			}
		}
	}
	result.Imported = result.Counters.Total(events.CounterTopLevelFeature)
	im.logSummary(result, started, runErr)

	switch {
	case runErr != nil:
		return result, runErr
	case cleanupErr != nil:
		return result, &events.RunError{Op: Op, Phase: events.PhaseCleanup, Err: cleanupErr}
	}
	return result, nil
}

func (im *Importer) openSources() ([]Source, error) {
	sources := make([]Source, 0, len(im.cfg.Inputs)+len(im.sources))
	for _, path := range im.cfg.Inputs {
		src, err := NewFileSource(path, im.registry)
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return nil, err
		}
		sources = append(sources, src)
	}
	sources = append(sources, im.sources...)
	im.sources = nil
	if len(sources) == 0 {
		return nil, errors.New("no input")
	}
	return sources, nil
}

func (im *Importer) run(ctx context.Context, sources []Source, manager *cache.Manager, ids *IDs, result *Result) error {
	env := Env{
		Adapter:        im.adapter,
		Dispatcher:     im.dispatcher,
		Interrupt:      im.interrupt,
		IDs:            ids,
		SkipExisting:   im.cfg.SkipExisting,
		ImportTextures: im.cfg.ImportTextures,
		Logger:         im.log,
	}
	if im.cfg.Dedup {
		idCfg := im.cfg.IDCache
		idCfg.Model = cache.ModelImportFeatureIDs
		dedup, err := cache.NewIDCache(manager, idCfg)
		if err != nil {
			return &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
		}
		env.Dedup = dedup
	}

	pool := concurrent.NewWorkerPool[*Feature](concurrent.Config{
		Name:          Op,
		MinWorkers:    im.cfg.MinWorkers,
		MaxWorkers:    im.cfg.MaxWorkers,
		QueueCapacity: im.cfg.QueueCapacity,
		Logger:        im.log,
	}, NewWorkerFactory(env))
	if err := pool.Prestart(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
	}
	im.pool.Store(pool)
	defer im.pool.Store(nil)

	for _, src := range sources {
		if im.interrupt.IsSet() {
			break
		}
		im.log.Info().Str("source", src.Name()).Msg("Reading input")
		if err := im.readSource(ctx, src, pool, result); err != nil {
			im.interrupt.Fail(fmt.Sprintf("Failed to read %s", src.Name()), &events.RunError{Op: Op, Phase: events.PhaseSplit, Err: err})
			break
		}
	}

	if im.interrupt.IsSet() {
		pool.DrainWorkQueue()
	}
	pool.ShutdownAndWait()

	if result.Read == 0 && !im.interrupt.IsSet() {
		im.log.Info().Msg("No feature found in input")
	}
	return nil
}

// readSource передает объекты источника в пул
// Прерывание проверяется перед каждым объектом и не считается ошибкой
func (im *Importer) readSource(ctx context.Context, src Source, pool *concurrent.WorkerPool[*Feature], result *Result) error {
	for !im.interrupt.IsSet() {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ErrUnknownFeatureType) {
			im.log.Error().Err(err).Str("source", src.Name()).Msg("Skipping feature of unsupported type")
			result.Skipped++
			continue
		}
		if err != nil {
			if im.interrupt.IsSet() || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := pool.AddWork(ctx, f); err != nil {
			if im.interrupt.IsSet() || ctx.Err() != nil || errors.Is(err, concurrent.ErrPoolShutdown) {
				return nil
			}
			return err
		}
		result.Read++
		if err := src.Ack(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) logSummary(result *Result, started time.Time, err error) {
	c := result.Counters
	for _, name := range c.Names(events.CounterTopLevelFeature) {
		im.log.Info().Str("type", name).Int64("count", c.Get(events.CounterTopLevelFeature, name)).Msg("Imported top-level features")
	}

	ev := im.log.Info()
	status := "completed"
	switch {
	case err != nil:
		ev = im.log.Error().Err(err)
		status = "failed"
	case result.Aborted:
		status = "aborted"
	}
	ev.Str("status", status).
		Int64("read", result.Read).
		Int64("skipped", result.Skipped).
		Int64("features", result.Imported).
		Int64("geometries", c.Total(events.CounterGeometry)).
		Int64("textures", c.Total(events.CounterTextureImage)).
		Int64("duplicates", c.Total(events.CounterDuplicate)).
		Dur("elapsed", time.Since(started)).
		Msg("Import finished")
}

func asRunError(cause error) error {
	var re *events.RunError
	if errors.As(cause, &re) {
		return re
	}
	if cause == nil {
		cause = events.ErrInterrupted
	}
	return &events.RunError{Op: Op, Phase: events.PhaseWork, Err: cause}
}
