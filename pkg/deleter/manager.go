// Package deleter удаляет или терминирует объекты верхнего уровня,
// выбранные запросом или списком gml:id.
package deleter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/cache"
	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/query"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
)

// Op - имя операции в логах и ошибках
const Op = "delete"

// ErrTiledDelete - удаление не поддерживает тайлы
var ErrTiledDelete = errors.New("tiling is not supported for delete")

// Config - параметры удаления
type Config struct {
	Query *query.Query
	Mode  Mode

	// List - gml:id объектов. Если задан, удаляются только объекты
	// из списка, дополнительно отфильтрованные запросом
	List []string

	// TerminationDate - по умолчанию момент запуска
	TerminationDate time.Time

	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int

	CalculateHits bool
	Cache         cache.Config
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDelete
	}
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

// Result - итог удаления
type Result struct {
	Mode      Mode
	Emitted   int64
	Processed int64
	Counters  *events.Counters
	Aborted   bool
}

// DeleteManager - контроллер удаления
type DeleteManager struct {
	adapter    adapters.Adapter
	registry   *schema.Registry
	dispatcher *events.Dispatcher
	interrupt  *events.Interrupt
	cfg        Config
	log        zerolog.Logger

	pool atomic.Pointer[concurrent.WorkerPool[splitter.SplittingResult]]
}

// NewDeleteManager создает контроллер удаления
func NewDeleteManager(adapter adapters.Adapter, registry *schema.Registry, dispatcher *events.Dispatcher,
	interrupt *events.Interrupt, cfg Config, log zerolog.Logger) *DeleteManager {
	cfg.SetDefaults()
	return &DeleteManager{
		adapter:    adapter,
		registry:   registry,
		dispatcher: dispatcher,
		interrupt:  interrupt,
		cfg:        cfg,
		log:        log.With().Str("component", "deleter").Logger(),
	}
}

// DoProcess выполняет удаление
// Отмена ctx прерывает выполняющиеся запросы; уже удаленные объекты
// остаются удаленными, запуск завершается с Result.Aborted и без ошибки
func (m *DeleteManager) DoProcess(ctx context.Context) (*Result, error) {
	started := time.Now()
	q := m.cfg.Query
	if err := m.validate(q); err != nil {
		return nil, &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
	}

	ts := m.cfg.TerminationDate
	if ts.IsZero() {
		ts = started.UTC()
	}
	result := &Result{Mode: m.cfg.Mode, Counters: events.NewCounters()}

	counterID := m.dispatcher.OnCounter(result.Counters.Add)
	interruptID := m.dispatcher.OnInterrupt(func(events.InterruptEvent) {
		if p := m.pool.Load(); p != nil {
			p.DrainWorkQueue()
		}
	})
	defer func() {
		m.dispatcher.RemoveHandler(counterID)
		m.dispatcher.RemoveHandler(interruptID)
	}()

	stop := context.AfterFunc(ctx, func() {
		m.interrupt.Cancel("Delete aborted by user")
	})
	defer stop()

	cacheCfg := m.cfg.Cache
	cacheCfg.Logger = m.log
	if m.cfg.List != nil && cacheCfg.Local {
		// список соединяется с cityobject в одном запросе
		m.log.Warn().Msg("Delete list requires cache tables in the target database, local cache disabled")
		cacheCfg.Local = false
	}
	manager, err := cache.NewManager(ctx, m.adapter, cacheCfg)
	if err != nil {
		return nil, &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
	}

	runErr := m.run(ctx, q, manager, ts, result)
	if ctx.Err() != nil {
		m.interrupt.Cancel("Delete aborted by user")
	}

	cleanupCtx := context.WithoutCancel(ctx)
	cleanupErr := manager.DropAll(cleanupCtx)
	if err := m.dispatcher.FlushEvents(cleanupCtx); err != nil {
		cleanupErr = errors.Join(cleanupErr, err)
	}
	if cleanupErr != nil {
		m.log.Warn().Err(cleanupErr).Msg("Cleanup finished with errors")
	}

	if runErr == nil {
		if ev, ok := m.interrupt.Event(); ok {
			if ev.UserCancelled {
				result.Aborted = true
			} else {
				runErr = asRunError(ev.Cause)
			}
		}
	}
	result.Processed = result.Counters.Total(events.CounterTopLevelFeature)
	m.logSummary(result, started, runErr)

	switch {
	case runErr != nil:
		return result, runErr
	case cleanupErr != nil:
		return result, &events.RunError{Op: Op, Phase: events.PhaseCleanup, Err: cleanupErr}
	}
	return result, nil
}

func (m *DeleteManager) validate(q *query.Query) error {
	if q == nil {
		return errors.New("no query")
	}
	if _, err := ParseMode(string(m.cfg.Mode)); err != nil {
		return err
	}
	if q.IsTiled() {
		return ErrTiledDelete
	}
	return q.Validate()
}

func (m *DeleteManager) run(ctx context.Context, q *query.Query, manager *cache.Manager, ts time.Time, result *Result) error {
	if m.cfg.List != nil {
		table, err := StageList(ctx, manager, m.cfg.List)
		if err != nil {
			return &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
		}
		m.log.Info().Int("ids", len(m.cfg.List)).Msg("Delete list staged")
		staged := *q
		staged.GMLIDTable = table.Name()
		q = &staged
	}

	env := Env{
		Adapter:         m.adapter,
		Dispatcher:      m.dispatcher,
		Interrupt:       m.interrupt,
		Mode:            m.cfg.Mode,
		TerminationDate: ts,
		Logger:          m.log,
	}
	pool := concurrent.NewWorkerPool[splitter.SplittingResult](concurrent.Config{
		Name:          Op,
		MinWorkers:    m.cfg.MinWorkers,
		MaxWorkers:    m.cfg.MaxWorkers,
		QueueCapacity: m.cfg.QueueCapacity,
		Logger:        m.log,
	}, NewWorkerFactory(env))
	if err := pool.Prestart(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
	}
	m.pool.Store(pool)
	defer m.pool.Store(nil)

	sp := splitter.New(m.adapter, m.registry, m.dispatcher, m.interrupt, m.log)
	sp.CalculateHits = m.cfg.CalculateHits

	emitted, splitErr := sp.StartQuery(ctx, q, pool)
	result.Emitted = emitted
	if splitErr != nil {
		m.interrupt.Fail("Failed to query features", &events.RunError{Op: Op, Phase: events.PhaseSplit, Err: splitErr})
	}

	if m.interrupt.IsSet() {
		pool.DrainWorkQueue()
	}
	pool.ShutdownAndWait()

	if emitted == 0 && !m.interrupt.IsSet() {
		m.log.Info().Msg("No feature matches the request")
	}
	return nil
}

func (m *DeleteManager) logSummary(result *Result, started time.Time, err error) {
	c := result.Counters
	verb := "Deleted"
	if result.Mode == ModeTerminate {
		verb = "Terminated"
	}
	for _, name := range c.Names(events.CounterTopLevelFeature) {
		m.log.Info().Str("type", name).Int64("count", c.Get(events.CounterTopLevelFeature, name)).Msg(verb + " top-level features")
	}

	ev := m.log.Info()
	status := "completed"
	switch {
	case err != nil:
		ev = m.log.Error().Err(err)
		status = "failed"
	case result.Aborted:
		status = "aborted"
	}
	ev.Str("status", status).
		Str("mode", string(result.Mode)).
		Int64("emitted", result.Emitted).
		Int64("features", result.Processed).
		Dur("elapsed", time.Since(started)).
		Msg("Delete finished")
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
