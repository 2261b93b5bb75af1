package deleter

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/citydb"
	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
)

// CounterBatch - число объектов, после которого воркер отправляет счетчики
const CounterBatch = 20

// Mode - способ удаления
type Mode string

const (
	// ModeDelete удаляет строки объекта
	ModeDelete Mode = "delete"
	// ModeTerminate проставляет termination_date, строки остаются
	ModeTerminate Mode = "terminate"
)

// ParseMode разбирает режим удаления
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDelete, ModeTerminate:
		return m, nil
	case "":
		return ModeDelete, nil
	default:
		return "", fmt.Errorf("unknown delete mode %q", s)
	}
}

// Env - общие зависимости воркеров одного запуска
type Env struct {
	Adapter    adapters.Adapter
	Dispatcher *events.Dispatcher
	Interrupt  *events.Interrupt
	Mode       Mode

	// TerminationDate - значение termination_date в режиме terminate
	TerminationDate time.Time
	Logger          zerolog.Logger
}

var workerSeq atomic.Int64

// Worker удаляет или терминирует один объект за раз в своей транзакции
type Worker struct {
	id   int64
	env  Env
	conn *sql.Conn
	log  zerolog.Logger

	processed int
	topLevel  map[string]int64
}

// NewWorkerFactory возвращает фабрику воркеров удаления
func NewWorkerFactory(env Env) concurrent.WorkerFactory[splitter.SplittingResult] {
	return concurrent.WorkerFactoryFunc[splitter.SplittingResult](func(ctx context.Context) (concurrent.Worker[splitter.SplittingResult], error) {
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
		log:      env.Logger.With().Str("component", "delete-worker").Int64("worker", id).Logger(),
	}, nil
}

// DoWork удаляет объект. Прерывание отменяет выполняющийся запрос
func (w *Worker) DoWork(ctx context.Context, item splitter.SplittingResult) {
	if w.env.Interrupt.IsSet() {
		return
	}

	sctx, cancel := w.env.Interrupt.Context(ctx)
	defer cancel()

	var (
		affected int64
		err      error
	)
	if w.env.Mode == ModeTerminate {
		affected, err = w.terminate(sctx, item.ID)
	} else {
		affected, err = w.delete(sctx, item.ID)
	}
	if err != nil {
		if w.env.Interrupt.IsSet() {
			// запрос отменен прерыванием
			return
		}
		w.env.Interrupt.Fail(fmt.Sprintf("A SQL error occurred while processing %s (id %d)", item.Type.Name, item.ID),
			&events.RunError{Op: "delete", Phase: events.PhaseWork, Err: err})
		return
	}
	if affected == 0 {
		w.log.Debug().Int64("id", item.ID).Msg("Feature already deleted or terminated, skipping")
		return
	}

	w.topLevel[item.Type.Name]++
	w.processed++
	if w.processed == CounterBatch {
		w.flushCounters()
	}
}

func (w *Worker) delete(ctx context.Context, id int64) (int64, error) {
	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p := w.env.Adapter.Dialect().Placeholder(1)
	for _, table := range citydb.ChildTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE cityobject_id = "+p, id); err != nil {
			return 0, fmt.Errorf("failed to delete from %s for %d: %w", table, id, err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM "+citydb.TableCityObject+" WHERE id = "+p, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cityobject %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit deletion of %d: %w", id, err)
	}
	return affected, nil
}

func (w *Worker) terminate(ctx context.Context, id int64) (int64, error) {
	d := w.env.Adapter.Dialect()
	ts := w.env.TerminationDate
	res, err := w.conn.ExecContext(ctx, "UPDATE "+citydb.TableCityObject+
		" SET termination_date = "+d.Placeholder(1)+", last_modification_date = "+d.Placeholder(2)+
		" WHERE id = "+d.Placeholder(3)+" AND termination_date IS NULL", ts, ts, id)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate cityobject %d: %w", id, err)
	}
	return res.RowsAffected()
}

func (w *Worker) flushCounters() {
	if len(w.topLevel) > 0 {
		w.env.Dispatcher.TriggerEvent(events.CounterEvent{Type: events.CounterTopLevelFeature, Counts: w.topLevel, Source: "delete-worker"})
		w.topLevel = make(map[string]int64)
	}
	if w.processed > 0 {
		w.env.Dispatcher.TriggerEvent(events.ProgressBarEvent{Mode: events.ProgressUpdate, Value: int64(w.processed)})
		w.processed = 0
	}
}

// Shutdown отправляет остаток счетчиков и освобождает подключение
func (w *Worker) Shutdown() {
	w.flushCounters()
	if err := w.conn.Close(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to release connection")
	}
}
