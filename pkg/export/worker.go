package export

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/cache"
	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// CounterBatch - число объектов, после которого воркер отправляет счетчики
const CounterBatch = 20

// State - состояние воркера экспорта
type State int32

const (
	StateIdle State = iota
	StateCheckingDuplicate
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingDuplicate:
		return "checking_duplicate"
	case StateProcessing:
		return "processing"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// RecordWriter принимает сериализованные объекты
type RecordWriter interface {
	Write(ctx context.Context, r writer.Record) error
}

// Env - общие зависимости воркеров одного запуска
type Env struct {
	Adapter    adapters.Adapter
	Exporters  *Registry
	Writer     RecordWriter
	Dispatcher *events.Dispatcher
	Interrupt  *events.Interrupt
	Dedup      *cache.IDCache

	// OutputDir - каталог выходного файла, от него считаются пути текстур
	OutputDir      string
	ExportTextures bool
	Options        Options
	Logger         zerolog.Logger
}

var workerSeq atomic.Int64

// Worker превращает id объекта в запись выходного документа
// Владеет своим подключением и экспортерами по типам объектов
type Worker struct {
	id        int64
	env       Env
	conn      *sql.Conn
	blobs     adapters.BlobExporter
	exporters map[*schema.FeatureType]FeatureExporter
	state     atomic.Int32
	log       zerolog.Logger

	processed  int
	topLevel   map[string]int64
	geometries int64
	textures   int64
}

// NewWorkerFactory возвращает фабрику воркеров экспорта
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
	w := &Worker{
		id:        id,
		env:       env,
		conn:      conn,
		exporters: make(map[*schema.FeatureType]FeatureExporter),
		topLevel:  make(map[string]int64),
		log:       env.Logger.With().Str("component", "worker").Int64("worker", id).Logger(),
	}
	if env.ExportTextures {
		w.blobs = env.Adapter.BlobExporter(conn, adapters.BlobTextureImage)
	}
	return w, nil
}

// State возвращает текущее состояние
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// DoWork выгружает один объект
// Ошибка SQL или записи прерывает весь запуск
func (w *Worker) DoWork(ctx context.Context, item splitter.SplittingResult) {
	defer w.setState(StateIdle)

	if w.env.Interrupt.IsSet() {
		return
	}

	if w.env.Dedup != nil && !item.CheckedForDuplicate && item.GMLID != "" {
		w.setState(StateCheckingDuplicate)
		existed, err := w.env.Dedup.PutIfAbsent(ctx, item.GMLID, item.ID, int64(item.ObjectClassID))
		if err != nil {
			w.fail(fmt.Sprintf("Failed to check gml:id %s", item.GMLID), err)
			return
		}
		if existed {
			w.env.Dispatcher.TriggerEvent(events.CounterEvent{
				Type:   events.CounterDuplicate,
				Counts: map[string]int64{item.Type.Name: 1},
				Source: "worker",
			})
			return
		}
	}

	w.setState(StateProcessing)
	exporter, err := w.exporter(item.Type)
	if err != nil {
		w.fail(fmt.Sprintf("Failed to export %s", item.Type.Name), err)
		return
	}

	res, err := exporter.Read(ctx, item)
	if err != nil {
		w.fail(fmt.Sprintf("A SQL error occurred while exporting %s (id %d)", item.Type.Name, item.ID), err)
		return
	}
	if res == nil {
		w.log.Warn().Int64("id", item.ID).Str("gmlid", item.GMLID).Msg("Feature no longer exists, skipping")
		return
	}

	for _, tex := range res.Textures {
		if err := w.exportTexture(ctx, tex); err != nil {
			w.fail(fmt.Sprintf("Failed to export texture %d", tex.ID), err)
			return
		}
	}

	if err := w.env.Writer.Write(ctx, res.Record); err != nil {
		w.fail("Failed to hand feature to writer", err)
		return
	}

	w.topLevel[item.Type.Name]++
	w.geometries += res.Geometries
	w.processed++
	if w.processed == CounterBatch {
		w.flushCounters()
	}
}

func (w *Worker) exportTexture(ctx context.Context, tex Texture) error {
	if w.blobs == nil {
		return nil
	}
	ok, err := w.blobs.Export(ctx, tex.ID, filepath.Join(w.env.OutputDir, filepath.FromSlash(tex.URI)))
	if err != nil {
		return err
	}
	if ok {
		w.textures++
	}
	return nil
}

func (w *Worker) exporter(ft *schema.FeatureType) (FeatureExporter, error) {
	if e, ok := w.exporters[ft]; ok {
		return e, nil
	}
	fn, err := w.env.Exporters.Lookup(ft)
	if err != nil {
		return nil, err
	}
	e := fn(w.conn, w.env.Adapter.Dialect(), w.env.Options)
	w.exporters[ft] = e
	return e, nil
}

func (w *Worker) fail(reason string, err error) {
	w.env.Interrupt.Fail(reason, &events.RunError{Op: Op, Phase: events.PhaseWork, Err: err})
}

// flushCounters отправляет накопленные счетчики и обнуляет их
func (w *Worker) flushCounters() {
	d := w.env.Dispatcher
	if len(w.topLevel) > 0 {
		d.TriggerEvent(events.CounterEvent{Type: events.CounterTopLevelFeature, Counts: w.topLevel, Source: "worker"})
		w.topLevel = make(map[string]int64)
	}
	if w.geometries > 0 {
		d.TriggerEvent(events.CounterEvent{Type: events.CounterGeometry, Counts: map[string]int64{"surface_geometry": w.geometries}, Source: "worker"})
		w.geometries = 0
	}
	if w.textures > 0 {
		d.TriggerEvent(events.CounterEvent{Type: events.CounterTextureImage, Counts: map[string]int64{"tex_image": w.textures}, Source: "worker"})
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

	for ft, e := range w.exporters {
		if err := e.Close(); err != nil {
			w.log.Warn().Err(err).Str("type", ft.Name).Msg("Failed to close exporter")
		}
	}
	if w.blobs != nil {
		if err := w.blobs.Close(); err != nil {
			w.log.Warn().Err(err).Msg("Failed to close texture exporter")
		}
	}
	if err := w.conn.Close(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to release connection")
	}
}
