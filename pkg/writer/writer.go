package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
)

// Config - параметры пула записи
type Config struct {
	Name          string
	QueueCapacity int
	Logger        zerolog.Logger
}

// Writer сериализует записи в Sink одним воркером.
// Порядок записей совпадает с порядком вызовов Write
type Writer struct {
	pool      *concurrent.WorkerPool[Record]
	sink      Sink
	interrupt *events.Interrupt
	log       zerolog.Logger

	written atomic.Int64

	mu     sync.Mutex
	err    error
	closed bool
}

// New пишет заголовок документа и запускает пул записи
func New(ctx context.Context, sink Sink, interrupt *events.Interrupt, cfg Config) (*Writer, error) {
	if cfg.Name == "" {
		cfg.Name = "writer"
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}

	w := &Writer{
		sink:      sink,
		interrupt: interrupt,
		log:       cfg.Logger.With().Str("component", "writer").Logger(),
	}

	if err := sink.Header(ctx); err != nil {
		return nil, fmt.Errorf("failed to write document header: %w", err)
	}

	w.pool = concurrent.NewWorkerPool[Record](concurrent.Config{
		Name:          cfg.Name,
		MinWorkers:    1,
		MaxWorkers:    1,
		QueueCapacity: cfg.QueueCapacity,
		Logger:        cfg.Logger,
	}, concurrent.WorkerFactoryFunc[Record](func(context.Context) (concurrent.Worker[Record], error) {
		return &sinkWorker{w: w}, nil
	}))

	if err := w.pool.Prestart(ctx); err != nil {
		return nil, fmt.Errorf("failed to start writer: %w", err)
	}
	return w, nil
}

// Write ставит запись в очередь. Блокируется, если очередь заполнена
func (w *Writer) Write(ctx context.Context, r Record) error {
	if err := w.Err(); err != nil {
		return err
	}
	return w.pool.AddWork(ctx, r)
}

// Written - число записанных записей
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Err возвращает первую ошибку записи
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close дописывает очередь, окончание документа и закрывает приемник
func (w *Writer) Close(ctx context.Context) error {
	if !w.markClosed() {
		return w.Err()
	}

	w.pool.ShutdownAndWait()

	var errs []error
	if err := w.Err(); err != nil {
		errs = append(errs, err)
	} else if err := w.sink.Footer(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to write document footer: %w", err))
	}
	if err := w.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close output: %w", err))
	}
	return errors.Join(errs...)
}

// Abort выбрасывает очередь и закрывает приемник без окончания документа
func (w *Writer) Abort() int {
	if !w.markClosed() {
		return 0
	}

	discarded := w.pool.ShutdownNow()
	if err := w.sink.Close(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to close output")
	}
	return discarded
}

func (w *Writer) markClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.closed = true
	return true
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	first := w.err == nil
	if first {
		w.err = err
	}
	w.mu.Unlock()

	if first && w.interrupt != nil {
		w.interrupt.Fail("Failed to write output", err)
	}
}

type sinkWorker struct {
	w *Writer
}

func (s *sinkWorker) DoWork(ctx context.Context, r Record) {
	if s.w.Err() != nil {
		return
	}
	if err := s.w.sink.Write(ctx, r); err != nil {
		s.w.fail(err)
		return
	}
	s.w.written.Add(1)
}

func (s *sinkWorker) Shutdown() {}
