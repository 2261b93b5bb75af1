package concurrent

import (
	"context"
	"sync/atomic"
)

// Worker обрабатывает элементы очереди пула
// Каждый воркер живет в своей горутине и владеет своими ресурсами
// (как правило, соединением с БД). DoWork никогда не вызывается конкурентно
// для одного воркера.
type Worker[T any] interface {
	// DoWork обрабатывает один элемент
	// ctx отменяется при ShutdownNow
	DoWork(ctx context.Context, item T)

	// Shutdown освобождает ресурсы воркера. Вызывается ровно один раз
	// при выходе воркера из цикла, как бы он ни завершился
	Shutdown()
}

// WorkerFactory создает воркеры пула
type WorkerFactory[T any] interface {
	CreateWorker(ctx context.Context) (Worker[T], error)
}

// WorkerFactoryFunc - функция как WorkerFactory
type WorkerFactoryFunc[T any] func(ctx context.Context) (Worker[T], error)

// CreateWorker вызывает f(ctx)
func (f WorkerFactoryFunc[T]) CreateWorker(ctx context.Context) (Worker[T], error) {
	return f(ctx)
}

// WorkerState - состояние воркера
type WorkerState int32

const (
	// StateIdle - воркер ждет элемент
	StateIdle WorkerState = iota
	// StateBusy - воркер обрабатывает элемент
	StateBusy
	// StateStopped - воркер вышел из цикла
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// workerThread - горутина воркера и ее состояние
type workerThread[T any] struct {
	id     int
	worker Worker[T]
	state  atomic.Int32
}

func (w *workerThread[T]) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *workerThread[T]) setState(s WorkerState) {
	w.state.Store(int32(s))
}
