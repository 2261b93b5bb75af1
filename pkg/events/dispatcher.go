package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler - обработчик события
type Handler func(Event)

// HandlerID - идентификатор зарегистрированного обработчика
type HandlerID uint64

type handlerEntry struct {
	id      HandlerID
	handler Handler
}

// Dispatcher - диспетчер событий одного запуска
//
// Асинхронные события складываются в очередь своего вида и доставляются
// одной горутиной диспетчера. Внутри вида порядок сохраняется, поэтому
// обработчик видит события в порядке их публикации. Обработчики вызываются
// вне блокировки: обработчик может сам публиковать события.
// Прерывание всегда доставляется синхронно.
type Dispatcher struct {
	mu       sync.Mutex
	handlers [numKinds][]handlerEntry
	queues   [numKinds][]Event
	nextID   HandlerID
	next     Kind // вид, с которого начинается следующий проход (round-robin)

	pending int           // события в очередях + доставляемое сейчас
	idle    chan struct{} // закрыт, когда pending == 0
	wake    chan struct{}
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewDispatcher создает диспетчер и запускает горутину доставки
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	idle := make(chan struct{})
	close(idle)

	d := &Dispatcher{
		idle:   idle,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "dispatcher").Logger(),
	}

	d.wg.Add(1)
	go d.processEvents()

	return d
}

// AddHandler регистрирует обработчик для вида событий
func (d *Dispatcher) AddHandler(kind Kind, handler Handler) HandlerID {
	if kind < 0 || kind >= numKinds {
		panic(fmt.Sprintf("events: invalid kind %d", kind))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	// копия слайса: снимки, выданные доставке, не должны меняться
	handlers := make([]handlerEntry, len(d.handlers[kind]), len(d.handlers[kind])+1)
	copy(handlers, d.handlers[kind])
	d.handlers[kind] = append(handlers, handlerEntry{id: id, handler: handler})
	return id
}

// OnCounter регистрирует типизированный обработчик счетчиков
func (d *Dispatcher) OnCounter(fn func(CounterEvent)) HandlerID {
	return d.AddHandler(KindCounter, func(e Event) { fn(e.(CounterEvent)) })
}

// OnProgressBar регистрирует типизированный обработчик прогресса
func (d *Dispatcher) OnProgressBar(fn func(ProgressBarEvent)) HandlerID {
	return d.AddHandler(KindProgressBar, func(e Event) { fn(e.(ProgressBarEvent)) })
}

// OnStatusMessage регистрирует типизированный обработчик статуса
func (d *Dispatcher) OnStatusMessage(fn func(StatusMessageEvent)) HandlerID {
	return d.AddHandler(KindStatusMessage, func(e Event) { fn(e.(StatusMessageEvent)) })
}

// OnInterrupt регистрирует типизированный обработчик прерывания
func (d *Dispatcher) OnInterrupt(fn func(InterruptEvent)) HandlerID {
	return d.AddHandler(KindInterrupt, func(e Event) { fn(e.(InterruptEvent)) })
}

// RemoveHandler удаляет обработчик. Возвращает false если он не найден
func (d *Dispatcher) RemoveHandler(id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for kind := range d.handlers {
		for i, entry := range d.handlers[kind] {
			if entry.id != id {
				continue
			}
			handlers := make([]handlerEntry, 0, len(d.handlers[kind])-1)
			handlers = append(handlers, d.handlers[kind][:i]...)
			handlers = append(handlers, d.handlers[kind][i+1:]...)
			d.handlers[kind] = handlers
			return true
		}
	}
	return false
}

// TriggerEvent ставит событие в очередь доставки и сразу возвращает управление
// Прерывание доставляется синхронно
func (d *Dispatcher) TriggerEvent(e Event) {
	if e == nil {
		return
	}
	if e.Kind() == KindInterrupt {
		d.TriggerSyncEvent(e)
		return
	}

	d.mu.Lock()
	if d.closed {
		// после Close доставляем на вызывающей горутине, событие не теряется
		d.mu.Unlock()
		d.TriggerSyncEvent(e)
		return
	}
	kind := e.Kind()
	d.queues[kind] = append(d.queues[kind], e)
	if d.pending == 0 {
		d.idle = make(chan struct{})
	}
	d.pending++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// TriggerSyncEvent доставляет событие всем обработчикам до возврата
func (d *Dispatcher) TriggerSyncEvent(e Event) {
	if e == nil {
		return
	}
	d.mu.Lock()
	handlers := d.handlers[e.Kind()]
	d.mu.Unlock()

	d.deliver(e, handlers)
}

// FlushEvents ждет доставки всех событий, поставленных в очередь до вызова
func (d *Dispatcher) FlushEvents(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush events: %w", ctx.Err())
	}
}

// Close доставляет оставшиеся события и останавливает горутину диспетчера
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// processEvents - горутина доставки асинхронных событий
func (d *Dispatcher) processEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.wake:
			d.drainQueues()
		case <-d.ctx.Done():
			// Доставляем оставшиеся события
			d.drainQueues()
			return
		}
	}
}

// drainQueues доставляет события, пока очереди не опустеют
func (d *Dispatcher) drainQueues() {
	for {
		d.mu.Lock()
		e, ok := d.popLocked()
		if !ok {
			d.mu.Unlock()
			return
		}
		handlers := d.handlers[e.Kind()]
		d.mu.Unlock()

		d.deliver(e, handlers)

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			close(d.idle)
		}
		d.mu.Unlock()
	}
}

// popLocked забирает событие из очередей по кругу, чтобы поток счетчиков
// не задерживал статусные сообщения
func (d *Dispatcher) popLocked() (Event, bool) {
	for i := Kind(0); i < numKinds; i++ {
		kind := (d.next + i) % numKinds
		if len(d.queues[kind]) == 0 {
			continue
		}
		e := d.queues[kind][0]
		d.queues[kind][0] = nil
		d.queues[kind] = d.queues[kind][1:]
		d.next = (kind + 1) % numKinds
		return e, true
	}
	return nil, false
}

func (d *Dispatcher) deliver(e Event, handlers []handlerEntry) {
	for _, entry := range handlers {
		d.invoke(e, entry)
	}
}

func (d *Dispatcher) invoke(e Event, entry handlerEntry) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("kind", e.Kind().String()).
				Uint64("handler", uint64(entry.id)).
				Msgf("event handler panicked: %v", r)
		}
	}()
	entry.handler(e)
}
