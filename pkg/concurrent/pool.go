package concurrent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	// ErrPoolShutdown - пул уже остановлен и не принимает работу
	ErrPoolShutdown = errors.New("worker pool is shut down")

	// ErrNoWorkers - не удалось создать ни одного воркера
	ErrNoWorkers = errors.New("worker pool could not start any worker")
)

// Config - параметры пула
type Config struct {
	// Name используется в логах
	Name string

	// MinWorkers запускаются в Prestart
	MinWorkers int

	// MaxWorkers - верхняя граница числа воркеров
	// Воркеры сверх MinWorkers создаются по мере заполнения очереди
	MaxWorkers int

	// QueueCapacity - емкость очереди. Пул держит QueueCapacity элементов
	// в очереди плюс один элемент, ожидающий передачи воркеру
	QueueCapacity int

	Logger zerolog.Logger
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = c.MinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.MaxWorkers * 2
	}
}

// Stats - статистика пула
type Stats struct {
	Started   int64 // элементы, переданные воркерам
	Processed int64 // элементы, обработка которых завершилась
	Discarded int64 // элементы, выброшенные ShutdownNow/DrainWorkQueue
	Workers   int   // живые воркеры
	Idle      int   // воркеры в состоянии StateIdle
}

// WorkerPool - пул воркеров с ограниченной очередью
//
// Жизненный цикл: создан -> запущен (Prestart) -> завершается -> завершен.
// Элементы из очереди передаются воркерам через горутину раздачи. Она же
// добавляет воркеров сверх MinWorkers, пока ни один воркер не свободен.
// AddWork блокируется, когда очередь заполнена.
type WorkerPool[T any] struct {
	cfg     Config
	factory WorkerFactory[T]
	log     zerolog.Logger

	queue chan T
	work  chan T

	mu        sync.Mutex
	state     poolState
	threads   []*workerThread[T]
	nextID    int
	creating  int // воркеры, создаваемые прямо сейчас
	producers sync.WaitGroup

	closing chan struct{} // закрыт при любом завершении
	stop    chan struct{} // закрыт при ShutdownNow

	ctx    context.Context // контекст воркеров, отменяется при ShutdownNow
	cancel context.CancelFunc

	dispatchDone chan struct{}
	workersWG    sync.WaitGroup
	shutdownOnce sync.Once
	stopOnce     sync.Once

	started   atomic.Int64
	processed atomic.Int64
	discarded atomic.Int64
	idle      atomic.Int32
}

type poolState int

const (
	stateNew poolState = iota
	stateRunning
	stateShutdown
)

// NewWorkerPool создает пул и запускает горутину раздачи
// Пул нужно остановить через ShutdownAndWait или ShutdownNow
func NewWorkerPool[T any](cfg Config, factory WorkerFactory[T]) *WorkerPool[T] {
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &WorkerPool[T]{
		cfg:          cfg,
		factory:      factory,
		log:          cfg.Logger.With().Str("component", "pool").Str("pool", cfg.Name).Logger(),
		queue:        make(chan T, cfg.QueueCapacity),
		work:         make(chan T),
		closing:      make(chan struct{}),
		stop:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		dispatchDone: make(chan struct{}),
	}

	go p.dispatch()
	return p
}

// Prestart запускает MinWorkers воркеров
// Возвращает ErrNoWorkers, если не создан ни один воркер. В этом случае
// пул уже остановлен.
func (p *WorkerPool[T]) Prestart(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateNew {
		p.mu.Unlock()
		if p.isShutdown() {
			return ErrPoolShutdown
		}
		return nil
	}
	p.state = stateRunning
	p.mu.Unlock()

	want := p.cfg.MinWorkers
	if want == 0 {
		want = 1
	}

	var errs []error
	for i := 0; i < want; i++ {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.addWorker(ctx); err != nil && !errors.Is(err, errMaxWorkers) {
			errs = append(errs, err)
		}
	}

	if p.WorkerCount() == 0 {
		p.ShutdownNow()
		if len(errs) == 0 {
			return ErrNoWorkers
		}
		return fmt.Errorf("%w: %w", ErrNoWorkers, errors.Join(errs...))
	}
	if len(errs) > 0 {
		p.log.Warn().Err(errors.Join(errs...)).
			Int("started", p.WorkerCount()).
			Int("requested", want).
			Msg("Not all workers could be started")
	}
	return nil
}

// AddWork ставит элемент в очередь
// Блокируется, пока в очереди нет места. Возвращает ErrPoolShutdown после
// остановки пула и ошибку ctx при его отмене.
func (p *WorkerPool[T]) AddWork(ctx context.Context, item T) error {
	p.mu.Lock()
	if p.state == stateShutdown {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.producers.Add(1)
	p.mu.Unlock()
	defer p.producers.Done()

	// приоритет у остановки: после закрытия closing элемент не принимается
	select {
	case <-p.closing:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.queue <- item:
		return nil
	case <-p.closing:
		return ErrPoolShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownAndWait закрывает очередь и ждет, пока воркеры обработают
// все уже поставленные элементы и завершатся
func (p *WorkerPool[T]) ShutdownAndWait() {
	p.shutdown(false)
	p.wait()
}

// ShutdownNow выбрасывает элементы очереди, отменяет контекст воркеров и
// ждет их завершения. Воркер, занятый элементом, доделывает его.
// Возвращает число выброшенных элементов.
func (p *WorkerPool[T]) ShutdownNow() int {
	before := p.discarded.Load()
	p.shutdown(true)
	p.wait()
	return int(p.discarded.Load() - before)
}

// DrainWorkQueue выбрасывает элементы, ожидающие в очереди, не прерывая
// воркеров. Элемент, уже взятый на передачу воркеру, будет обработан.
// Пул продолжает работать.
func (p *WorkerPool[T]) DrainWorkQueue() int {
	n := 0
loop:
	for {
		select {
		case _, ok := <-p.queue:
			if !ok {
				break loop
			}
			n++
		default:
			break loop
		}
	}

	if n > 0 {
		p.discarded.Add(int64(n))
		p.log.Debug().Int("discarded", n).Msg("Work queue drained")
	}
	return n
}

// Stats возвращает статистику пула
func (p *WorkerPool[T]) Stats() Stats {
	return Stats{
		Started:   p.started.Load(),
		Processed: p.processed.Load(),
		Discarded: p.discarded.Load(),
		Workers:   p.WorkerCount(),
		Idle:      int(p.idle.Load()),
	}
}

// WorkerCount возвращает число живых воркеров
func (p *WorkerPool[T]) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

func (p *WorkerPool[T]) liveLocked() int {
	n := 0
	for _, t := range p.threads {
		if t.State() != StateStopped {
			n++
		}
	}
	return n
}

// QueueLen возвращает число элементов в очереди
func (p *WorkerPool[T]) QueueLen() int {
	return len(p.queue)
}

// IsShutdown сообщает, остановлен ли пул
func (p *WorkerPool[T]) IsShutdown() bool {
	return p.isShutdown()
}

func (p *WorkerPool[T]) isShutdown() bool {
	select {
	case <-p.closing:
		return true
	default:
		return false
	}
}

func (p *WorkerPool[T]) shutdown(now bool) {
	p.mu.Lock()
	p.state = stateShutdown
	p.mu.Unlock()

	if now {
		p.stopOnce.Do(func() {
			close(p.stop)
			p.cancel()
		})
	}

	p.shutdownOnce.Do(func() {
		close(p.closing)
		// после closing новые продюсеры не входят, ждем вошедших
		p.producers.Wait()
		close(p.queue)
	})
}

func (p *WorkerPool[T]) wait() {
	<-p.dispatchDone
	p.workersWG.Wait()
	p.cancel()
}

// dispatch передает элементы очереди воркерам
func (p *WorkerPool[T]) dispatch() {
	defer close(p.dispatchDone)
	defer close(p.work)

	for item := range p.queue {
		select {
		case <-p.stop:
			p.discardRemaining(1)
			return
		default:
		}

		if !p.handOff(item) {
			return
		}
	}
}

// handOff ждет свободного воркера для item
// Возвращает false, если элемент и остаток очереди выброшены
func (p *WorkerPool[T]) handOff(item T) bool {
	select {
	case p.work <- item:
		p.idle.Add(-1)
		return true
	default:
	}

	_ = p.maybeGrow()

	closing := p.closing
	for {
		select {
		case p.work <- item:
			p.idle.Add(-1)
			return true
		case <-p.stop:
			p.discardRemaining(1)
			return false
		case <-closing:
			// ShutdownAndWait на незапущенном пуле: воркеры нужны для остатка очереди
			closing = nil
			if err := p.maybeGrow(); err != nil && p.WorkerCount() == 0 {
				p.log.Error().Err(err).Msg("No worker available to drain the queue")
				p.discardRemaining(1)
				return false
			}
		}
	}
}

// discardRemaining выбрасывает held уже взятых элементов и остаток очереди
func (p *WorkerPool[T]) discardRemaining(held int) {
	n := held
	for range p.queue {
		n++
	}
	p.discarded.Add(int64(n))
	if n > 0 {
		p.log.Debug().Int("discarded", n).Msg("Queued work discarded")
	}
}

// maybeGrow добавляет воркер, если свободных нет и лимит не достигнут
func (p *WorkerPool[T]) maybeGrow() error {
	p.mu.Lock()
	started := p.state != stateNew
	p.mu.Unlock()
	if !started || p.isShutdownNow() || p.idle.Load() > 0 {
		return nil
	}
	if err := p.addWorker(p.ctx); err != nil && !errors.Is(err, errMaxWorkers) {
		p.log.Warn().Err(err).Msg("Failed to add worker")
		return err
	}
	return nil
}

var errMaxWorkers = errors.New("worker limit reached")

func (p *WorkerPool[T]) addWorker(ctx context.Context) error {
	p.mu.Lock()
	if p.liveLocked()+p.creating >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		return errMaxWorkers
	}
	p.creating++
	p.mu.Unlock()

	worker, err := p.factory.CreateWorker(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create worker: %w", err)
	}
	if worker == nil {
		p.mu.Unlock()
		return errors.New("create worker: factory returned nil worker")
	}
	if p.isShutdownNow() {
		p.mu.Unlock()
		worker.Shutdown()
		return ErrPoolShutdown
	}
	p.nextID++
	t := &workerThread[T]{id: p.nextID, worker: worker}
	t.setState(StateIdle)
	p.threads = append(p.threads, t)
	p.workersWG.Add(1)
	p.idle.Add(1)
	p.mu.Unlock()

	go p.run(t)
	return nil
}

func (p *WorkerPool[T]) isShutdownNow() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// run - цикл воркера
func (p *WorkerPool[T]) run(t *workerThread[T]) {
	defer p.workersWG.Done()
	defer func() {
		if t.State() == StateIdle {
			p.idle.Add(-1)
		}
		t.setState(StateStopped)
		t.worker.Shutdown()
		p.log.Debug().Int("worker", t.id).Msg("Worker stopped")
	}()

	for {
		select {
		case <-p.stop:
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			if p.isShutdownNow() {
				p.idle.Add(1)
				p.discarded.Add(1)
				return
			}
			p.process(t, item)
		}
	}
}

// process обрабатывает элемент. Счетчик idle уменьшен раздачей при передаче
func (p *WorkerPool[T]) process(t *workerThread[T], item T) {
	p.started.Add(1)
	t.setState(StateBusy)

	defer func() {
		p.processed.Add(1)
		t.setState(StateIdle)
		p.idle.Add(1)
		if r := recover(); r != nil {
			p.log.Error().Int("worker", t.id).Msgf("Worker panicked: %v", r)
		}
	}()

	t.worker.DoWork(p.ctx, item)
}
