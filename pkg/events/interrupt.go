package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrInterrupted - причина отмены контекста при прерывании
var ErrInterrupted = errors.New("operation interrupted")

// Interrupt - флаг прерывания запуска
//
// Срабатывает ровно один раз: из K одновременных вызовов Trigger только
// первый пишет сообщение в лог и рассылает InterruptEvent. Остальные
// возвращают false и ничего не делают.
type Interrupt struct {
	fired atomic.Bool

	mu    sync.RWMutex
	event InterruptEvent

	ctx    context.Context
	cancel context.CancelCauseFunc

	dispatcher *Dispatcher
	log        zerolog.Logger
}

// NewInterrupt создает флаг прерывания. dispatcher может быть nil
func NewInterrupt(dispatcher *Dispatcher, log zerolog.Logger) *Interrupt {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Interrupt{
		ctx:        ctx,
		cancel:     cancel,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Trigger взводит флаг. Возвращает true только для первого вызова
func (i *Interrupt) Trigger(ev InterruptEvent) bool {
	if ev.Level == zerolog.NoLevel {
		ev.Level = zerolog.ErrorLevel
	}

	// событие сохраняется до взведения флага: IsSet() == true гарантирует Event()
	i.mu.Lock()
	if i.fired.Load() {
		i.mu.Unlock()
		return false
	}
	i.event = ev
	i.fired.Store(true)
	i.mu.Unlock()

	logEvent := i.log.WithLevel(ev.Level)
	if ev.Cause != nil {
		logEvent = logEvent.Err(ev.Cause)
	}
	logEvent.Bool("user_cancelled", ev.UserCancelled).Msg(ev.Reason)

	i.cancel(interruptCause(ev))

	if i.dispatcher != nil {
		i.dispatcher.TriggerSyncEvent(ev)
	}
	return true
}

// Cancel - отмена пользователем (уровень INFO)
func (i *Interrupt) Cancel(reason string) bool {
	return i.Trigger(InterruptEvent{
		Reason:        reason,
		Level:         zerolog.InfoLevel,
		UserCancelled: true,
	})
}

// Fail - прерывание из-за ошибки (уровень ERROR)
func (i *Interrupt) Fail(reason string, cause error) bool {
	return i.Trigger(InterruptEvent{
		Reason: reason,
		Level:  zerolog.ErrorLevel,
		Cause:  cause,
	})
}

// IsSet сообщает, взведен ли флаг
func (i *Interrupt) IsSet() bool {
	return i.fired.Load()
}

// Done закрывается при срабатывании
func (i *Interrupt) Done() <-chan struct{} {
	return i.ctx.Done()
}

// Event возвращает событие, взведшее флаг
func (i *Interrupt) Event() (InterruptEvent, bool) {
	if !i.fired.Load() {
		return InterruptEvent{}, false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.event, true
}

// Err возвращает причину прерывания или nil
func (i *Interrupt) Err() error {
	if !i.fired.Load() {
		return nil
	}
	// флаг взводится раньше отмены контекста
	if err := context.Cause(i.ctx); err != nil {
		return err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return interruptCause(i.event)
}

func interruptCause(ev InterruptEvent) error {
	if ev.Cause != nil {
		return errors.Join(ErrInterrupted, ev.Cause)
	}
	return ErrInterrupted
}

// Context возвращает дочерний контекст parent, отменяемый при прерывании
// Вызывающий обязан вызвать возвращенную функцию отмены
func (i *Interrupt) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(i.ctx, func() {
		cancel(context.Cause(i.ctx))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
