package events

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Kind - вид события. Набор закрыт: Counter, ProgressBar, StatusMessage, Interrupt
type Kind int

const (
	KindCounter Kind = iota
	KindProgressBar
	KindStatusMessage
	KindInterrupt

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindProgressBar:
		return "progress_bar"
	case KindStatusMessage:
		return "status_message"
	case KindInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event - событие диспетчера
// Реализуется только типами этого пакета (метод kind не экспортируется)
type Event interface {
	Kind() Kind
	event()
}

// CounterType - вид счетчика
type CounterType int

const (
	// CounterTopLevelFeature - обработанные объекты верхнего уровня (по типам)
	CounterTopLevelFeature CounterType = iota
	// CounterFeature - все объекты, включая вложенные
	CounterFeature
	// CounterGeometry - геометрии
	CounterGeometry
	// CounterTextureImage - выгруженные изображения текстур
	CounterTextureImage
	// CounterDeleted - удаленные или терминированные объекты
	CounterDeleted
	// CounterDuplicate - объекты, пропущенные как дубликаты gml:id
	CounterDuplicate
)

func (c CounterType) String() string {
	switch c {
	case CounterTopLevelFeature:
		return "top_level_feature"
	case CounterFeature:
		return "feature"
	case CounterGeometry:
		return "geometry"
	case CounterTextureImage:
		return "texture_image"
	case CounterDeleted:
		return "deleted"
	case CounterDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// CounterEvent - приращение счетчиков от воркера
// Counts: имя типа объекта -> приращение
type CounterEvent struct {
	Type   CounterType
	Counts map[string]int64
	Source string
}

func (CounterEvent) Kind() Kind { return KindCounter }
func (CounterEvent) event()     {}

// Total возвращает сумму приращений
func (e CounterEvent) Total() int64 {
	var n int64
	for _, v := range e.Counts {
		n += v
	}
	return n
}

// ProgressMode - режим индикатора прогресса
type ProgressMode int

const (
	// ProgressInit - задает максимум (число совпавших объектов)
	ProgressInit ProgressMode = iota
	// ProgressUpdate - приращение текущего значения
	ProgressUpdate
	// ProgressIndeterminate - переключение в неопределенный режим (прерывание)
	ProgressIndeterminate
)

// ProgressBarEvent - состояние индикатора прогресса
type ProgressBarEvent struct {
	Mode  ProgressMode
	Value int64
}

func (ProgressBarEvent) Kind() Kind { return KindProgressBar }
func (ProgressBarEvent) event()     {}

// StatusMessageEvent - текстовый статус выполнения
type StatusMessageEvent struct {
	Title string
	Text  string
}

func (StatusMessageEvent) Kind() Kind { return KindStatusMessage }
func (StatusMessageEvent) event()     {}

// InterruptEvent - прерывание выполнения
// Пользовательская отмена логируется на уровне INFO и не считается ошибкой
type InterruptEvent struct {
	Reason        string
	Level         zerolog.Level
	Cause         error
	UserCancelled bool
}

func (InterruptEvent) Kind() Kind { return KindInterrupt }
func (InterruptEvent) event()     {}
