package splitter

import (
	"context"

	"github.com/ruslano69/citydb-tool/pkg/schema"
)

// SplittingResult - единица работы: один объект верхнего уровня
// Создается splitter'ом, обрабатывается ровно одним воркером и не меняется
type SplittingResult struct {
	ID            int64
	ObjectClassID int
	Type          *schema.FeatureType
	GMLID         string

	// DisplayForm - форма отображения для KML экспорта
	DisplayForm string

	// CheckedForDuplicate - splitter уже проверил gml:id по кэшу
	CheckedForDuplicate bool
}

// WorkSink принимает единицы работы
// Реализуется пулом воркеров; AddWork блокируется, пока очередь заполнена
type WorkSink interface {
	AddWork(ctx context.Context, item SplittingResult) error
}

// WorkSinkFunc - функция как WorkSink
type WorkSinkFunc func(ctx context.Context, item SplittingResult) error

// AddWork вызывает f
func (f WorkSinkFunc) AddWork(ctx context.Context, item SplittingResult) error {
	return f(ctx, item)
}
