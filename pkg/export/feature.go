package export

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// Texture - изображение текстуры, на которое ссылается объект
type Texture struct {
	ID  int64
	URI string
}

// FeatureResult - выгруженный объект верхнего уровня
type FeatureResult struct {
	Record     writer.Record
	Geometries int64
	Textures   []Texture
}

// FeatureExporter читает один объект верхнего уровня и сериализует его
// Экземпляр принадлежит одному воркеру и использует его подключение
type FeatureExporter interface {
	Read(ctx context.Context, item splitter.SplittingResult) (*FeatureResult, error)
	Close() error
}

// ExporterFunc создает FeatureExporter для подключения воркера
type ExporterFunc func(conn *sql.Conn, dialect adapters.Dialect, opts Options) FeatureExporter

// Options - параметры сериализации
type Options struct {
	// TextureDir - каталог текстур относительно выходного файла
	TextureDir string
}

// Registry - отображение типа объекта на конструктор экспортера
// Тип без собственной записи обслуживается экспортером ближайшего
// зарегистрированного супертипа
type Registry struct {
	mu        sync.RWMutex
	exporters map[string]ExporterFunc
}

// NewRegistry создает реестр с экспортером по умолчанию для _CityObject
func NewRegistry() *Registry {
	r := &Registry{exporters: make(map[string]ExporterFunc)}
	r.Register("_CityObject", NewCityObjectExporter)
	return r
}

// Register задает экспортер для типа с именем name и его подтипов
func (r *Registry) Register(name string, fn ExporterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exporters[name] = fn
}

// Lookup ищет экспортер по цепочке супертипов
func (r *Registry) Lookup(ft *schema.FeatureType) (ExporterFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for t := ft; t != nil; t = t.Super {
		if fn, ok := r.exporters[t.Name]; ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("no exporter registered for feature type %s", ft)
}
