package kml

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/concurrent"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/export"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

// Op - имя операции в логах и ошибках
const Op = "KML export"

// Config - параметры KML экспорта
type Config struct {
	// Export - запрос, пул и кэш. OutputFile задает базовое имя,
	// к нему добавляется _<форма>.kml
	Export export.Config

	DisplayForms    []DisplayForm
	GroupSize       int
	HeightAttribute string
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	if len(c.DisplayForms) == 0 {
		c.DisplayForms = []DisplayForm{Footprint}
	}
	if c.GroupSize <= 0 {
		c.GroupSize = 50
	}
	if c.HeightAttribute == "" {
		c.HeightAttribute = "height"
	}
	c.Export.ExportTextures = false
}

// FormResult - итог выгрузки одной формы
type FormResult struct {
	Form DisplayForm
	*export.Result
}

// Result - итог KML экспорта
type Result struct {
	Forms    []FormResult
	Emitted  int64
	Counters *events.Counters
	Files    []string
	Aborted  bool
}

// Exporter выгружает запрос в KML документ для каждой формы отображения
// Формы выгружаются последовательно, каждая отдельным запуском
// разбиения с собственным пулом воркеров
type Exporter struct {
	adapter    adapters.Adapter
	registry   *schema.Registry
	dispatcher *events.Dispatcher
	interrupt  *events.Interrupt
	cfg        Config
	log        zerolog.Logger

	// OpenSink подменяет выходной поток, по умолчанию файл
	OpenSink func(path string, format writer.Format) (writer.Sink, string, error)
}

// NewExporter создает контроллер KML экспорта
func NewExporter(adapter adapters.Adapter, registry *schema.Registry, dispatcher *events.Dispatcher,
	interrupt *events.Interrupt, cfg Config, log zerolog.Logger) *Exporter {
	cfg.SetDefaults()
	return &Exporter{
		adapter:    adapter,
		registry:   registry,
		dispatcher: dispatcher,
		interrupt:  interrupt,
		cfg:        cfg,
		log:        log,
	}
}

// DoProcess выгружает все формы. Отмена или ошибка одной формы
// останавливает выгрузку остальных
func (e *Exporter) DoProcess(ctx context.Context) (*Result, error) {
	result := &Result{Counters: events.NewCounters()}

	seen := make(map[DisplayForm]bool, len(e.cfg.DisplayForms))
	for _, form := range e.cfg.DisplayForms {
		if _, err := ParseDisplayForm(string(form)); err != nil {
			return nil, &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: err}
		}
		if seen[form] {
			return nil, &events.RunError{Op: Op, Phase: events.PhasePrepare, Err: errors.New("duplicate display form " + string(form))}
		}
		seen[form] = true
	}

	for _, form := range e.cfg.DisplayForms {
		if e.interrupt.IsSet() {
			break
		}
		res, err := e.exporter(form).DoProcess(ctx)
		if res != nil {
			result.Forms = append(result.Forms, FormResult{Form: form, Result: res})
			result.Emitted += res.Emitted
			result.Counters.Merge(res.Counters)
			result.Files = append(result.Files, res.Files...)
			if res.Aborted {
				result.Aborted = true
			}
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Exporter) exporter(form DisplayForm) *export.Exporter {
	cfg := e.cfg.Export
	cfg.OutputFile = OutputFile(cfg.OutputFile, form)

	log := e.log.With().Str("form", string(form)).Logger()
	ex := export.NewExporter(e.adapter, e.registry, e.dispatcher, e.interrupt, cfg, log)
	ex.Op = Op
	ex.Format = Format(documentName(cfg.OutputFile), form)
	ex.DisplayForm = string(form)

	wcfg := WorkerConfig{GroupSize: e.cfg.GroupSize, HeightAttribute: e.cfg.HeightAttribute}
	ex.NewWorkerFactory = func(env export.Env) concurrent.WorkerFactory[splitter.SplittingResult] {
		return NewWorkerFactory(env, wcfg)
	}
	if e.OpenSink != nil {
		format := ex.Format
		ex.OpenSink = func(path string) (writer.Sink, string, error) {
			return e.OpenSink(path, format)
		}
	}
	return ex
}

// OutputFile возвращает путь документа формы: <base>_<form>.kml
func OutputFile(base string, form DisplayForm) string {
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base + "_" + string(form) + ".kml"
}

func documentName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
