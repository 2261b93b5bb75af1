// Package config загружает YAML конфигурацию citydb. Флаги командной строки
// переопределяют значения файла, пакеты ядра получают уже заполненные структуры.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/brokers"
	"github.com/ruslano69/citydb-tool/pkg/cache"
	"github.com/ruslano69/citydb-tool/pkg/deleter"
	"github.com/ruslano69/citydb-tool/pkg/export"
	"github.com/ruslano69/citydb-tool/pkg/importer"
	"github.com/ruslano69/citydb-tool/pkg/kml"
	"github.com/ruslano69/citydb-tool/pkg/query"
	"github.com/ruslano69/citydb-tool/pkg/resultlog"
	"github.com/ruslano69/citydb-tool/pkg/retry"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/storage"
)

// ErrInvalid - ошибка проверки конфигурации
var ErrInvalid = errors.New("invalid configuration")

// Config - конфигурация citydb
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Cache       CacheConfig       `yaml:"cache"`
	Export      ExportConfig      `yaml:"export"`
	KML         KMLConfig         `yaml:"kml"`
	Delete      DeleteConfig      `yaml:"delete"`
	Import      ImportConfig      `yaml:"import"`
	Output      OutputConfig      `yaml:"output"`
	Retry       retry.Config      `yaml:"retry"`
	ResultLog   resultlog.Config  `yaml:"result_log"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Report      ReportConfig      `yaml:"report"`
}

// DatabaseConfig - подключение к 3DCityDB
type DatabaseConfig struct {
	Type     string        `yaml:"type"` // postgres, mysql, mssql, sqlite
	DSN      string        `yaml:"dsn"`
	Schema   string        `yaml:"schema"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxConns int           `yaml:"max_conns"`
	MinConns int           `yaml:"min_conns"`

	// Workspace - рабочее пространство версионированной БД
	Workspace string `yaml:"workspace"`
}

// ConcurrencyConfig - размеры пула воркеров
type ConcurrencyConfig struct {
	MinWorkers    int `yaml:"min_workers"`
	MaxWorkers    int `yaml:"max_workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// CacheConfig - кэш-таблицы и кэш gml:id
type CacheConfig struct {
	Local       bool    `yaml:"local"`
	LocalDir    string  `yaml:"local_dir"`
	IDCapacity  int     `yaml:"id_capacity"`
	Partitions  int     `yaml:"partitions"`
	DrainFactor float64 `yaml:"drain_factor"`
}

// BBoxConfig - ограничивающий прямоугольник
type BBoxConfig struct {
	MinX float64 `yaml:"min_x"`
	MinY float64 `yaml:"min_y"`
	MaxX float64 `yaml:"max_x"`
	MaxY float64 `yaml:"max_y"`
	SRID int     `yaml:"srid"`
}

// CounterConfig - диапазон номеров объектов (1-based, включительно)
type CounterConfig struct {
	Lower int64 `yaml:"lower"`
	Upper int64 `yaml:"upper"`
}

// TilingConfig - разбиение прямоугольника на плитки
type TilingConfig struct {
	Rows    int `yaml:"rows"`
	Columns int `yaml:"columns"`
}

// QueryConfig - отбор объектов верхнего уровня
type QueryConfig struct {
	FeatureTypes      []string       `yaml:"feature_types"`
	BBox              *BBoxConfig    `yaml:"bbox"`
	Counter           *CounterConfig `yaml:"counter"`
	Tiling            *TilingConfig  `yaml:"tiling"`
	ValidAt           string         `yaml:"valid_at"` // RFC3339 или YYYY-MM-DD
	IncludeTerminated bool           `yaml:"include_terminated"`
}

// ExportConfig - экспорт CityGML
type ExportConfig struct {
	QueryConfig      `yaml:",inline"`
	Output           string `yaml:"output"`
	Compress         bool   `yaml:"compress"`
	CompressionLevel int    `yaml:"compression_level"`
	Dedup            bool   `yaml:"dedup"`
	Textures         bool   `yaml:"textures"`
	TextureDir       string `yaml:"texture_dir"`
	CalculateHits    bool   `yaml:"calculate_hits"`
	SkipIndexCheck   bool   `yaml:"skip_index_check"`
}

// KMLConfig - экспорт KML
type KMLConfig struct {
	DisplayForms    []string `yaml:"display_forms"`
	GroupSize       int      `yaml:"group_size"`
	HeightAttribute string   `yaml:"height_attribute"`
}

// DeleteConfig - удаление или терминирование
type DeleteConfig struct {
	QueryConfig     `yaml:",inline"`
	Mode            string `yaml:"mode"` // delete | terminate
	ListFile        string `yaml:"list_file"`
	ListDelimiter   string `yaml:"list_delimiter"`
	ListColumn      string `yaml:"list_column"`
	ListHeader      bool   `yaml:"list_header"`
	TerminationDate string `yaml:"termination_date"`
	CalculateHits   bool   `yaml:"calculate_hits"`
}

// ImportConfig - импорт CityGML
type ImportConfig struct {
	Inputs       []string `yaml:"inputs"`
	FromBroker   bool     `yaml:"from_broker"`
	Dedup        bool     `yaml:"dedup"`
	SkipExisting bool     `yaml:"skip_existing"`
	Textures     bool     `yaml:"textures"`
}

// OutputConfig - дополнительные получатели результата
type OutputConfig struct {
	// Broker - поток записей в брокер вместе с файлом
	Broker *brokers.Config `yaml:"broker"`
	// S3 - выгрузка готовых файлов
	S3 storage.Config `yaml:"s3"`
}

// LoggingConfig - журнал
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text | json
}

// MetricsConfig - метрики Prometheus
type MetricsConfig struct {
	Addr string `yaml:"addr"` // адрес HTTP сервера метрик на время запуска
	File string `yaml:"file"` // файл для textfile collector
}

// ReportConfig - книга XLSX с итогом запуска
type ReportConfig struct {
	Path string `yaml:"path"`
}

// Load читает, проверяет и дополняет конфигурацию
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse разбирает YAML. Неизвестные ключи считаются ошибкой
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default возвращает конфигурацию без файла
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	if c.Database.Timeout == 0 {
		c.Database.Timeout = 30 * time.Second
	}

	if c.Concurrency.MinWorkers <= 0 {
		c.Concurrency.MinWorkers = 1
	}
	if c.Concurrency.MaxWorkers <= 0 {
		c.Concurrency.MaxWorkers = 4
	}
	if c.Concurrency.MaxWorkers < c.Concurrency.MinWorkers {
		c.Concurrency.MaxWorkers = c.Concurrency.MinWorkers
	}
	// воркеры + splitter + менеджер кэш-таблиц
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = c.Concurrency.MaxWorkers + 4
	}

	if c.Export.TextureDir == "" {
		c.Export.TextureDir = "appearance"
	}
	if len(c.KML.DisplayForms) == 0 {
		c.KML.DisplayForms = []string{string(kml.Footprint)}
	}
	if c.Delete.Mode == "" {
		c.Delete.Mode = string(deleter.ModeDelete)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	c.Retry.SetDefaults()
	c.ResultLog.SetDefaults()
	c.Output.S3.SetDefaults()
}

// Validate проверяет согласованность конфигурации
func (c *Config) Validate() error {
	if c.Database.Type != "" && !adapters.IsRegistered(c.Database.Type) {
		return fmt.Errorf("%w: database: unknown type %q (available: %v)", ErrInvalid, c.Database.Type, adapters.GetRegisteredTypes())
	}
	if c.Concurrency.QueueCapacity < 0 {
		return fmt.Errorf("%w: concurrency: queue_capacity must be >= 0", ErrInvalid)
	}
	if c.Cache.DrainFactor < 0 || c.Cache.DrainFactor > 1 {
		return fmt.Errorf("%w: cache: drain_factor must be between 0 and 1", ErrInvalid)
	}

	if err := c.Export.QueryConfig.validate(); err != nil {
		return fmt.Errorf("%w: export: %v", ErrInvalid, err)
	}
	if err := c.Delete.QueryConfig.validate(); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrInvalid, err)
	}
	if c.Delete.Tiling != nil {
		return fmt.Errorf("%w: delete: %v", ErrInvalid, deleter.ErrTiledDelete)
	}
	if _, err := deleter.ParseMode(c.Delete.Mode); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrInvalid, err)
	}
	if _, err := c.Delete.Termination(); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrInvalid, err)
	}

	for _, name := range c.KML.DisplayForms {
		if _, err := kml.ParseDisplayForm(name); err != nil {
			return fmt.Errorf("%w: kml: %v", ErrInvalid, err)
		}
	}
	if c.KML.GroupSize < 0 {
		return fmt.Errorf("%w: kml: group_size must be >= 0", ErrInvalid)
	}

	if c.Import.FromBroker && c.Output.Broker == nil {
		return fmt.Errorf("%w: import: from_broker requires output.broker", ErrInvalid)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging: format must be text or json, got %q", ErrInvalid, c.Logging.Format)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalid, err)
	}
	if err := c.ResultLog.Validate(); err != nil {
		return fmt.Errorf("%w: result_log: %v", ErrInvalid, err)
	}
	if err := c.Output.S3.Validate(); err != nil {
		return fmt.Errorf("%w: output.s3: %v", ErrInvalid, err)
	}
	return nil
}

func (q *QueryConfig) validate() error {
	if q.BBox != nil {
		if err := q.bbox().Validate(); err != nil {
			return err
		}
	}
	if q.Counter != nil {
		if err := (query.CounterFilter{Lower: q.Counter.Lower, Upper: q.Counter.Upper}).Validate(); err != nil {
			return err
		}
	}
	if q.Tiling != nil && q.BBox == nil {
		return errors.New("tiling requires a bounding box")
	}
	if _, err := parseTime(q.ValidAt); err != nil {
		return fmt.Errorf("valid_at: %w", err)
	}
	return nil
}

func (q *QueryConfig) bbox() query.BoundingBox {
	return query.BoundingBox{MinX: q.BBox.MinX, MinY: q.BBox.MinY, MaxX: q.BBox.MaxX, MaxY: q.BBox.MaxY, SRID: q.BBox.SRID}
}

// Query строит запрос. Без списка типов выбираются все типы верхнего уровня
func (q *QueryConfig) Query(registry *schema.Registry, workspace string) (*query.Query, error) {
	out := &query.Query{
		IncludeTerminated: q.IncludeTerminated,
		Workspace:         workspace,
	}

	if len(q.FeatureTypes) > 0 {
		types, err := registry.ResolveNames(q.FeatureTypes)
		if err != nil {
			return nil, err
		}
		out.FeatureTypes = types
	} else {
		out.FeatureTypes = registry.TopLevelTypes()
	}

	if q.BBox != nil {
		bbox := q.bbox()
		out.BBox = &bbox
	}
	if q.Counter != nil {
		out.Counter = &query.CounterFilter{Lower: q.Counter.Lower, Upper: q.Counter.Upper}
	}
	if q.Tiling != nil {
		if out.BBox == nil {
			return nil, errors.New("tiling requires a bounding box")
		}
		out.Tiling = &query.Tiling{Rows: q.Tiling.Rows, Columns: q.Tiling.Columns, Extent: *out.BBox}
	}

	validAt, err := parseTime(q.ValidAt)
	if err != nil {
		return nil, fmt.Errorf("valid_at: %w", err)
	}
	out.ValidAt = validAt

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Termination возвращает дату терминирования; пустое значение - текущее время
func (d *DeleteConfig) Termination() (time.Time, error) {
	t, err := parseTime(d.TerminationDate)
	if err != nil || t == nil {
		return time.Time{}, err
	}
	return *t, nil
}

// ListOptions - параметры чтения списка gml:id
func (d *DeleteConfig) ListOptions() deleter.ListOptions {
	opts := deleter.ListOptions{Column: d.ListColumn, HasHeader: d.ListHeader}
	if d.ListDelimiter != "" {
		opts.Delimiter = []rune(d.ListDelimiter)[0]
	}
	return opts
}

// Adapter - конфигурация адаптера БД
func (d *DatabaseConfig) Adapter() adapters.Config {
	dbType := d.Type
	if name, ok := adapters.Canonical(dbType); ok {
		dbType = name
	}
	return adapters.Config{
		Type:     dbType,
		DSN:      d.DSN,
		Schema:   d.Schema,
		Timeout:  d.Timeout,
		MaxConns: d.MaxConns,
		MinConns: d.MinConns,
	}
}

// CacheManager - конфигурация менеджера кэш-таблиц
func (c *CacheConfig) CacheManager() cache.Config {
	return cache.Config{Local: c.Local, LocalDir: c.LocalDir}
}

// IDCache - конфигурация кэша gml:id
func (c *CacheConfig) IDCache() cache.IDCacheConfig {
	return cache.IDCacheConfig{Capacity: c.IDCapacity, Partitions: c.Partitions, DrainFactor: c.DrainFactor}
}

func parseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("cannot parse %q as RFC3339 or YYYY-MM-DD", s)
}

// ExportJob собирает конфигурацию экспорта CityGML
func (c *Config) ExportJob(registry *schema.Registry) (export.Config, error) {
	q, err := c.Export.Query(registry, c.Database.Workspace)
	if err != nil {
		return export.Config{}, err
	}

	e := c.Export
	return export.Config{
		Query:            q,
		OutputFile:       e.Output,
		Compress:         e.Compress,
		CompressionLevel: e.CompressionLevel,
		MinWorkers:       c.Concurrency.MinWorkers,
		MaxWorkers:       c.Concurrency.MaxWorkers,
		QueueCapacity:    c.Concurrency.QueueCapacity,
		CalculateHits:    e.CalculateHits,
		Dedup:            e.Dedup,
		IDCache:          c.Cache.IDCache(),
		Cache:            c.Cache.CacheManager(),
		ExportTextures:   e.Textures,
		TextureDir:       e.TextureDir,
		SkipIndexCheck:   e.SkipIndexCheck,
	}, nil
}

// KMLJob собирает конфигурацию экспорта KML. Запрос берется из секции export
func (c *Config) KMLJob(registry *schema.Registry) (kml.Config, error) {
	exp, err := c.ExportJob(registry)
	if err != nil {
		return kml.Config{}, err
	}

	forms := make([]kml.DisplayForm, 0, len(c.KML.DisplayForms))
	for _, name := range c.KML.DisplayForms {
		form, err := kml.ParseDisplayForm(name)
		if err != nil {
			return kml.Config{}, err
		}
		forms = append(forms, form)
	}

	return kml.Config{
		Export:          exp,
		DisplayForms:    forms,
		GroupSize:       c.KML.GroupSize,
		HeightAttribute: c.KML.HeightAttribute,
	}, nil
}

// DeleteJob собирает конфигурацию удаления. Список gml:id читается из list_file
func (c *Config) DeleteJob(registry *schema.Registry) (deleter.Config, error) {
	q, err := c.Delete.Query(registry, c.Database.Workspace)
	if err != nil {
		return deleter.Config{}, err
	}
	mode, err := deleter.ParseMode(c.Delete.Mode)
	if err != nil {
		return deleter.Config{}, err
	}
	date, err := c.Delete.Termination()
	if err != nil {
		return deleter.Config{}, err
	}

	var list []string
	if c.Delete.ListFile != "" {
		list, err = deleter.ReadListFile(c.Delete.ListFile, c.Delete.ListOptions())
		if err != nil {
			return deleter.Config{}, err
		}
	}

	return deleter.Config{
		Query:           q,
		Mode:            mode,
		List:            list,
		TerminationDate: date,
		MinWorkers:      c.Concurrency.MinWorkers,
		MaxWorkers:      c.Concurrency.MaxWorkers,
		QueueCapacity:   c.Concurrency.QueueCapacity,
		CalculateHits:   c.Delete.CalculateHits,
		Cache:           c.Cache.CacheManager(),
	}, nil
}

// ImportJob собирает конфигурацию импорта
func (c *Config) ImportJob() importer.Config {
	return importer.Config{
		Inputs:         c.Import.Inputs,
		MinWorkers:     c.Concurrency.MinWorkers,
		MaxWorkers:     c.Concurrency.MaxWorkers,
		QueueCapacity:  c.Concurrency.QueueCapacity,
		Dedup:          c.Import.Dedup,
		IDCache:        c.Cache.IDCache(),
		Cache:          c.Cache.CacheManager(),
		SkipExisting:   c.Import.SkipExisting,
		ImportTextures: c.Import.Textures,
	}
}
