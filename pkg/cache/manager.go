package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/adapters/sqlite"
)

// ErrManagerClosed - менеджер уже освободил таблицы
var ErrManagerClosed = errors.New("cache table manager is closed")

// Config - параметры менеджера кэш-таблиц
type Config struct {
	// Local - держать кэш в локальной SQLite БД вместо целевой БД
	Local bool

	// LocalDir - каталог для локальной БД. Менеджер создает в нем свой
	// подкаталог и удаляет его в DropAll
	LocalDir string

	Logger zerolog.Logger
}

var managerSeq atomic.Uint64

// Manager создает и удаляет кэш-таблицы одного запуска
type Manager struct {
	db      *sql.DB
	conn    *sql.Conn // подключение менеджера для DDL
	dialect adapters.Dialect
	suffix  string
	log     zerolog.Logger

	local    *sqlite.Adapter
	localDir string

	mu       sync.Mutex
	tables   map[Model]*Table
	branches map[Model]*BranchTable
	all      []*Table
	closed   bool
}

// NewManager создает менеджер. Менеджер берет одно подключение из adapter
// (или открывает локальную БД) и держит его до DropAll
func NewManager(ctx context.Context, adapter adapters.Adapter, cfg Config) (*Manager, error) {
	m := &Manager{
		suffix:   fmt.Sprintf("%d_%d", os.Getpid()%100000, managerSeq.Add(1)),
		log:      cfg.Logger.With().Str("component", "cache").Logger(),
		tables:   make(map[Model]*Table),
		branches: make(map[Model]*BranchTable),
	}

	if cfg.Local {
		base := cfg.LocalDir
		if base == "" {
			base = os.TempDir()
		}
		dir, err := os.MkdirTemp(base, "citydb-cache-")
		if err != nil {
			return nil, fmt.Errorf("failed to create local cache directory: %w", err)
		}
		local, err := sqlite.NewAdapter(ctx, filepath.Join(dir, "cache.db"))
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to open local cache database: %w", err)
		}
		m.local = local
		m.localDir = dir
		m.db = local.DB()
		m.dialect = local.Dialect()
	} else {
		m.db = adapter.DB()
		m.dialect = adapter.Dialect()
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		m.releaseLocal()
		return nil, fmt.Errorf("failed to acquire cache connection: %w", err)
	}
	m.conn = conn

	m.log.Debug().Bool("local", cfg.Local).Str("dir", m.localDir).Msg("Cache table manager ready")
	return m, nil
}

// Dialect возвращает диалект БД кэш-таблиц
func (m *Manager) Dialect() adapters.Dialect { return m.dialect }

// DB возвращает пул подключений БД кэш-таблиц
func (m *Manager) DB() *sql.DB { return m.db }

// IsLocal сообщает, используется ли локальная БД
func (m *Manager) IsLocal() bool { return m.local != nil }

// CacheTable возвращает таблицу модели, создавая ее при первом обращении
// Все вызывающие получают один и тот же *Table
func (m *Manager) CacheTable(ctx context.Context, model Model) (*Table, error) {
	t, err := m.handle(model)
	if err != nil {
		return nil, err
	}
	if err := t.Create(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// IndexedCacheTable создает таблицу модели вместе с индексами
func (m *Manager) IndexedCacheTable(ctx context.Context, model Model) (*Table, error) {
	t, err := m.CacheTable(ctx, model)
	if err != nil {
		return nil, err
	}
	if err := t.CreateIndexes(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// BranchCacheTable возвращает таблицу модели с ветками
func (m *Manager) BranchCacheTable(ctx context.Context, model Model) (*BranchTable, error) {
	main, err := m.CacheTable(ctx, model)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.branches[model]; ok {
		return b, nil
	}
	b := &BranchTable{main: main}
	m.branches[model] = b
	return b, nil
}

// Lookup возвращает уже созданную таблицу модели
func (m *Manager) Lookup(model Model) (*Table, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[model]
	if !ok || !t.IsCreated() {
		return nil, false
	}
	return t, true
}

// Drop удаляет одну таблицу
func (m *Manager) Drop(ctx context.Context, t *Table) error {
	return t.drop(ctx)
}

// DropAll удаляет все созданные таблицы, даже если удаление одной из них
// завершилось ошибкой, затем освобождает подключение и локальный каталог.
// Возвращает первую ошибку.
func (m *Manager) DropAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tables := append([]*Table(nil), m.all...)
	m.mu.Unlock()

	var first error
	failed := 0
	// ветки и зеркала зарегистрированы позже основных таблиц
	for i := len(tables) - 1; i >= 0; i-- {
		if err := tables[i].drop(ctx); err != nil {
			failed++
			if first == nil {
				first = err
			} else {
				m.log.Warn().Err(err).Msg("Failed to drop cache table")
			}
		}
	}

	if err := m.conn.Close(); err != nil && first == nil {
		first = fmt.Errorf("failed to release cache connection: %w", err)
	}
	if err := m.releaseLocal(); err != nil && first == nil {
		first = err
	}

	m.log.Debug().Int("tables", len(tables)).Int("failed", failed).Msg("Cache tables dropped")
	return first
}

func (m *Manager) releaseLocal() error {
	if m.local == nil {
		return nil
	}
	var errs []error
	if err := m.local.Close(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("failed to close local cache database: %w", err))
	}
	if err := os.RemoveAll(m.localDir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove local cache directory: %w", err))
	}
	m.local = nil
	return errors.Join(errs...)
}

// handle возвращает (не создавая в БД) таблицу модели
func (m *Manager) handle(model Model) (*Table, error) {
	if !model.valid() {
		return nil, fmt.Errorf("unknown cache model %d", int(model))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if t, ok := m.tables[model]; ok {
		return t, nil
	}
	t := &Table{
		name:    fmt.Sprintf("%s_%s", model, m.suffix),
		model:   model,
		manager: m,
	}
	m.tables[model] = t
	m.all = append(m.all, t)
	return t, nil
}

func (m *Manager) newTable(model Model, name string) *Table {
	return &Table{name: name, model: model, manager: m}
}

func (m *Manager) register(t *Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all = append(m.all, t)
}

func (m *Manager) exec(ctx context.Context, query string) error {
	_, err := m.conn.ExecContext(ctx, query)
	return err
}
