package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Table - кэш-таблица
//
// Создается лениво: первый вызов Create выполняет DDL, остальные получают
// готовую таблицу. Проверка created выполняется дважды: без блокировки и под
// блокировкой таблицы, поэтому разные модели создаются параллельно.
// Индексы добавляются после заполнения (CreateIndexes).
type Table struct {
	name    string
	model   Model
	manager *Manager

	created atomic.Bool
	indexed atomic.Bool
	dropped atomic.Bool
	mu      sync.Mutex

	mirrorOnce sync.Mutex
	mirror     *Table
}

// Name возвращает имя таблицы в БД
func (t *Table) Name() string { return t.name }

// Model возвращает модель таблицы
func (t *Table) Model() Model { return t.model }

// IsCreated сообщает, выполнен ли DDL
func (t *Table) IsCreated() bool { return t.created.Load() }

// Create создает таблицу, если она еще не создана
func (t *Table) Create(ctx context.Context) error {
	if t.created.Load() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.created.Load() {
		return nil
	}

	if err := t.manager.exec(ctx, t.createDDL()); err != nil {
		return fmt.Errorf("failed to create cache table %s: %w", t.name, err)
	}
	t.created.Store(true)
	t.manager.log.Debug().Str("table", t.name).Str("model", t.model.String()).Msg("Created cache table")
	return nil
}

// CreateIndexes добавляет индексы модели
// Вызывается после массовой загрузки
func (t *Table) CreateIndexes(ctx context.Context) error {
	if t.indexed.Load() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexed.Load() {
		return nil
	}
	if !t.created.Load() {
		return fmt.Errorf("cache table %s is not created", t.name)
	}

	for _, col := range t.model.Columns() {
		if !col.Indexed {
			continue
		}
		ddl := fmt.Sprintf("CREATE INDEX %s_%s_idx ON %s (%s)", t.name, col.Name, t.name, col.Name)
		if err := t.manager.exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to index cache table %s: %w", t.name, err)
		}
	}
	t.indexed.Store(true)
	return nil
}

// Mirror создает индексированную копию таблицы (CREATE TABLE AS SELECT)
// Копия создается один раз. Читатели копии не мешают писателям в исходную.
func (t *Table) Mirror(ctx context.Context) (*Table, error) {
	t.mirrorOnce.Lock()
	defer t.mirrorOnce.Unlock()
	if t.mirror != nil {
		return t.mirror, nil
	}
	if !t.created.Load() {
		return nil, fmt.Errorf("cache table %s is not created", t.name)
	}

	m := t.manager.newTable(t.model, t.name+"_m")
	d := t.manager.dialect
	if err := t.manager.exec(ctx, d.CreateTableAs(m.name, "SELECT * FROM "+t.name)); err != nil {
		return nil, fmt.Errorf("failed to mirror cache table %s: %w", t.name, err)
	}
	m.created.Store(true)
	t.manager.register(m)

	if err := m.CreateIndexes(ctx); err != nil {
		return nil, err
	}
	t.mirror = m
	return m, nil
}

// Insert добавляет строку. Значения идут в порядке колонок модели
func (t *Table) Insert(ctx context.Context, values ...any) error {
	if _, err := t.manager.db.ExecContext(ctx, t.insertSQL(), values...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", t.name, err)
	}
	return nil
}

// InsertBatch добавляет строки в одной транзакции
func (t *Table) InsertBatch(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := t.manager.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch for %s: %w", t.name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, t.insertSQL())
	if err != nil {
		return fmt.Errorf("failed to prepare insert into %s: %w", t.name, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", t.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch for %s: %w", t.name, err)
	}
	return nil
}

// LookupID ищет строку по gml:id в таблицах моделей с колонками gmlid, id
// Третья колонка (objectclass_id или root_id) возвращается в aux
func (t *Table) LookupID(ctx context.Context, gmlID string) (id int64, aux int64, ok bool, err error) {
	cols := t.model.Columns()
	if len(cols) < 3 || cols[0].Name != "gmlid" {
		return 0, 0, false, fmt.Errorf("cache table %s has no gml:id mapping", t.name)
	}

	q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE gmlid = %s",
		cols[1].Name, cols[2].Name, t.name, t.manager.dialect.Placeholder(1))
	var auxVal sql.NullInt64
	err = t.manager.db.QueryRowContext(ctx, q, gmlID).Scan(&id, &auxVal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to look up %s in %s: %w", gmlID, t.name, err)
	}
	return id, auxVal.Int64, true, nil
}

// Count возвращает число строк
func (t *Table) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := t.manager.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.name, err)
	}
	return n, nil
}

// Truncate удаляет все строки
func (t *Table) Truncate(ctx context.Context) error {
	if err := t.manager.exec(ctx, "DELETE FROM "+t.name); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", t.name, err)
	}
	return nil
}

// drop удаляет таблицу. Повторный вызов ничего не делает
func (t *Table) drop(ctx context.Context) error {
	if !t.created.Load() || !t.dropped.CompareAndSwap(false, true) {
		return nil
	}
	if err := t.manager.exec(ctx, "DROP TABLE "+t.name); err != nil {
		return fmt.Errorf("failed to drop cache table %s: %w", t.name, err)
	}
	t.manager.log.Debug().Str("table", t.name).Msg("Dropped cache table")
	return nil
}

func (t *Table) createDDL() string {
	d := t.manager.dialect
	cols := t.model.Columns()
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c.Name + " " + c.Type(d)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", t.name, strings.Join(defs, ", "))
}

func (t *Table) insertSQL() string {
	d := t.manager.dialect
	cols := t.model.Columns()
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		params[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(names, ", "), strings.Join(params, ", "))
}

// BranchTable - основная таблица и независимые ветки с той же схемой
// Каждый воркер пишет в свою ветку без конкуренции за одну таблицу.
// Запись в выданную ветку не синхронизируется.
type BranchTable struct {
	main *Table

	mu       sync.Mutex
	branches []*Table
}

// Main возвращает основную таблицу
func (b *BranchTable) Main() *Table { return b.main }

// Branch создает новую ветку
func (b *BranchTable) Branch(ctx context.Context) (*Table, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.main.manager
	t := m.newTable(b.main.model, fmt.Sprintf("%s_b%d", b.main.name, len(b.branches)+1))
	if err := t.Create(ctx); err != nil {
		return nil, err
	}
	m.register(t)
	b.branches = append(b.branches, t)
	return t, nil
}

// Branches возвращает созданные ветки
func (b *BranchTable) Branches() []*Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Table(nil), b.branches...)
}

// Merge переносит строки всех веток в основную таблицу
func (b *BranchTable) Merge(ctx context.Context) error {
	for _, t := range b.Branches() {
		q := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", b.main.name, t.name)
		if err := b.main.manager.exec(ctx, q); err != nil {
			return fmt.Errorf("failed to merge %s into %s: %w", t.name, b.main.name, err)
		}
		if err := t.Truncate(ctx); err != nil {
			return err
		}
	}
	return nil
}
