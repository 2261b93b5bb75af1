package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeebo/xxh3"
)

// Entry - запись кэша gml:id
type Entry struct {
	ID  int64
	Aux int64 // objectclass_id или root_id, в зависимости от модели
}

// IDCacheConfig - параметры кэша gml:id
type IDCacheConfig struct {
	// Model - модель таблиц (ModelGMLIDFeature, ModelGMLIDGeometry, ModelImportFeatureIDs)
	Model Model

	// Capacity - число записей в памяти по всем разделам
	Capacity int

	// Partitions - число разделов и таблиц для вытесненных записей
	Partitions int

	// DrainFactor - доля записей раздела, вытесняемая при переполнении
	DrainFactor float64
}

// SetDefaults заполняет незаданные значения
func (c *IDCacheConfig) SetDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 200000
	}
	if c.Partitions <= 0 {
		c.Partitions = 10
	}
	if c.DrainFactor <= 0 || c.DrainFactor > 1 {
		c.DrainFactor = 0.85
	}
}

// IDCache - кэш gml:id для подавления дубликатов
//
// Ключи распределяются по разделам по xxh3(gml:id). Каждый раздел имеет
// свою блокировку, карту в памяти и свою ветку кэш-таблицы, куда
// вытесняются старые записи при переполнении.
type IDCache struct {
	manager    *Manager
	model      Model
	partitions []*idPartition
	branch     *BranchTable
	limit      int
	drain      int
	branchMu   sync.Mutex
}

type idPartition struct {
	mu      sync.Mutex
	entries map[string]Entry
	order   []string
	table   *Table
}

// NewIDCache создает кэш. Таблицы создаются при первом вытеснении
func NewIDCache(manager *Manager, cfg IDCacheConfig) (*IDCache, error) {
	cfg.SetDefaults()
	if !cfg.Model.valid() {
		return nil, fmt.Errorf("unknown cache model %d", int(cfg.Model))
	}
	cols := cfg.Model.Columns()
	if len(cols) < 3 || cols[0].Name != "gmlid" {
		return nil, fmt.Errorf("cache model %s has no gml:id mapping", cfg.Model)
	}

	limit := cfg.Capacity / cfg.Partitions
	if limit < 1 {
		limit = 1
	}
	drain := int(float64(limit) * cfg.DrainFactor)
	if drain < 1 {
		drain = 1
	}

	c := &IDCache{
		manager: manager,
		model:   cfg.Model,
		limit:   limit,
		drain:   drain,
	}
	c.partitions = make([]*idPartition, cfg.Partitions)
	for i := range c.partitions {
		c.partitions[i] = &idPartition{entries: make(map[string]Entry)}
	}
	return c, nil
}

func (c *IDCache) partition(gmlID string) *idPartition {
	return c.partitions[xxh3.HashString(gmlID)%uint64(len(c.partitions))]
}

// PutIfAbsent добавляет запись, если gml:id еще не встречался
// Возвращает true, если запись уже была (дубликат)
func (c *IDCache) PutIfAbsent(ctx context.Context, gmlID string, id, aux int64) (bool, error) {
	p := c.partition(gmlID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[gmlID]; ok {
		return true, nil
	}
	if p.table != nil {
		_, _, ok, err := p.table.LookupID(ctx, gmlID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	p.entries[gmlID] = Entry{ID: id, Aux: aux}
	p.order = append(p.order, gmlID)

	if len(p.entries) > c.limit {
		if err := c.spill(ctx, p); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Get возвращает запись по gml:id
func (c *IDCache) Get(ctx context.Context, gmlID string) (Entry, bool, error) {
	p := c.partition(gmlID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[gmlID]; ok {
		return e, true, nil
	}
	if p.table == nil {
		return Entry{}, false, nil
	}
	id, aux, ok, err := p.table.LookupID(ctx, gmlID)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return Entry{ID: id, Aux: aux}, true, nil
}

// Len возвращает число записей в памяти
func (c *IDCache) Len() int {
	n := 0
	for _, p := range c.partitions {
		p.mu.Lock()
		n += len(p.entries)
		p.mu.Unlock()
	}
	return n
}

// Spilled возвращает число разделов, вытеснявших записи в таблицы
func (c *IDCache) Spilled() int {
	n := 0
	for _, p := range c.partitions {
		p.mu.Lock()
		if p.table != nil {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// spill переносит старейшие записи раздела в его таблицу
func (c *IDCache) spill(ctx context.Context, p *idPartition) error {
	if p.table == nil {
		t, err := c.newPartitionTable(ctx)
		if err != nil {
			return err
		}
		p.table = t
	}

	n := c.drain
	if n > len(p.order) {
		n = len(p.order)
	}
	rows := make([][]any, 0, n)
	for _, gmlID := range p.order[:n] {
		e := p.entries[gmlID]
		rows = append(rows, []any{gmlID, e.ID, e.Aux})
	}
	if err := p.table.InsertBatch(ctx, rows); err != nil {
		return err
	}
	// индексы после первой загрузки
	if err := p.table.CreateIndexes(ctx); err != nil {
		return err
	}

	for _, gmlID := range p.order[:n] {
		delete(p.entries, gmlID)
	}
	p.order = append([]string(nil), p.order[n:]...)
	return nil
}

func (c *IDCache) newPartitionTable(ctx context.Context) (*Table, error) {
	c.branchMu.Lock()
	defer c.branchMu.Unlock()

	if c.branch == nil {
		b, err := c.manager.BranchCacheTable(ctx, c.model)
		if err != nil {
			return nil, err
		}
		c.branch = b
	}
	return c.branch.Branch(ctx)
}
