package splitter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/ruslano69/citydb-tool/pkg/adapters/sqlite"
	"github.com/ruslano69/citydb-tool/pkg/cache"
	"github.com/ruslano69/citydb-tool/pkg/citydb/citydbtest"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/query"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collectingSink struct {
	mu    sync.Mutex
	items []SplittingResult
	onAdd func(n int)
}

func (c *collectingSink) AddWork(ctx context.Context, item SplittingResult) error {
	c.mu.Lock()
	c.items = append(c.items, item)
	n := len(c.items)
	c.mu.Unlock()
	if c.onAdd != nil {
		c.onAdd(n)
	}
	return nil
}

type fixture struct {
	adapter    *sqlite.Adapter
	registry   *schema.Registry
	dispatcher *events.Dispatcher
	interrupt  *events.Interrupt
	splitter   *Splitter
	logs       *bytes.Buffer
}

func newFixture(t *testing.T, buildings int) *fixture {
	t.Helper()
	adapter := citydbtest.New(t)
	if buildings > 0 {
		citydbtest.Insert(t, adapter, citydbtest.Buildings(buildings, schema.ClassBuilding)...)
	}

	logs := &bytes.Buffer{}
	log := zerolog.New(zerolog.SyncWriter(logs))
	dispatcher := events.NewDispatcher(log)
	t.Cleanup(dispatcher.Close)
	interrupt := events.NewInterrupt(dispatcher, log)
	registry := schema.NewCityGMLRegistry()

	return &fixture{
		adapter:    adapter,
		registry:   registry,
		dispatcher: dispatcher,
		interrupt:  interrupt,
		splitter:   New(adapter, registry, dispatcher, interrupt, log),
		logs:       logs,
	}
}

func (f *fixture) query(t *testing.T, names ...string) *query.Query {
	t.Helper()
	types, err := f.registry.ResolveNames(names)
	if err != nil {
		t.Fatalf("ResolveNames: %v", err)
	}
	return &query.Query{FeatureTypes: types}
}

func TestStartQuery_AllRows(t *testing.T) {
	f := newFixture(t, 25)
	sink := &collectingSink{}

	n, err := f.splitter.StartQuery(context.Background(), f.query(t, "Building"), sink)
	if err != nil {
		t.Fatalf("StartQuery: %v", err)
	}
	if n != 25 || len(sink.items) != 25 {
		t.Fatalf("expected 25 items, got n=%d items=%d", n, len(sink.items))
	}
	for i, item := range sink.items {
		if item.ID != int64(i+1) {
			t.Errorf("item %d has id %d, expected scan order", i, item.ID)
		}
		if item.Type == nil || item.Type.ID != schema.ClassBuilding {
			t.Errorf("item %d has wrong type %v", i, item.Type)
		}
		if item.GMLID == "" {
			t.Errorf("item %d has no gml:id", i)
		}
	}
}

func TestStartQuery_CounterRange(t *testing.T) {
	f := newFixture(t, 55)
	f.splitter.CalculateHits = true

	var hits int64
	var mu sync.Mutex
	f.dispatcher.OnProgressBar(func(e events.ProgressBarEvent) {
		if e.Mode == events.ProgressInit {
			mu.Lock()
			hits = e.Value
			mu.Unlock()
		}
	})

	q := f.query(t, "Building")
	q.Counter = &query.CounterFilter{Lower: 10, Upper: 30}

	sink := &collectingSink{}
	n, err := f.splitter.StartQuery(context.Background(), q, sink)
	if err != nil {
		t.Fatalf("StartQuery: %v", err)
	}
	if n != 21 {
		t.Fatalf("expected 21 items, got %d", n)
	}
	if sink.items[0].ID != 10 || sink.items[20].ID != 30 {
		t.Errorf("expected rows 10..30, got %d..%d", sink.items[0].ID, sink.items[20].ID)
	}

	if err := f.dispatcher.FlushEvents(context.Background()); err != nil {
		t.Fatalf("FlushEvents: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 21 {
		t.Errorf("expected 21 hits, got %d", hits)
	}
}

func TestStartQuery_EmptyTypesAndNoMatches(t *testing.T) {
	f := newFixture(t, 0)
	sink := &collectingSink{}

	n, err := f.splitter.StartQuery(context.Background(), &query.Query{}, sink)
	if err != nil || n != 0 {
		t.Errorf("empty type set: n=%d err=%v", n, err)
	}

	f.splitter.CalculateHits = true
	n, err = f.splitter.StartQuery(context.Background(), f.query(t, "Building"), sink)
	if err != nil || n != 0 {
		t.Errorf("no matches: n=%d err=%v", n, err)
	}
	if len(sink.items) != 0 {
		t.Errorf("expected no items, got %d", len(sink.items))
	}
}

func TestStartQuery_UnknownObjectClassSkipped(t *testing.T) {
	f := newFixture(t, 5)

	// ADE тип известен построителю запроса, но не реестру splitter'а
	registry := schema.NewCityGMLRegistry()
	ade := &schema.FeatureType{ID: 9999, Name: "ADEFeature", TopLevel: true}
	if err := registry.Register(ade); err != nil {
		t.Fatalf("Register: %v", err)
	}
	building, _ := registry.Lookup(schema.ClassBuilding)
	citydbtest.Insert(t, f.adapter, citydbtest.Feature{ID: 100, ObjectClassID: 9999, GMLID: "ADE_1"})

	f.splitter.builder = query.NewBuilder(registry)
	q := &query.Query{FeatureTypes: []*schema.FeatureType{ade, building}}

	sink := &collectingSink{}
	n, err := f.splitter.StartQuery(context.Background(), q, sink)
	if err != nil {
		t.Fatalf("StartQuery: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 items, got %d", n)
	}
	if !strings.Contains(f.logs.String(), "unknown objectclass_id") {
		t.Errorf("expected unknown class to be logged: %s", f.logs.String())
	}
}

func TestStartQuery_CancelMidScan(t *testing.T) {
	f := newFixture(t, 2000)

	sink := &collectingSink{onAdd: func(n int) {
		if n == 100 {
			f.interrupt.Cancel("Export aborted by user")
		}
	}}

	n, err := f.splitter.StartQuery(context.Background(), f.query(t, "Building"), sink)
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if n != 100 || len(sink.items) != 100 {
		t.Errorf("expected scan to stop after 100 items, got n=%d items=%d", n, len(sink.items))
	}
}

func TestStartQuery_SinkError(t *testing.T) {
	f := newFixture(t, 3)
	boom := errors.New("queue broken")

	sink := WorkSinkFunc(func(ctx context.Context, item SplittingResult) error { return boom })
	_, err := f.splitter.StartQuery(context.Background(), f.query(t, "Building"), sink)
	if !errors.Is(err, boom) {
		t.Errorf("expected sink error, got %v", err)
	}
}

func TestStartQuery_SQLError(t *testing.T) {
	f := newFixture(t, 1)
	if _, err := f.adapter.DB().Exec("DROP TABLE cityobject"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	_, err := f.splitter.StartQuery(context.Background(), f.query(t, "Building"), &collectingSink{})
	if err == nil {
		t.Fatal("expected SQL error")
	}
}

func TestStartQuery_Dedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	m, err := cache.NewManager(ctx, f.adapter, cache.Config{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.DropAll(ctx)
	ids, err := cache.NewIDCache(m, cache.IDCacheConfig{Model: cache.ModelGMLIDFeature, Capacity: 4, Partitions: 2})
	if err != nil {
		t.Fatalf("NewIDCache: %v", err)
	}
	f.splitter.Dedup = ids

	first := &collectingSink{}
	if n, err := f.splitter.StartQuery(ctx, f.query(t, "Building"), first); err != nil || n != 10 {
		t.Fatalf("first pass: n=%d err=%v", n, err)
	}
	for _, item := range first.items {
		if !item.CheckedForDuplicate {
			t.Fatalf("item %d not marked as checked", item.ID)
		}
	}

	second := &collectingSink{}
	if n, err := f.splitter.StartQuery(ctx, f.query(t, "Building"), second); err != nil || n != 0 {
		t.Errorf("second pass must skip duplicates: n=%d err=%v", n, err)
	}
}
