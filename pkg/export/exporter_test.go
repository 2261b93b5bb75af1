package export

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/adapters/sqlite"
	"github.com/ruslano69/citydb-tool/pkg/citydb/citydbtest"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/query"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/splitter"
	"github.com/ruslano69/citydb-tool/pkg/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	adapter    *sqlite.Adapter
	registry   *schema.Registry
	dispatcher *events.Dispatcher
	interrupt  *events.Interrupt
	logs       *bytes.Buffer
	log        zerolog.Logger
	dir        string
}

func newFixture(t *testing.T, features ...citydbtest.Feature) *fixture {
	t.Helper()
	adapter := citydbtest.New(t)
	if len(features) > 0 {
		citydbtest.Insert(t, adapter, features...)
	}

	logs := &bytes.Buffer{}
	log := zerolog.New(zerolog.SyncWriter(logs))
	dispatcher := events.NewDispatcher(log)
	t.Cleanup(dispatcher.Close)

	return &fixture{
		adapter:    adapter,
		registry:   schema.NewCityGMLRegistry(),
		dispatcher: dispatcher,
		interrupt:  events.NewInterrupt(dispatcher, log),
		logs:       logs,
		log:        log,
		dir:        t.TempDir(),
	}
}

func (f *fixture) query(t *testing.T) *query.Query {
	t.Helper()
	types, err := f.registry.ResolveNames([]string{"Building"})
	if err != nil {
		t.Fatalf("ResolveNames: %v", err)
	}
	return &query.Query{FeatureTypes: types}
}

func (f *fixture) exporter(cfg Config) *Exporter {
	if cfg.OutputFile == "" {
		cfg.OutputFile = filepath.Join(f.dir, "city.gml")
	}
	if cfg.MaxWorkers == 0 {
		cfg.MinWorkers, cfg.MaxWorkers = 2, 4
	}
	return NewExporter(f.adapter, f.registry, f.dispatcher, f.interrupt, cfg, f.log)
}

// assertCleanup проверяет, что кэш-таблицы удалены ровно один раз
func (f *fixture) assertCleanup(t *testing.T) {
	t.Helper()
	if n := strings.Count(f.logs.String(), "Cache tables dropped"); n != 1 {
		t.Errorf("cache cleanup ran %d times, want 1", n)
	}
	var tables int
	err := f.adapter.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'tmp_%'`).Scan(&tables)
	if err != nil {
		t.Fatalf("count cache tables: %v", err)
	}
	if tables != 0 {
		t.Errorf("%d cache tables left behind", tables)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func members(doc string) int {
	return strings.Count(doc, "<core:cityObjectMember>")
}

func TestExport_AllFeatures(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(25, schema.ClassBuilding)...)
	q := f.query(t)

	res, err := f.exporter(Config{Query: q, CalculateHits: true}).DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}
	if res.Aborted {
		t.Error("run reported as aborted")
	}
	if res.Emitted != 25 {
		t.Errorf("emitted = %d, want 25", res.Emitted)
	}
	if got := res.Counters.Get(events.CounterTopLevelFeature, "Building"); got != 25 {
		t.Errorf("Building counter = %d, want 25", got)
	}
	if got := res.Counters.Total(events.CounterGeometry); got != 25 {
		t.Errorf("geometry counter = %d, want 25", got)
	}

	doc := readFile(t, res.Files[0])
	if !strings.HasPrefix(doc, string(writer.CityGML.Header)) || !strings.HasSuffix(doc, string(writer.CityGML.Footer)) {
		t.Error("document is not framed as core:CityModel")
	}
	if n := members(doc); n != 25 {
		t.Errorf("document has %d members, want 25", n)
	}

	// дочерние элементы объекта идут в порядке id
	i := strings.Index(doc, `<bldg:Building gml:id="BLD_0007">`)
	if i < 0 {
		t.Fatal("BLD_0007 not exported")
	}
	feature := doc[i : i+strings.Index(doc[i:], "</bldg:Building>")]
	height := strings.Index(feature, `name="height"`)
	storeys := strings.Index(feature, `name="storeys"`)
	geometry := strings.Index(feature, "<core:geometry")
	if height < 0 || storeys < height || geometry < storeys {
		t.Errorf("children out of order:\n%s", feature)
	}
	if !strings.Contains(feature, "<gml:name>Building 7</gml:name>") {
		t.Errorf("name missing:\n%s", feature)
	}
	f.assertCleanup(t)
}

func TestExport_NoMatches(t *testing.T) {
	f := newFixture(t)

	res, err := f.exporter(Config{Query: f.query(t), CalculateHits: true}).DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}
	if res.Emitted != 0 {
		t.Errorf("emitted = %d, want 0", res.Emitted)
	}

	doc := readFile(t, res.Files[0])
	if doc != string(writer.CityGML.Header)+string(writer.CityGML.Footer) {
		t.Errorf("expected header and footer only, got:\n%s", doc)
	}
	if !strings.Contains(f.logs.String(), "No feature matches the request") {
		t.Error("missing no-match log message")
	}
	f.assertCleanup(t)
}

func TestExport_CounterRange(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(55, schema.ClassBuilding)...)
	q := f.query(t)
	q.Counter = &query.CounterFilter{Lower: 10, Upper: 30}

	res, err := f.exporter(Config{Query: q}).DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}
	if res.Emitted != 21 {
		t.Errorf("emitted = %d, want 21", res.Emitted)
	}
	if got := res.Counters.Total(events.CounterTopLevelFeature); got != 21 {
		t.Errorf("feature counter = %d, want 21", got)
	}
	doc := readFile(t, res.Files[0])
	if strings.Contains(doc, "BLD_0009") || !strings.Contains(doc, "BLD_0010") ||
		!strings.Contains(doc, "BLD_0030") || strings.Contains(doc, "BLD_0031") {
		t.Error("exported rows outside 10..30")
	}
}

// failingExporter отдает ошибку SQL на объекте failAt
type failingExporter struct {
	FeatureExporter
	failAt int64
	calls  *atomic.Int64
}

func (e *failingExporter) Read(ctx context.Context, item splitter.SplittingResult) (*FeatureResult, error) {
	e.calls.Add(1)
	if item.ID == e.failAt {
		return nil, errors.New("relation \"cityobject\" is locked")
	}
	return e.FeatureExporter.Read(ctx, item)
}

func TestExport_SQLErrorAbortsRun(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(100, schema.ClassBuilding)...)

	var interrupts atomic.Int64
	f.dispatcher.OnInterrupt(func(events.InterruptEvent) { interrupts.Add(1) })

	var calls atomic.Int64
	e := f.exporter(Config{Query: f.query(t), MinWorkers: 1, MaxWorkers: 1, QueueCapacity: 100})
	e.Exporters.Register("Building", func(conn *sql.Conn, d adapters.Dialect, opts Options) FeatureExporter {
		return &failingExporter{FeatureExporter: NewCityObjectExporter(conn, d, opts), failAt: 5, calls: &calls}
	})

	res, err := e.DoProcess(context.Background())
	var runErr *Error
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if runErr.Phase != events.PhaseWork {
		t.Errorf("phase = %s, want work", runErr.Phase)
	}
	if !strings.Contains(err.Error(), "is locked") {
		t.Errorf("cause lost: %v", err)
	}
	if interrupts.Load() != 1 {
		t.Errorf("interrupt events = %d, want 1", interrupts.Load())
	}
	// один воркер: после сбоя на 5-м объекте очередь выбрасывается
	if calls.Load() >= 100 {
		t.Errorf("exporter called %d times, queue was not drained", calls.Load())
	}
	if res.Counters.Total(events.CounterTopLevelFeature) != 4 {
		t.Errorf("exported %d features before the failure, want 4", res.Counters.Total(events.CounterTopLevelFeature))
	}
	if strings.HasSuffix(readFile(t, res.Files[0]), string(writer.CityGML.Footer)) {
		t.Error("failed output must not be finished with a footer")
	}
	f.assertCleanup(t)
}

func TestExport_UserCancel(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(2000, schema.ClassBuilding)...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	e := f.exporter(Config{Query: f.query(t)})
	e.Exporters.Register("Building", func(conn *sql.Conn, d adapters.Dialect, opts Options) FeatureExporter {
		inner := NewCityObjectExporter(conn, d, opts)
		return &cancellingExporter{FeatureExporter: inner, calls: &calls, at: 100, cancel: cancel}
	})

	res, err := e.DoProcess(ctx)
	if err != nil {
		t.Fatalf("user cancel must not be an error: %v", err)
	}
	if !res.Aborted {
		t.Error("run not reported as aborted")
	}
	if res.Emitted >= 2000 {
		t.Errorf("splitter emitted all %d rows after cancel", res.Emitted)
	}
	ev, ok := f.interrupt.Event()
	if !ok || !ev.UserCancelled || ev.Level != zerolog.InfoLevel {
		t.Errorf("interrupt event = %+v", ev)
	}
	if !strings.Contains(f.logs.String(), "Export aborted by user") {
		t.Error("missing abort message")
	}
	doc := readFile(t, res.Files[0])
	if !strings.HasSuffix(doc, string(writer.CityGML.Footer)) {
		t.Error("cancelled output must stay well-formed")
	}
	f.assertCleanup(t)
}

type cancellingExporter struct {
	FeatureExporter
	calls  *atomic.Int64
	at     int64
	cancel context.CancelFunc
}

func (e *cancellingExporter) Read(ctx context.Context, item splitter.SplittingResult) (*FeatureResult, error) {
	if e.calls.Add(1) == e.at {
		e.cancel()
	}
	return e.FeatureExporter.Read(ctx, item)
}

func TestExport_OutputError(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(3, schema.ClassBuilding)...)
	blocker := filepath.Join(f.dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := f.exporter(Config{Query: f.query(t), OutputFile: filepath.Join(blocker, "city.gml")}).
		DoProcess(context.Background())
	var runErr *Error
	if !errors.As(err, &runErr) || runErr.Phase != events.PhaseWrite {
		t.Fatalf("expected write phase error, got %v", err)
	}
	f.assertCleanup(t)
}

func TestExport_Tiled(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(100, schema.ClassBuilding)...)
	q := f.query(t)
	bbox := query.BoundingBox{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
	q.BBox = &bbox
	q.Tiling = &query.Tiling{Rows: 2, Columns: 2, Extent: bbox}

	res, err := f.exporter(Config{Query: q, Dedup: true}).DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}
	if len(res.Tiles) != 4 || len(res.Files) != 4 {
		t.Fatalf("tiles = %d, files = %d, want 4", len(res.Tiles), len(res.Files))
	}

	total := 0
	for _, tr := range res.Tiles {
		want := filepath.Join(f.dir, "city_"+tr.Tile.Name()+".gml")
		if tr.Path != want {
			t.Errorf("tile path = %s, want %s", tr.Path, want)
		}
		n := members(readFile(t, tr.Path))
		if int64(n) != tr.Counters.Total(events.CounterTopLevelFeature) {
			t.Errorf("tile %s: %d members, counter %d", tr.Tile.Name(), n, tr.Counters.Total(events.CounterTopLevelFeature))
		}
		if n != 25 {
			t.Errorf("tile %s has %d features, want 25", tr.Tile.Name(), n)
		}
		total += n
	}
	if total != 100 || res.Counters.Total(events.CounterTopLevelFeature) != 100 {
		t.Errorf("total = %d / %d, want 100", total, res.Counters.Total(events.CounterTopLevelFeature))
	}
	f.assertCleanup(t)
}

func TestExport_DuplicateGMLIDs(t *testing.T) {
	features := citydbtest.Buildings(10, schema.ClassBuilding)
	for i := 5; i < 10; i++ {
		features[i].GMLID = features[i-5].GMLID
	}
	f := newFixture(t, features...)

	res, err := f.exporter(Config{Query: f.query(t), Dedup: true}).DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}
	if got := res.Counters.Total(events.CounterTopLevelFeature); got != 5 {
		t.Errorf("exported %d, want 5", got)
	}
	if got := res.Counters.Total(events.CounterDuplicate); got != 5 {
		t.Errorf("duplicates = %d, want 5", got)
	}
}

func TestExport_TexturesAndCompression(t *testing.T) {
	features := citydbtest.Buildings(2, schema.ClassBuilding)
	features[0].Texture = []byte("\x89PNG fake image")
	f := newFixture(t, features...)

	res, err := f.exporter(Config{Query: f.query(t), ExportTextures: true, Compress: true}).
		DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}
	if !strings.HasSuffix(res.Files[0], ".gml.zst") {
		t.Errorf("output = %s, want .gml.zst", res.Files[0])
	}

	img, err := os.ReadFile(filepath.Join(f.dir, "appearance", "tex_1.png"))
	if err != nil || string(img) != "\x89PNG fake image" {
		t.Errorf("texture not exported: %v", err)
	}
	if got := res.Counters.Total(events.CounterTextureImage); got != 1 {
		t.Errorf("texture counter = %d, want 1", got)
	}

	file, err := os.Open(res.Files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	dec, err := zstd.NewReader(file)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	var doc bytes.Buffer
	if _, err := doc.ReadFrom(dec); err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(doc.String(), "<app:imageURI>appearance/tex_1.png</app:imageURI>") {
		t.Error("texture reference missing")
	}
	if members(doc.String()) != 2 {
		t.Errorf("members = %d, want 2", members(doc.String()))
	}
}

func TestExport_SpatialIndexRequired(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(3, schema.ClassBuilding)...)
	if _, err := f.adapter.DB().Exec("DROP INDEX cityobject_envelope_idx"); err != nil {
		t.Fatal(err)
	}
	q := f.query(t)
	q.BBox = &query.BoundingBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}

	_, err := f.exporter(Config{Query: q}).DoProcess(context.Background())
	var runErr *Error
	if !errors.As(err, &runErr) || runErr.Phase != events.PhasePrepare {
		t.Fatalf("expected prepare phase error, got %v", err)
	}
	if !errors.Is(err, ErrSpatialIndexDisabled) {
		t.Errorf("expected ErrSpatialIndexDisabled, got %v", err)
	}
}

func TestOutputPath(t *testing.T) {
	e := &Exporter{cfg: Config{OutputFile: "out/city"}, Format: writer.CityGML}
	if got := e.outputPath(nil); got != "out/city.gml" {
		t.Errorf("outputPath = %s", got)
	}
	tile := &query.Tile{Row: 1, Column: 2}
	if got := e.outputPath(tile); got != "out/city_1_2.gml" {
		t.Errorf("outputPath = %s", got)
	}
}
