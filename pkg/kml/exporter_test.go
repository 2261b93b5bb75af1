package kml

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/ruslano69/citydb-tool/pkg/adapters/sqlite"
	"github.com/ruslano69/citydb-tool/pkg/citydb/citydbtest"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/export"
	"github.com/ruslano69/citydb-tool/pkg/query"
	"github.com/ruslano69/citydb-tool/pkg/schema"
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

func (f *fixture) exporter(t *testing.T, cfg Config) *Exporter {
	t.Helper()
	types, err := f.registry.ResolveNames([]string{"Building"})
	if err != nil {
		t.Fatalf("ResolveNames: %v", err)
	}
	if cfg.Export.Query == nil {
		cfg.Export.Query = &query.Query{FeatureTypes: types}
	}
	if cfg.Export.OutputFile == "" {
		cfg.Export.OutputFile = filepath.Join(f.dir, "city")
	}
	if cfg.Export.MaxWorkers == 0 {
		cfg.Export.MinWorkers, cfg.Export.MaxWorkers = 1, 1
	}
	return NewExporter(f.adapter, f.registry, f.dispatcher, f.interrupt, cfg, f.log)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestKMLExport_DisplayForms(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(30, schema.ClassBuilding)...)

	res, err := f.exporter(t, Config{
		DisplayForms: []DisplayForm{Footprint, Extruded, Collada},
		GroupSize:    7,
	}).DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}
	if len(res.Forms) != 3 || len(res.Files) != 3 {
		t.Fatalf("forms = %d, files = %v", len(res.Forms), res.Files)
	}
	if res.Emitted != 90 {
		t.Errorf("emitted = %d, want 90", res.Emitted)
	}
	if got := res.Counters.Get(events.CounterTopLevelFeature, "Building"); got != 90 {
		t.Errorf("Building counter = %d, want 90", got)
	}

	for i, form := range []DisplayForm{Footprint, Extruded, Collada} {
		want := filepath.Join(f.dir, "city_"+string(form)+".kml")
		if res.Files[i] != want {
			t.Errorf("file %d = %s, want %s", i, res.Files[i], want)
		}
		doc := readFile(t, res.Files[i])
		format := Format("city_"+string(form), form)
		if !strings.HasPrefix(doc, string(format.Header)) || !strings.HasSuffix(doc, string(format.Footer)) {
			t.Errorf("%s: document is not framed as kml/Document", form)
		}
		if n := strings.Count(doc, "<Placemark "); n != 30 {
			t.Errorf("%s: %d placemarks, want 30", form, n)
		}
	}

	footprint := readFile(t, res.Files[0])
	if !strings.Contains(footprint, "1,1,0 9,1,0 9,9,0 1,9,0 1,1,0") {
		t.Error("footprint of BLD_0001 missing")
	}

	// высота берется из generic атрибута height
	extruded := readFile(t, res.Files[1])
	if !strings.Contains(extruded, "1,1,10.5 9,1,10.5") {
		t.Error("extruded placemark does not use height attribute")
	}

	// один воркер: 4 полные папки по 7 и неполная из 2 объектов
	collada := readFile(t, res.Files[2])
	if n := strings.Count(collada, "<Folder>"); n != 5 {
		t.Errorf("collada folders = %d, want 5", n)
	}
	last := collada[strings.LastIndex(collada, "<Folder>"):]
	if n := strings.Count(last, "<Placemark "); n != 2 {
		t.Errorf("trailing folder has %d placemarks, want 2", n)
	}
}

func TestKMLExport_GroupsWithManyWorkers(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(100, schema.ClassBuilding)...)

	cfg := Config{DisplayForms: []DisplayForm{Collada}, GroupSize: 8}
	cfg.Export.MinWorkers, cfg.Export.MaxWorkers = 2, 4
	res, err := f.exporter(t, cfg).DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}

	doc := readFile(t, res.Files[0])
	if n := strings.Count(doc, "<Placemark "); n != 100 {
		t.Errorf("%d placemarks, want 100", n)
	}
	if strings.Count(doc, "<Folder>") != strings.Count(doc, "</Folder>") {
		t.Error("unbalanced folders")
	}
	if strings.Contains(doc, "<Folder>\n<name>group_0") || strings.Contains(doc, "</name>\n</Folder>") {
		t.Error("empty or unnamed folder written")
	}
}

func TestKMLExport_InvalidGeometryFailsRun(t *testing.T) {
	features := citydbtest.Buildings(20, schema.ClassBuilding)
	features[9].Geometries = []string{"LINESTRING (0 0, 1 1)"}
	f := newFixture(t, features...)

	res, err := f.exporter(t, Config{DisplayForms: []DisplayForm{Collada, Footprint}, GroupSize: 100}).
		DoProcess(context.Background())

	var runErr *events.RunError
	if !errors.As(err, &runErr) || runErr.Phase != events.PhaseWork {
		t.Fatalf("expected work phase error, got %v", err)
	}
	if runErr.Op != Op {
		t.Errorf("op = %q, want %q", runErr.Op, Op)
	}
	if !errors.Is(err, ErrInvalidWKT) {
		t.Errorf("cause lost: %v", err)
	}
	if len(res.Files) != 1 {
		t.Errorf("forms after the failure must not run, files = %v", res.Files)
	}

	// неполная папка упавшего запуска не пишется
	doc := readFile(t, res.Files[0])
	if strings.Contains(doc, "<Placemark") {
		t.Errorf("placemarks of failed group written:\n%s", doc)
	}
	if strings.HasSuffix(doc, "</kml>\n") {
		t.Error("failed output must not be finished with a footer")
	}
}

func TestKMLExport_UserCancelStopsForms(t *testing.T) {
	f := newFixture(t, citydbtest.Buildings(10, schema.ClassBuilding)...)

	e := f.exporter(t, Config{DisplayForms: []DisplayForm{Footprint, Geometry}})
	e.OpenSink = func(path string, format writer.Format) (writer.Sink, string, error) {
		f.interrupt.Cancel("KML export aborted by user")
		sink, err := writer.NewFileSink(path, format, writer.FileOptions{})
		if err != nil {
			return nil, "", err
		}
		return sink, sink.Path(), nil
	}
	res, err := e.DoProcess(context.Background())
	if err != nil {
		t.Fatalf("user cancel must not be an error: %v", err)
	}
	if !res.Aborted {
		t.Error("run not reported as aborted")
	}
	if len(res.Forms) != 1 {
		t.Errorf("%d forms exported after cancel, want 1", len(res.Forms))
	}
	if doc := readFile(t, res.Files[0]); !strings.HasSuffix(doc, "</kml>\n") || strings.Contains(doc, "<Placemark") {
		t.Errorf("cancelled document:\n%s", doc)
	}
	if !strings.Contains(f.logs.String(), "KML export aborted by user") {
		t.Error("missing abort message")
	}
}

func TestKMLExport_RejectsDuplicateForms(t *testing.T) {
	f := newFixture(t)

	_, err := f.exporter(t, Config{DisplayForms: []DisplayForm{Footprint, Footprint}}).DoProcess(context.Background())
	var runErr *events.RunError
	if !errors.As(err, &runErr) || runErr.Phase != events.PhasePrepare {
		t.Fatalf("expected prepare phase error, got %v", err)
	}

	_, err = f.exporter(t, Config{DisplayForms: []DisplayForm{"wireframe"}}).DoProcess(context.Background())
	if !errors.As(err, &runErr) || runErr.Phase != events.PhasePrepare {
		t.Fatalf("expected prepare phase error, got %v", err)
	}
}

func TestKMLExport_Dedup(t *testing.T) {
	features := citydbtest.Buildings(10, schema.ClassBuilding)
	for i := range features {
		features[i].GMLID = "SAME_" + string(rune('A'+i%2))
	}
	f := newFixture(t, features...)

	cfg := Config{DisplayForms: []DisplayForm{Footprint}}
	cfg.Export = export.Config{Dedup: true}
	res, err := f.exporter(t, cfg).DoProcess(context.Background())
	if err != nil {
		t.Fatalf("DoProcess failed: %v", err)
	}
	if n := strings.Count(readFile(t, res.Files[0]), "<Placemark "); n != 2 {
		t.Errorf("%d placemarks, want 2", n)
	}
	if got := res.Counters.Total(events.CounterDuplicate); got != 8 {
		t.Errorf("duplicates = %d, want 8", got)
	}
}
