package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/ruslano69/citydb-tool/pkg/adapters/sqlite"
	"github.com/ruslano69/citydb-tool/pkg/deleter"
	"github.com/ruslano69/citydb-tool/pkg/kml"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

const sample = `
database:
  type: sqlite
  dsn: "file:city.db"
  workspace: LIVE
concurrency:
  min_workers: 2
  max_workers: 6
cache:
  local: true
  id_capacity: 1000
export:
  feature_types: [Building]
  bbox: {min_x: 0, min_y: 0, max_x: 100, max_y: 50, srid: 25832}
  tiling: {rows: 2, columns: 3}
  valid_at: "2020-01-02"
  output: out/city.gml
  compress: true
  dedup: true
  textures: true
kml:
  display_forms: [footprint, Extruded]
  group_size: 10
delete:
  mode: terminate
  termination_date: "2024-06-01T12:00:00Z"
  counter: {lower: 1, upper: 10}
import:
  inputs: [a.gml, b.gml.zst]
  skip_existing: true
logging:
  level: debug
  format: json
retry:
  enabled: true
  max_attempts: 5
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Database.Type != "sqlite" || cfg.Database.Workspace != "LIVE" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Database.Timeout != 30*time.Second {
		t.Errorf("timeout default = %v", cfg.Database.Timeout)
	}
	if cfg.Database.MaxConns != 10 {
		t.Errorf("max_conns default = %d, want workers+4", cfg.Database.MaxConns)
	}
	if cfg.Export.TextureDir != "appearance" {
		t.Errorf("texture_dir default = %q", cfg.Export.TextureDir)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !cfg.Retry.Enabled || cfg.Retry.MaxAttempts != 5 || cfg.Retry.InitialDelay == 0 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestDatabaseAdapter_CanonicalType(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  type: sqlite3\n  dsn: \"file:city.db\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := cfg.Database.Adapter().Type; got != "sqlite" {
		t.Errorf("adapter type = %q, want sqlite", got)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Concurrency.MinWorkers != 1 || cfg.Concurrency.MaxWorkers != 4 {
		t.Errorf("concurrency = %+v", cfg.Concurrency)
	}
	if len(cfg.KML.DisplayForms) != 1 || cfg.KML.DisplayForms[0] != "footprint" {
		t.Errorf("display forms = %v", cfg.KML.DisplayForms)
	}
	if cfg.Delete.Mode != "delete" {
		t.Errorf("delete mode = %q", cfg.Delete.Mode)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "databse:\n  type: sqlite\n"},
		{"unknown adapter", "database:\n  type: oracle\n"},
		{"tiling without bbox", "export:\n  tiling: {rows: 2, columns: 2}\n"},
		{"inverted bbox", "export:\n  bbox: {min_x: 5, min_y: 0, max_x: 1, max_y: 1}\n"},
		{"bad date", "export:\n  valid_at: yesterday\n"},
		{"tiled delete", "delete:\n  bbox: {min_x: 0, min_y: 0, max_x: 1, max_y: 1}\n  tiling: {rows: 2, columns: 2}\n"},
		{"delete mode", "delete:\n  mode: purge\n"},
		{"display form", "kml:\n  display_forms: [hologram]\n"},
		{"broker import", "import:\n  from_broker: true\n"},
		{"log format", "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.name != "unknown key" && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "citydb.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestExportJob(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	job, err := cfg.ExportJob(schema.NewCityGMLRegistry())
	if err != nil {
		t.Fatalf("ExportJob failed: %v", err)
	}

	q := job.Query
	if len(q.FeatureTypes) != 1 || q.FeatureTypes[0].Name != "Building" {
		t.Errorf("feature types = %v", q.TypeNames())
	}
	if q.BBox == nil || q.BBox.MaxX != 100 || q.BBox.SRID != 25832 {
		t.Errorf("bbox = %+v", q.BBox)
	}
	if q.Tiling == nil || q.Tiling.Rows != 2 || q.Tiling.Columns != 3 || q.Tiling.Extent != *q.BBox {
		t.Errorf("tiling = %+v", q.Tiling)
	}
	if q.ValidAt == nil || !q.ValidAt.Equal(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("valid_at = %v", q.ValidAt)
	}
	if q.Workspace != "LIVE" {
		t.Errorf("workspace = %q", q.Workspace)
	}
	if job.OutputFile != "out/city.gml" || !job.Compress || !job.Dedup || !job.ExportTextures {
		t.Errorf("job = %+v", job)
	}
	if job.MinWorkers != 2 || job.MaxWorkers != 6 || job.IDCache.Capacity != 1000 || !job.Cache.Local {
		t.Errorf("pool/cache = %d..%d %+v %+v", job.MinWorkers, job.MaxWorkers, job.IDCache, job.Cache)
	}
}

func TestExportJob_AllTopLevelTypes(t *testing.T) {
	registry := schema.NewCityGMLRegistry()
	job, err := Default().ExportJob(registry)
	if err != nil {
		t.Fatalf("ExportJob failed: %v", err)
	}
	if len(job.Query.FeatureTypes) != len(registry.TopLevelTypes()) {
		t.Errorf("feature types = %v", job.Query.TypeNames())
	}
}

func TestExportJob_UnknownType(t *testing.T) {
	cfg := Default()
	cfg.Export.FeatureTypes = []string{"Spaceship"}
	if _, err := cfg.ExportJob(schema.NewCityGMLRegistry()); err == nil {
		t.Error("expected an error for an unknown feature type")
	}
}

func TestKMLJob(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	job, err := cfg.KMLJob(schema.NewCityGMLRegistry())
	if err != nil {
		t.Fatalf("KMLJob failed: %v", err)
	}
	if len(job.DisplayForms) != 2 || job.DisplayForms[0] != kml.Footprint || job.DisplayForms[1] != kml.Extruded {
		t.Errorf("display forms = %v", job.DisplayForms)
	}
	if job.GroupSize != 10 || job.Export.OutputFile != "out/city.gml" {
		t.Errorf("job = %+v", job)
	}
}

func TestDeleteJob(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "ids.csv")
	if err := os.WriteFile(list, []byte("id;name\nBLD_1;a\nBLD_2;b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg.Delete.ListFile = list
	cfg.Delete.ListDelimiter = ";"
	cfg.Delete.ListHeader = true
	cfg.Delete.ListColumn = "id"

	job, err := cfg.DeleteJob(schema.NewCityGMLRegistry())
	if err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if job.Mode != deleter.ModeTerminate {
		t.Errorf("mode = %s", job.Mode)
	}
	if !job.TerminationDate.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("termination date = %v", job.TerminationDate)
	}
	if strings.Join(job.List, ",") != "BLD_1,BLD_2" {
		t.Errorf("list = %v", job.List)
	}
	if job.Query.Counter == nil || job.Query.Counter.Upper != 10 {
		t.Errorf("counter = %+v", job.Query.Counter)
	}
}

func TestImportJob(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	job := cfg.ImportJob()
	if len(job.Inputs) != 2 || !job.SkipExisting || job.MaxWorkers != 6 {
		t.Errorf("job = %+v", job)
	}
}
