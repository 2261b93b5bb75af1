package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	ctx := context.Background()
	adapter, err := NewAdapter(ctx, filepath.Join(t.TempDir(), "city.db"))
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	t.Cleanup(func() { adapter.Close(ctx) })
	return adapter
}

func TestAdapter_IsIndexEnabled(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	ddl := []string{
		"CREATE TABLE cityobject (id INTEGER PRIMARY KEY, gmlid TEXT, envelope TEXT)",
		"CREATE INDEX cityobject_gmlid_idx ON cityobject (gmlid)",
	}
	for _, stmt := range ddl {
		if _, err := adapter.DB().ExecContext(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	enabled, err := adapter.IsIndexEnabled(ctx, "cityobject", "gmlid")
	if err != nil {
		t.Fatalf("IsIndexEnabled failed: %v", err)
	}
	if !enabled {
		t.Error("Expected index on gmlid")
	}

	enabled, err = adapter.IsIndexEnabled(ctx, "cityobject", "envelope")
	if err != nil {
		t.Fatalf("IsIndexEnabled failed: %v", err)
	}
	if enabled {
		t.Error("Expected no index on envelope")
	}
}

func TestAdapter_GotoWorkspace(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	conn, err := adapter.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() failed: %v", err)
	}
	defer conn.Close()

	tests := []struct {
		name string
		want bool
	}{
		{"", true},
		{"LIVE", true},
		{"live", true},
		{"feature_branch", false},
	}
	for _, tt := range tests {
		ok, err := adapter.GotoWorkspace(ctx, conn, tt.name, time.Time{})
		if err != nil {
			t.Fatalf("GotoWorkspace(%q) failed: %v", tt.name, err)
		}
		if ok != tt.want {
			t.Errorf("GotoWorkspace(%q) = %v, want %v", tt.name, ok, tt.want)
		}
	}
}

func TestAdapter_BlobExporter(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	if _, err := adapter.DB().ExecContext(ctx, "CREATE TABLE tex_image (id INTEGER PRIMARY KEY, tex_image_data BLOB)"); err != nil {
		t.Fatalf("create tex_image: %v", err)
	}
	if _, err := adapter.DB().ExecContext(ctx, "INSERT INTO tex_image VALUES (1, ?), (2, NULL)", []byte("PNGDATA")); err != nil {
		t.Fatalf("insert tex_image: %v", err)
	}

	conn, err := adapter.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() failed: %v", err)
	}
	defer conn.Close()

	exporter := adapter.BlobExporter(conn, adapters.BlobTextureImage)
	defer exporter.Close()

	path := filepath.Join(t.TempDir(), "appearance", "tex_1.png")
	ok, err := exporter.Export(ctx, 1, path)
	if err != nil || !ok {
		t.Fatalf("Export(1) = %v, %v", ok, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "PNGDATA" {
		t.Errorf("unexpected blob content %q", data)
	}

	ok, err = exporter.Export(ctx, 2, filepath.Join(t.TempDir(), "tex_2.png"))
	if err != nil || ok {
		t.Errorf("Export(2) = %v, %v, want false, nil", ok, err)
	}
	ok, err = exporter.Export(ctx, 3, filepath.Join(t.TempDir(), "tex_3.png"))
	if err != nil || ok {
		t.Errorf("Export(3) = %v, %v, want false, nil", ok, err)
	}
}
