package adapters_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	_ "github.com/ruslano69/citydb-tool/pkg/adapters/mssql"    // Register mssql
	_ "github.com/ruslano69/citydb-tool/pkg/adapters/mysql"    // Register mysql
	_ "github.com/ruslano69/citydb-tool/pkg/adapters/postgres" // Register postgres
	_ "github.com/ruslano69/citydb-tool/pkg/adapters/sqlite"   // Register sqlite
)

// TestFactory_RegisteredTypes проверяет регистрацию всех адаптеров через init()
func TestFactory_RegisteredTypes(t *testing.T) {
	want := []string{"mssql", "mysql", "postgres", "sqlite"}
	got := adapters.GetRegisteredTypes()

	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("GetRegisteredTypes() = %v, want %v", got, want)
	}
}

// TestFactory_SQLiteRegistration проверяет создание SQLite адаптера через фабрику
func TestFactory_SQLiteRegistration(t *testing.T) {
	ctx := context.Background()

	adapter, err := adapters.New(ctx, adapters.Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "factory.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create SQLite adapter: %v", err)
	}
	defer adapter.Close(ctx)

	if adapter.GetDatabaseType() != "sqlite" {
		t.Errorf("Expected type 'sqlite', got '%s'", adapter.GetDatabaseType())
	}

	conn, err := adapter.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() failed: %v", err)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		t.Errorf("Ping on dedicated connection failed: %v", err)
	}
}

// TestFactory_PostgreSQLRegistration подключается к PostgreSQL, если задан CITYDB_TEST_PG_DSN
func TestFactory_PostgreSQLRegistration(t *testing.T) {
	dsn := os.Getenv("CITYDB_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CITYDB_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	adapter, err := adapters.New(ctx, adapters.Config{Type: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL adapter: %v", err)
	}
	defer adapter.Close(ctx)

	if adapter.Dialect().Placeholder(2) != "$2" {
		t.Errorf("Expected numbered placeholders for postgres")
	}
}

func TestFactory_UnknownType(t *testing.T) {
	_, err := adapters.New(context.Background(), adapters.Config{Type: "oracle", DSN: "x"})
	if err == nil {
		t.Fatal("Expected error for unregistered type")
	}
	if !errors.Is(err, adapters.ErrUnknownDatabaseType) {
		t.Errorf("Expected ErrUnknownDatabaseType, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown database type: oracle") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestFactory_Aliases(t *testing.T) {
	tests := []struct {
		alias string
		want  string
	}{
		{"postgresql", "postgres"},
		{"PostGIS", "postgres"},
		{"sqlserver", "mssql"},
		{" sqlite3 ", "sqlite"},
		{"mariadb", "mysql"},
		{"mysql", "mysql"},
	}
	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			got, ok := adapters.Canonical(tt.alias)
			if !ok || got != tt.want {
				t.Errorf("Canonical(%q) = %q, %v; want %q", tt.alias, got, ok, tt.want)
			}
			if !adapters.IsRegistered(tt.alias) {
				t.Errorf("IsRegistered(%q) = false", tt.alias)
			}
		})
	}

	if _, ok := adapters.Canonical("oracle"); ok {
		t.Error("oracle must not resolve to an adapter")
	}
}

func TestFactory_CreateByAlias(t *testing.T) {
	ctx := context.Background()
	adapter, err := adapters.New(ctx, adapters.Config{
		Type: "sqlite3",
		DSN:  filepath.Join(t.TempDir(), "alias.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create adapter by alias: %v", err)
	}
	defer adapter.Close(ctx)

	if adapter.GetDatabaseType() != "sqlite" {
		t.Errorf("Expected type 'sqlite', got '%s'", adapter.GetDatabaseType())
	}
}

func TestFactory_LocalRegistry(t *testing.T) {
	f := adapters.NewFactory()
	if f.IsRegistered("sqlite") {
		t.Fatal("New factory must be empty")
	}

	f.Register("fake", func() adapters.Adapter { return nil })
	if !f.IsRegistered("fake") {
		t.Error("Expected fake to be registered")
	}

	f.Alias("fk", "fake")
	if name, ok := f.Canonical("FK"); !ok || name != "fake" {
		t.Errorf("Canonical(FK) = %q, %v", name, ok)
	}
	if adapters.IsRegistered("fake") {
		t.Error("Local registration must not leak into the global factory")
	}
}
