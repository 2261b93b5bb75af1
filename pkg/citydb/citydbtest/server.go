package citydbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/citydb"
)

// Server подключается к серверной СУБД по DSN из переменной окружения и
// создает схему 3DCityDB. Тест пропускается, если переменная не задана
// или сервер недоступен. Схема удаляется в t.Cleanup
func Server(t *testing.T, dbType, envVar, schema string) adapters.Adapter {
	t.Helper()
	dsn := os.Getenv(envVar)
	if dsn == "" {
		t.Skipf("%s is not set", envVar)
	}

	ctx := context.Background()
	adapter, err := adapters.New(ctx, adapters.Config{Type: dbType, DSN: dsn, Schema: schema})
	if err != nil {
		t.Skipf("%s not available: %v", dbType, err)
	}
	t.Cleanup(func() { adapter.Close(ctx) })

	// остатки прерванного запуска
	_ = citydb.DropSchema(ctx, adapter.DB())
	if err := citydb.CreateSchema(ctx, adapter.DB(), adapter.Dialect()); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	t.Cleanup(func() {
		if err := citydb.DropSchema(ctx, adapter.DB()); err != nil {
			t.Errorf("Failed to drop schema: %v", err)
		}
	})
	return adapter
}

// CheckAdapter проверяет контракт адаптера на созданной схеме
func CheckAdapter(t *testing.T, adapter adapters.Adapter, dbType string) {
	t.Helper()
	ctx := context.Background()

	if got := adapter.GetDatabaseType(); got != dbType {
		t.Errorf("GetDatabaseType() = %q, want %q", got, dbType)
	}
	if err := adapter.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	ok, err := adapter.IsIndexEnabled(ctx, citydb.TableCityObject, "envelope_xmin")
	if err != nil {
		t.Fatalf("IsIndexEnabled failed: %v", err)
	}
	if !ok {
		t.Error("envelope index not detected")
	}
	ok, err = adapter.IsIndexEnabled(ctx, citydb.TableCityObject, "name")
	if err != nil {
		t.Fatalf("IsIndexEnabled failed: %v", err)
	}
	if ok {
		t.Error("index reported on unindexed column")
	}

	conn, err := adapter.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn failed: %v", err)
	}
	defer conn.Close()

	d := adapter.Dialect()
	stmt := "INSERT INTO " + citydb.TableCityObject + " (id, objectclass_id, gmlid) VALUES (" +
		d.Placeholder(1) + ", " + d.Placeholder(2) + ", " + d.Placeholder(3) + ")"
	if _, err := conn.ExecContext(ctx, stmt, int64(1), 26, "BLD_1"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	var gmlID string
	query := "SELECT gmlid FROM " + citydb.TableCityObject + " WHERE id = " + d.Placeholder(1)
	if err := conn.QueryRowContext(ctx, query, int64(1)).Scan(&gmlID); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if gmlID != "BLD_1" {
		t.Errorf("gmlid = %q", gmlID)
	}

	ok, err = adapter.GotoWorkspace(ctx, conn, adapters.DefaultWorkspace, time.Time{})
	if err != nil || !ok {
		t.Errorf("GotoWorkspace(default) = %v, %v", ok, err)
	}
	ok, err = adapter.GotoWorkspace(ctx, conn, "no_such_workspace", time.Time{})
	if err != nil || ok {
		t.Errorf("GotoWorkspace(unknown) = %v, %v", ok, err)
	}
}
