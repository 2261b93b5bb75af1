package postgres_test

import (
	"testing"

	_ "github.com/ruslano69/citydb-tool/pkg/adapters/postgres"
	"github.com/ruslano69/citydb-tool/pkg/citydb/citydbtest"
)

// Тесты выполняются против реального сервера PostgreSQL/PostGIS:
//
//	CITYDB_TEST_PG_DSN=... go test ./pkg/adapters/postgres/
func TestIntegration_Adapter(t *testing.T) {
	adapter := citydbtest.Server(t, "postgres", "CITYDB_TEST_PG_DSN", "public")
	citydbtest.CheckAdapter(t, adapter, "postgres")
}
