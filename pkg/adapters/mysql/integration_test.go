package mysql_test

import (
	"testing"

	_ "github.com/ruslano69/citydb-tool/pkg/adapters/mysql"
	"github.com/ruslano69/citydb-tool/pkg/citydb/citydbtest"
)

// Тесты выполняются против реального сервера MySQL:
//
//	CITYDB_TEST_MYSQL_DSN=... go test ./pkg/adapters/mysql/
func TestIntegration_Adapter(t *testing.T) {
	adapter := citydbtest.Server(t, "mysql", "CITYDB_TEST_MYSQL_DSN", "")
	citydbtest.CheckAdapter(t, adapter, "mysql")
}
