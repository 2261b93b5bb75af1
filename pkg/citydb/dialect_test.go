package citydb_test

import "github.com/ruslano69/citydb-tool/pkg/adapters"

func dialectFor(name string) adapters.Dialect {
	if name == "mssql" {
		return adapters.MSSQLDialect{}
	}
	return adapters.StandardDialect{DialectName: name}
}
