/*
Package adapters описывает контракт адаптера БД, который использует ядро
экспорта, импорта и удаления.

Ядро не генерирует SQL конкретной СУБД. Построитель запросов (pkg/query)
строит абстрактный SELECT, а адаптер предоставляет Dialect для рендеринга,
выдает отдельные подключения воркерам (Conn), проверяет наличие индексов и
переключает рабочее пространство.

Конкретные адаптеры регистрируются в глобальной фабрике в init():

	import _ "github.com/ruslano69/citydb-tool/pkg/adapters/postgres"

	adapter, err := adapters.New(ctx, adapters.Config{Type: "postgres", DSN: dsn})

Каждый воркер получает собственное подключение через Conn и закрывает его
сам. Подключения никогда не разделяются между горутинами.
*/
package adapters
