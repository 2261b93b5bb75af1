// Package base содержит общую реализацию адаптеров поверх database/sql:
// открытие пула, выдачу подключений воркерам, экспорт blob-ов и рабочее
// пространство по умолчанию. Конкретные адаптеры встраивают SQLAdapter.
package base
