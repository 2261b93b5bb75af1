package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// BlobKind - вид бинарных данных
type BlobKind int

const (
	// BlobTextureImage - изображения текстур (tex_image.tex_image_data)
	BlobTextureImage BlobKind = iota
	// BlobLibraryObject - библиотечные объекты implicit geometry
	BlobLibraryObject
)

func (k BlobKind) String() string {
	switch k {
	case BlobTextureImage:
		return "texture"
	case BlobLibraryObject:
		return "library_object"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// BlobExporter выгружает бинарные данные в файлы
// Экземпляр принадлежит одному воркеру и использует его подключение
type BlobExporter interface {
	// Export записывает blob с указанным id в файл
	// Возвращает false если запись не найдена или пуста
	Export(ctx context.Context, id int64, path string) (bool, error)

	// Close освобождает подготовленные запросы
	Close() error
}

// SQLBlobExporter - реализация BlobExporter через database/sql
type SQLBlobExporter struct {
	conn    *sql.Conn
	dialect Dialect
	kind    BlobKind

	mu   sync.Mutex
	stmt *sql.Stmt
}

// NewSQLBlobExporter создает экспортер для подключения
func NewSQLBlobExporter(conn *sql.Conn, dialect Dialect, kind BlobKind) *SQLBlobExporter {
	return &SQLBlobExporter{conn: conn, dialect: dialect, kind: kind}
}

func (e *SQLBlobExporter) query() string {
	p := e.dialect.Placeholder(1)
	switch e.kind {
	case BlobLibraryObject:
		return "SELECT library_object FROM implicit_geometry WHERE id = " + p
	default:
		return "SELECT tex_image_data FROM tex_image WHERE id = " + p
	}
}

// Export записывает blob в файл
func (e *SQLBlobExporter) Export(ctx context.Context, id int64, path string) (bool, error) {
	e.mu.Lock()
	if e.stmt == nil {
		stmt, err := e.conn.PrepareContext(ctx, e.query())
		if err != nil {
			e.mu.Unlock()
			return false, fmt.Errorf("failed to prepare %s query: %w", e.kind, err)
		}
		e.stmt = stmt
	}
	stmt := e.stmt
	e.mu.Unlock()

	var data []byte
	if err := stmt.QueryRowContext(ctx, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s %d: %w", e.kind, id, err)
	}
	if len(data) == 0 {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// Close закрывает подготовленный запрос
func (e *SQLBlobExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stmt != nil {
		err := e.stmt.Close()
		e.stmt = nil
		return err
	}
	return nil
}
