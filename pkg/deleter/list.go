package deleter

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ruslano69/citydb-tool/pkg/cache"
)

// ListOptions - формат файла со списком gml:id
type ListOptions struct {
	// Delimiter - разделитель полей, по умолчанию ','
	Delimiter rune

	// Column - имя колонки с gml:id при HasHeader, иначе игнорируется
	Column string

	// ColumnIndex - номер колонки (с нуля), если Column не задан
	ColumnIndex int

	HasHeader bool
}

// stageBatch - размер пакета вставки в кэш-таблицу
const stageBatch = 1000

// ReadList читает gml:id из CSV. Пустые значения и строки-комментарии
// (начинающиеся с '#') пропускаются, повторы сохраняются
func ReadList(r io.Reader, opts ListOptions) ([]string, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}

	col := opts.ColumnIndex
	if opts.HasHeader {
		header, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read delete list header: %w", err)
		}
		if opts.Column != "" {
			col = -1
			for i, name := range header {
				if strings.EqualFold(strings.TrimSpace(name), opts.Column) {
					col = i
					break
				}
			}
			if col < 0 {
				return nil, fmt.Errorf("delete list has no column %q", opts.Column)
			}
		}
	}

	var ids []string
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read delete list: %w", err)
		}
		if col >= len(record) {
			continue
		}
		if id := strings.TrimSpace(record[col]); id != "" {
			ids = append(ids, id)
		}
	}
}

// ReadListFile читает список из файла
func ReadListFile(path string, opts ListOptions) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open delete list: %w", err)
	}
	defer f.Close()
	return ReadList(f, opts)
}

// StageList переносит gml:id в индексированную кэш-таблицу списка удаления
func StageList(ctx context.Context, manager *cache.Manager, ids []string) (*cache.Table, error) {
	table, err := manager.IndexedCacheTable(ctx, cache.ModelDeleteList)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(ids))
	batch := make([][]any, 0, stageBatch)
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		batch = append(batch, []any{id})
		if len(batch) == stageBatch {
			if err := table.InsertBatch(ctx, batch); err != nil {
				return nil, err
			}
			batch = batch[:0]
		}
	}
	if err := table.InsertBatch(ctx, batch); err != nil {
		return nil, err
	}
	return table, nil
}
