// Package report сохраняет итог запуска в книгу XLSX: лист со сводкой,
// лист со счетчиками по типам объектов и, для плиточного экспорта,
// лист с результатами плиток.
package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ruslano69/citydb-tool/pkg/events"
)

// Имена листов книги
const (
	SheetSummary  = "Summary"
	SheetCounters = "Counters"
	SheetTiles    = "Tiles"
)

// Tile - строка листа плиток
type Tile struct {
	Name    string
	File    string
	Emitted int64
}

// Write сохраняет книгу по итогу операции в path
//
// Пример:
//
//	err := report.Write("export.xlsx", summary, tiles...)
func Write(path string, s events.Summary, tiles ...Tile) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSummary(f, s); err != nil {
		return err
	}
	if err := writeCounters(f, s.Counters, headerStyle); err != nil {
		return err
	}
	if len(tiles) > 0 {
		if err := writeTiles(f, tiles, headerStyle); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, s events.Summary) error {
	rows := [][]any{
		{"Operation", s.Operation},
		{"Status", string(s.Status)},
		{"Started", s.Started.Format(time.RFC3339)},
		{"Finished", s.Finished.Format(time.RFC3339)},
		{"Duration (s)", s.Duration().Seconds()},
	}
	if s.Error != "" {
		rows = append(rows, []any{"Error", s.Error})
	}
	for _, file := range s.Files {
		rows = append(rows, []any{"Output", file})
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	return f.SetColWidth(SheetSummary, "A", "B", 20)
}

func writeCounters(f *excelize.File, c *events.Counters, headerStyle int) error {
	if _, err := f.NewSheet(SheetCounters); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := header(f, SheetCounters, headerStyle, "Counter", "Type", "Count"); err != nil {
		return err
	}
	if c == nil {
		return nil
	}

	row := 2
	for _, t := range c.Types() {
		for _, name := range c.Names(t) {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			values := []any{t.String(), name, c.Get(t, name)}
			if err := f.SetSheetRow(SheetCounters, cell, &values); err != nil {
				return fmt.Errorf("failed to write counters: %w", err)
			}
			row++
		}
	}
	return f.SetColWidth(SheetCounters, "A", "C", 20)
}

func writeTiles(f *excelize.File, tiles []Tile, headerStyle int) error {
	if _, err := f.NewSheet(SheetTiles); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := header(f, SheetTiles, headerStyle, "Tile", "File", "Features"); err != nil {
		return err
	}
	for i, t := range tiles {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		values := []any{t.Name, t.File, t.Emitted}
		if err := f.SetSheetRow(SheetTiles, cell, &values); err != nil {
			return fmt.Errorf("failed to write tiles: %w", err)
		}
	}
	return f.SetColWidth(SheetTiles, "A", "C", 20)
}

func header(f *excelize.File, sheet string, style int, names ...string) error {
	for col, name := range names {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to style header: %w", err)
		}
	}
	return nil
}
