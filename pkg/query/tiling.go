package query

import (
	"fmt"
)

// Tiling - разбиение области на Rows x Columns тайлов
type Tiling struct {
	Rows    int
	Columns int
	Extent  BoundingBox
}

// Validate проверяет разбиение
func (t Tiling) Validate() error {
	if t.Rows < 1 || t.Columns < 1 {
		return fmt.Errorf("%w: tiling needs at least one row and column, got %dx%d", ErrInvalidQuery, t.Rows, t.Columns)
	}
	return t.Extent.Validate()
}

// Tile - один тайл разбиения
// Объект принадлежит тайлу, если центр его envelope лежит в
// [MinX, MaxX) x [MinY, MaxY). Последние строка и столбец включают правую
// и верхнюю границы, поэтому каждый объект внутри области попадает ровно
// в один тайл.
type Tile struct {
	Row        int
	Column     int
	Extent     BoundingBox
	LastRow    bool
	LastColumn bool
}

// Name возвращает суффикс файла тайла
func (t Tile) Name() string {
	return fmt.Sprintf("%d_%d", t.Row, t.Column)
}

// Contains проверяет принадлежность точки тайлу
func (t Tile) Contains(x, y float64) bool {
	if x < t.Extent.MinX || y < t.Extent.MinY {
		return false
	}
	if x > t.Extent.MaxX || (x == t.Extent.MaxX && !t.LastColumn) {
		return false
	}
	if y > t.Extent.MaxY || (y == t.Extent.MaxY && !t.LastRow) {
		return false
	}
	return true
}

// Tiles возвращает тайлы построчно, начиная с нижнего левого
func (t Tiling) Tiles() []Tile {
	if t.Rows < 1 || t.Columns < 1 {
		return nil
	}

	w := t.Extent.Width() / float64(t.Columns)
	h := t.Extent.Height() / float64(t.Rows)

	tiles := make([]Tile, 0, t.Rows*t.Columns)
	for row := 0; row < t.Rows; row++ {
		for col := 0; col < t.Columns; col++ {
			ext := BoundingBox{
				MinX: t.Extent.MinX + float64(col)*w,
				MinY: t.Extent.MinY + float64(row)*h,
				MaxX: t.Extent.MinX + float64(col+1)*w,
				MaxY: t.Extent.MinY + float64(row+1)*h,
				SRID: t.Extent.SRID,
			}
			// крайние тайлы берут границу области без ошибки округления
			if col == t.Columns-1 {
				ext.MaxX = t.Extent.MaxX
			}
			if row == t.Rows-1 {
				ext.MaxY = t.Extent.MaxY
			}
			tiles = append(tiles, Tile{
				Row:        row,
				Column:     col,
				Extent:     ext,
				LastRow:    row == t.Rows-1,
				LastColumn: col == t.Columns-1,
			})
		}
	}
	return tiles
}
