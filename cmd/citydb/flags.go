package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ruslano69/citydb-tool/pkg/config"
)

// queryFlags - флаги отбора объектов, общие для export и delete
type queryFlags struct {
	types             []string
	bbox              string
	tiling            string
	lower             int64
	upper             int64
	validAt           string
	includeTerminated bool
}

func (q *queryFlags) register(cmd *cobra.Command, withTiling bool) {
	f := cmd.Flags()
	f.StringSliceVarP(&q.types, "type", "t", nil, "feature type names, e.g. Building,Road (default: all top-level types)")
	f.StringVar(&q.bbox, "bbox", "", "bounding box minx,miny,maxx,maxy[,srid]")
	if withTiling {
		f.StringVar(&q.tiling, "tiling", "", "split the bounding box into ROWSxCOLUMNS tiles")
	}
	f.Int64Var(&q.lower, "lower", 0, "first feature number of the counter range (1-based)")
	f.Int64Var(&q.upper, "upper", 0, "last feature number of the counter range")
	f.StringVar(&q.validAt, "valid-at", "", "select feature versions valid at RFC3339 time or YYYY-MM-DD")
	f.BoolVar(&q.includeTerminated, "include-terminated", false, "include terminated features")
}

// apply переносит заданные флаги в секцию запроса конфигурации
func (q *queryFlags) apply(cmd *cobra.Command, dst *config.QueryConfig) error {
	f := cmd.Flags()
	if f.Changed("type") {
		dst.FeatureTypes = q.types
	}
	if f.Changed("bbox") {
		bbox, err := parseBBox(q.bbox)
		if err != nil {
			return err
		}
		dst.BBox = bbox
	}
	if f.Changed("tiling") {
		tiling, err := parseTiling(q.tiling)
		if err != nil {
			return err
		}
		dst.Tiling = tiling
	}
	if f.Changed("lower") || f.Changed("upper") {
		if dst.Counter == nil {
			dst.Counter = &config.CounterConfig{}
		}
		if f.Changed("lower") {
			dst.Counter.Lower = q.lower
		}
		if f.Changed("upper") {
			dst.Counter.Upper = q.upper
		}
	}
	if f.Changed("valid-at") {
		dst.ValidAt = q.validAt
	}
	if f.Changed("include-terminated") {
		dst.IncludeTerminated = q.includeTerminated
	}
	return nil
}

func parseBBox(s string) (*config.BBoxConfig, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return nil, fmt.Errorf("invalid bbox %q: expected minx,miny,maxx,maxy[,srid]", s)
	}
	var v [4]float64
	for i := 0; i < 4; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox %q: %w", s, err)
		}
		v[i] = f
	}
	bbox := &config.BBoxConfig{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}
	if len(parts) == 5 {
		srid, err := strconv.Atoi(strings.TrimSpace(parts[4]))
		if err != nil {
			return nil, fmt.Errorf("invalid bbox srid %q: %w", parts[4], err)
		}
		bbox.SRID = srid
	}
	return bbox, nil
}

func parseTiling(s string) (*config.TilingConfig, error) {
	rows, cols, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return nil, fmt.Errorf("invalid tiling %q: expected ROWSxCOLUMNS", s)
	}
	r, err := strconv.Atoi(rows)
	if err != nil {
		return nil, fmt.Errorf("invalid tiling rows %q: %w", rows, err)
	}
	c, err := strconv.Atoi(cols)
	if err != nil {
		return nil, fmt.Errorf("invalid tiling columns %q: %w", cols, err)
	}
	if r < 1 || c < 1 {
		return nil, fmt.Errorf("invalid tiling %q: rows and columns must be positive", s)
	}
	return &config.TilingConfig{Rows: r, Columns: c}, nil
}
