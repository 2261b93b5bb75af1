package splitter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/cache"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/query"
	"github.com/ruslano69/citydb-tool/pkg/schema"
)

// ErrUnknownObjectClass - objectclass_id строки не найден в реестре
// Строка пропускается, обход продолжается
var ErrUnknownObjectClass = errors.New("unknown objectclass_id")

// ErrWorkspaceNotFound - рабочее пространство не существует
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Splitter читает id объектов верхнего уровня и раздает их воркерам
type Splitter struct {
	adapter    adapters.Adapter
	registry   *schema.Registry
	builder    *query.Builder
	dispatcher *events.Dispatcher
	interrupt  *events.Interrupt
	log        zerolog.Logger

	// CalculateHits - считать число совпавших объектов перед обходом
	CalculateHits bool

	// Dedup - кэш gml:id для пропуска уже выгруженных объектов
	Dedup *cache.IDCache

	// DisplayForm проставляется в каждую единицу работы (KML экспорт)
	DisplayForm string
}

// New создает splitter
func New(adapter adapters.Adapter, registry *schema.Registry, dispatcher *events.Dispatcher,
	interrupt *events.Interrupt, log zerolog.Logger) *Splitter {
	return &Splitter{
		adapter:    adapter,
		registry:   registry,
		builder:    query.NewBuilder(registry),
		dispatcher: dispatcher,
		interrupt:  interrupt,
		log:        log.With().Str("component", "splitter").Logger(),
	}
}

// StartQuery выполняет запрос и передает каждую строку в sink
//
// Возвращает число переданных единиц работы. Пустой набор типов - успех с 0.
// Флаг прерывания проверяется перед чтением каждой строки; прерывание не
// считается ошибкой. Ошибки чтения после прерывания игнорируются.
func (s *Splitter) StartQuery(ctx context.Context, q *query.Query, sink WorkSink) (int64, error) {
	if len(q.FeatureTypes) == 0 {
		return 0, nil
	}

	sel, err := s.builder.BuildSelect(q)
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	// отмена этого контекста прерывает выполняющийся запрос
	qctx, cancel := s.interrupt.Context(ctx)
	defer cancel()

	conn, err := s.adapter.Conn(qctx)
	if err != nil {
		if s.cancelled(ctx) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if q.Workspace != "" {
		ok, err := s.adapter.GotoWorkspace(qctx, conn, q.Workspace, q.WorkspaceTimestamp)
		if err != nil {
			return 0, fmt.Errorf("failed to switch workspace: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, q.Workspace)
		}
	}

	dialect := s.adapter.Dialect()

	if s.CalculateHits {
		hits, err := s.countHits(qctx, conn, sel, dialect, q.Counter)
		if err != nil {
			if s.cancelled(ctx) {
				return 0, nil
			}
			return 0, err
		}
		s.log.Info().Int64("hits", hits).Msg("Calculated number of matching top-level features")
		if s.dispatcher != nil {
			s.dispatcher.TriggerEvent(events.ProgressBarEvent{Mode: events.ProgressInit, Value: hits})
		}
		if hits == 0 {
			return 0, nil
		}
	}

	sqlText, args := sel.Render(dialect)
	s.log.Debug().Str("sql", sqlText).Msg("Executing split query")

	rows, err := conn.QueryContext(qctx, sqlText, args...)
	if err != nil {
		if s.cancelled(ctx) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to execute split query: %w", err)
	}
	defer rows.Close()

	counter := q.Counter
	var (
		position int64
		emitted  int64
		skipped  int64
		dupes    int64
	)

	for {
		if s.cancelled(ctx) {
			s.log.Info().Int64("emitted", emitted).Msg("Split query interrupted")
			break
		}
		if !rows.Next() {
			break
		}

		position++
		if counter != nil {
			if position < counter.LowerLimit() {
				continue
			}
			if counter.Upper > 0 && position > counter.Upper {
				break
			}
		}

		var (
			id      int64
			classID int
			gmlID   sql.NullString
		)
		if err := rows.Scan(&id, &classID, &gmlID); err != nil {
			if s.cancelled(ctx) {
				break
			}
			return emitted, fmt.Errorf("failed to read split row: %w", err)
		}

		ft, ok := s.registry.Lookup(classID)
		if !ok {
			skipped++
			s.log.Error().Err(ErrUnknownObjectClass).
				Int64("id", id).
				Int("objectclass_id", classID).
				Msg("Skipping feature with unsupported feature type")
			continue
		}

		item := SplittingResult{ID: id, ObjectClassID: classID, Type: ft, GMLID: gmlID.String, DisplayForm: s.DisplayForm}

		if s.Dedup != nil && item.GMLID != "" {
			existed, err := s.Dedup.PutIfAbsent(qctx, item.GMLID, id, int64(classID))
			if err != nil {
				if s.cancelled(ctx) {
					break
				}
				return emitted, fmt.Errorf("failed to check duplicate %s: %w", item.GMLID, err)
			}
			if existed {
				dupes++
				continue
			}
			item.CheckedForDuplicate = true
		}

		if err := sink.AddWork(qctx, item); err != nil {
			if s.cancelled(ctx) {
				break
			}
			return emitted, fmt.Errorf("failed to enqueue feature %d: %w", id, err)
		}
		emitted++
	}

	if err := rows.Err(); err != nil && !s.cancelled(ctx) {
		return emitted, fmt.Errorf("failed to iterate split query: %w", err)
	}

	if dupes > 0 && s.dispatcher != nil {
		s.dispatcher.TriggerEvent(events.CounterEvent{
			Type:   events.CounterDuplicate,
			Counts: map[string]int64{"": dupes},
			Source: "splitter",
		})
	}

	s.log.Debug().
		Int64("emitted", emitted).
		Int64("skipped", skipped).
		Int64("duplicates", dupes).
		Msg("Split query finished")
	return emitted, nil
}

// countHits выполняет предварительный подсчет совпавших объектов
// с учетом диапазона счетчика
func (s *Splitter) countHits(ctx context.Context, conn *sql.Conn, sel *query.Select,
	dialect adapters.Dialect, counter *query.CounterFilter) (int64, error) {
	countSQL, args := sel.RenderCount(dialect)

	var hits int64
	if err := conn.QueryRowContext(ctx, countSQL, args...).Scan(&hits); err != nil {
		return 0, fmt.Errorf("failed to count matching features: %w", err)
	}

	if counter != nil {
		hits -= counter.LowerLimit() - 1
		if size := counter.Size(); size > 0 && hits > size {
			hits = size
		}
		if hits < 0 {
			hits = 0
		}
	}
	return hits, nil
}

func (s *Splitter) cancelled(ctx context.Context) bool {
	return s.interrupt.IsSet() || ctx.Err() != nil
}
