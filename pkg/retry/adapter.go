package retry

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
)

// Adapter повторяет подключение и получение отдельных подключений
// воркерами. Остальные методы передаются обернутому адаптеру
type Adapter struct {
	adapters.Adapter
	retryer *Retryer
	log     zerolog.Logger
}

// WrapAdapter оборачивает адаптер
func WrapAdapter(adapter adapters.Adapter, retryer *Retryer, log zerolog.Logger) *Adapter {
	return &Adapter{
		Adapter: adapter,
		retryer: retryer,
		log:     log.With().Str("component", "retry").Logger(),
	}
}

// Connect подключается к БД с повторами
func (a *Adapter) Connect(ctx context.Context, cfg adapters.Config) error {
	attempt := 0
	return a.retryer.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := a.Adapter.Connect(ctx, cfg)
		if err != nil {
			a.log.Warn().Err(err).Int("attempt", attempt).Str("db", cfg.Type).Msg("Database connection failed")
		}
		return err
	})
}

// Conn выдает подключение из пула с повторами
func (a *Adapter) Conn(ctx context.Context) (*sql.Conn, error) {
	var conn *sql.Conn
	err := a.retryer.Do(ctx, func(ctx context.Context) error {
		c, err := a.Adapter.Conn(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to acquire connection")
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}
