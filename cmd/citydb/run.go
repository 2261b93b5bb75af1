package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/adapters"
	"github.com/ruslano69/citydb-tool/pkg/brokers"
	"github.com/ruslano69/citydb-tool/pkg/events"
	"github.com/ruslano69/citydb-tool/pkg/metrics"
	"github.com/ruslano69/citydb-tool/pkg/report"
	"github.com/ruslano69/citydb-tool/pkg/resultlog"
	"github.com/ruslano69/citydb-tool/pkg/retry"
	"github.com/ruslano69/citydb-tool/pkg/schema"
	"github.com/ruslano69/citydb-tool/pkg/storage"
)

// errAborted - операция отменена пользователем
var errAborted = errors.New("operation aborted")

// postRunTimeout - лимит на публикацию итога и выгрузку файлов
const postRunTimeout = 10 * time.Minute

// session - ресурсы одного запуска: адаптер, события, метрики
type session struct {
	op  string
	app *app
	log zerolog.Logger

	adapter    adapters.Adapter
	registry   *schema.Registry
	dispatcher *events.Dispatcher
	interrupt  *events.Interrupt

	gatherer *prometheus.Registry
	metrics  *metrics.Metrics
	detach   []func()

	stopServer context.CancelFunc
	serverWG   sync.WaitGroup

	started time.Time
}

// openSession подключается к БД и подписывает метрики и журнал прогресса
func (a *app) openSession(ctx context.Context, op string, registry *schema.Registry) (*session, error) {
	adapter, err := a.openAdapter(ctx)
	if err != nil {
		return nil, err
	}

	log := a.log.With().Str("operation", op).Logger()
	dispatcher := events.NewDispatcher(log)
	s := &session{
		op:         op,
		app:        a,
		log:        log,
		adapter:    adapter,
		registry:   registry,
		dispatcher: dispatcher,
		interrupt:  events.NewInterrupt(dispatcher, log),
		gatherer:   prometheus.NewRegistry(),
		started:    time.Now(),
	}
	s.metrics = metrics.New(s.gatherer)
	s.detach = append(s.detach, s.metrics.Attach(dispatcher, op), s.logProgress())

	if addr := a.cfg.Metrics.Addr; addr != "" {
		serverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.stopServer = cancel
		s.serverWG.Add(1)
		go func() {
			defer s.serverWG.Done()
			if err := metrics.Serve(serverCtx, addr, s.gatherer, log); err != nil {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}
	return s, nil
}

// openAdapter создает адаптер; при включенном retry подключение и
// получение подключений воркерами повторяются
func (a *app) openAdapter(ctx context.Context) (adapters.Adapter, error) {
	cfg := a.cfg.Database.Adapter()
	if cfg.Type == "" {
		return nil, errors.New("database type is not set (use --db-type or database.type)")
	}
	if !a.cfg.Retry.Enabled {
		return adapters.New(ctx, cfg)
	}

	raw, err := adapters.NewWithoutConnect(cfg.Type)
	if err != nil {
		return nil, err
	}
	retryer, err := retry.NewRetryer(a.cfg.Retry)
	if err != nil {
		return nil, err
	}
	adapter := retry.WrapAdapter(raw, retryer, a.log)
	if err := adapter.Connect(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Type, err)
	}
	return adapter, nil
}

// openBroker подключает брокер из output.broker
func (a *app) openBroker(ctx context.Context) (brokers.MessageBroker, error) {
	if a.cfg.Output.Broker == nil {
		return nil, nil
	}
	broker, err := brokers.New(*a.cfg.Output.Broker)
	if err != nil {
		return nil, err
	}
	if err := broker.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", broker.GetBrokerType(), err)
	}
	return broker, nil
}

// logProgress пишет в журнал каждые 10% обработанных объектов
func (s *session) logProgress() func() {
	var total, done, step int64
	id := s.dispatcher.OnProgressBar(func(e events.ProgressBarEvent) {
		switch e.Mode {
		case events.ProgressInit:
			total, done, step = e.Value, 0, 0
			s.log.Info().Int64("features", total).Msg("Matched features")
		case events.ProgressUpdate:
			done += e.Value
			if total <= 0 {
				return
			}
			if next := done * 10 / total; next > step {
				step = next
				s.log.Info().Int64("processed", done).Int64("total", total).Msgf("Progress %d%%", step*10)
			}
		}
	})
	return func() { s.dispatcher.RemoveHandler(id) }
}

// output описывает результаты запуска для отчета и выгрузки
type output struct {
	// baseDir - корень для ключей S3
	baseDir string
	// dirs - каталоги, выгружаемые целиком (текстуры)
	dirs  []string
	tiles []report.Tile
}

// finish публикует итог: метрики, отчет, S3, журнал результатов в Redis
// Ошибка запуска имеет приоритет над ошибками публикации
func (s *session) finish(ctx context.Context, summary events.Summary, out output, runErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postRunTimeout)
	defer cancel()

	cfg := s.app.cfg
	var errs []error

	s.metrics.ObserveRun(summary)

	if summary.Status == events.StatusCompleted && cfg.Output.S3.Enabled() && len(summary.Files) > 0 {
		uploaded, err := s.upload(ctx, summary.Files, out)
		if err != nil {
			errs = append(errs, err)
		}
		summary.Files = append(summary.Files, uploaded...)
	}

	if path := cfg.Report.Path; path != "" {
		if err := report.Write(path, summary, out.tiles...); err != nil {
			errs = append(errs, fmt.Errorf("failed to write report: %w", err))
		} else {
			s.log.Info().Str("path", path).Msg("Report written")
		}
	}

	if cfg.ResultLog.Enabled() {
		pub := resultlog.NewRedisPublisher(cfg.ResultLog)
		if err := pub.Publish(ctx, summary); err != nil {
			errs = append(errs, err)
		}
		_ = pub.Close()
	}

	if path := cfg.Metrics.File; path != "" {
		if err := metrics.WriteFile(path, s.gatherer); err != nil {
			errs = append(errs, err)
		}
	}

	postErr := errors.Join(errs...)
	if postErr != nil {
		s.log.Error().Err(postErr).Msg("Failed to publish run results")
	}

	switch {
	case runErr != nil:
		return runErr
	case summary.Status == events.StatusAborted:
		return errAborted
	default:
		return postErr
	}
}

func (s *session) upload(ctx context.Context, files []string, out output) ([]string, error) {
	uploader, err := storage.NewUploader(ctx, s.app.cfg.Output.S3, s.log)
	if err != nil {
		return nil, err
	}
	baseDir := out.baseDir
	if baseDir == "" {
		baseDir = filepath.Dir(files[0])
	}
	return uploader.UploadAll(ctx, baseDir, files, out.dirs...)
}

// Close освобождает ресурсы запуска
func (s *session) Close() {
	for _, fn := range s.detach {
		fn()
	}
	s.dispatcher.Close()
	if s.stopServer != nil {
		s.stopServer()
		s.serverWG.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.adapter.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close database connection")
	}
}
