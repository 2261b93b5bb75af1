// Package metrics переводит события запуска в метрики Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ruslano69/citydb-tool/pkg/events"
)

// Metrics - метрики операций экспорта, импорта и удаления
type Metrics struct {
	// objectsTotal считает объекты по виду счетчика и типу объекта
	objectsTotal *prometheus.CounterVec
	// progressTotal - обработанные объекты верхнего уровня
	progressTotal *prometheus.CounterVec
	// matchedFeatures - число объектов, найденных предварительным подсчетом
	matchedFeatures *prometheus.GaugeVec
	interruptsTotal *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
}

// New регистрирует метрики в reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		objectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citydb_objects_total",
				Help: "Objects processed by workers per counter kind and feature type",
			},
			[]string{"operation", "counter", "type"},
		),
		progressTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citydb_progress_total",
				Help: "Top-level features processed, as reported by progress events",
			},
			[]string{"operation"},
		),
		matchedFeatures: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "citydb_matched_features",
				Help: "Top-level features matched by the query count pre-pass",
			},
			[]string{"operation"},
		),
		interruptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citydb_interrupts_total",
				Help: "Run interrupts by cause",
			},
			[]string{"operation", "user_cancelled"},
		),
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citydb_runs_total",
				Help: "Finished runs by status",
			},
			[]string{"operation", "status"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "citydb_run_duration_seconds",
				Help:    "Run duration",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"operation"},
		),
	}
}

// Attach подписывает метрики на события диспетчера
// Возвращаемая функция снимает обработчики
func (m *Metrics) Attach(d *events.Dispatcher, op string) func() {
	ids := []events.HandlerID{
		d.OnCounter(func(e events.CounterEvent) {
			for name, n := range e.Counts {
				m.objectsTotal.WithLabelValues(op, e.Type.String(), name).Add(float64(n))
			}
		}),
		d.OnProgressBar(func(e events.ProgressBarEvent) {
			switch e.Mode {
			case events.ProgressInit:
				m.matchedFeatures.WithLabelValues(op).Set(float64(e.Value))
			case events.ProgressUpdate:
				m.progressTotal.WithLabelValues(op).Add(float64(e.Value))
			}
		}),
		d.OnInterrupt(func(e events.InterruptEvent) {
			m.interruptsTotal.WithLabelValues(op, strconv.FormatBool(e.UserCancelled)).Inc()
		}),
	}
	return func() {
		for _, id := range ids {
			d.RemoveHandler(id)
		}
	}
}

// ObserveRun учитывает завершенный запуск
func (m *Metrics) ObserveRun(s events.Summary) {
	m.runsTotal.WithLabelValues(s.Operation, string(s.Status)).Inc()
	m.runDuration.WithLabelValues(s.Operation).Observe(s.Duration().Seconds())
}

// Serve отдает метрики по HTTP на addr до отмены ctx
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return ServeListener(ctx, ln, gatherer, log)
}

// ServeListener отдает метрики на ln до отмены ctx
func ServeListener(ctx context.Context, ln net.Listener, gatherer prometheus.Gatherer, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WriteFile сохраняет метрики в текстовом формате для textfile collector
func WriteFile(path string, gatherer prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
