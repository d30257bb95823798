package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	ScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lastwish_scans_total",
		Help: "Количество прогонов проверки просроченных подписок",
	})
	ScanSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lastwish_scan_seconds",
		Help:    "Длительность одного прогона проверки",
		Buckets: prometheus.DefBuckets,
	})
	OverdueFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lastwish_overdue_found_total",
		Help: "Количество найденных просроченных подписок",
	})
	DataQualityWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lastwish_data_quality_warnings_total",
		Help: "Количество подписок, пропущенных из-за некорректных данных",
	})
	ClaimRaceLosses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lastwish_claim_race_losses_total",
		Help: "Количество проигранных гонок за флаг доставки",
	})
	EmailsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lastwish_emails_sent_total",
		Help: "Количество успешно отправленных писем",
	})
	EmailsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lastwish_emails_failed_total",
		Help: "Количество писем, отправить которые не удалось",
	})
	LedgerWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lastwish_ledger_write_errors_total",
		Help: "Количество неудачных записей в журнал доставок",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		ScansTotal,
		ScanSeconds,
		OverdueFound,
		DataQualityWarnings,
		ClaimRaceLosses,
		EmailsSent,
		EmailsFailed,
		LedgerWriteErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
