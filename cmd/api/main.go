package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"last-wish-service/internal/adapters/mailer"
	"last-wish-service/internal/adapters/repo"
	"last-wish-service/internal/domain"
	"last-wish-service/internal/infra/config"
	"last-wish-service/internal/infra/db"
	httpinfra "last-wish-service/internal/infra/http"
	applog "last-wish-service/internal/infra/log"
	"last-wish-service/internal/infra/metrics"
	"last-wish-service/internal/usecase/lastwish"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool, cfg.Delivery.QueryTimeout)

	var mailAdapter domain.Mailer
	if cfg.SMTPConfigured() {
		smtp, err := mailer.New(mailer.Config{
			Host: cfg.SMTP.Host,
			Port: cfg.SMTP.Port,
			User: cfg.SMTP.User,
			Pass: cfg.SMTP.Pass,
			From: cfg.SMTP.From,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("api: некорректная конфигурация SMTP")
		}
		mailAdapter = smtp
	} else {
		logger.Warn().Msg("api: SMTP не настроен, доставка писем недоступна")
	}

	service := lastwish.NewService(repoAdapter, repoAdapter, repoAdapter, mailAdapter,
		logger.With().Str("component", "lastwish").Logger(), cfg.Delivery.Workers, cfg.Delivery.MailTimeout)

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())

	server.Router.Group(func(cron chi.Router) {
		cron.Use(httpinfra.CronAuthMiddleware(cfg.Cron.Secret))

		checkHandler := func(w http.ResponseWriter, r *http.Request) {
			report, err := service.RunCheck(r.Context())
			if err != nil {
				logger.Error().Err(err).Msg("api: прогон проверки не удался")
				writeJSONStatus(w, http.StatusInternalServerError, map[string]any{
					"success":   false,
					"error":     err.Error(),
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				return
			}
			writeJSON(w, map[string]any{
				"success":        true,
				"processedCount": report.Processed,
				"emailsSent":     report.EmailsSent,
				"emailsFailed":   report.EmailsFailed,
				"warnings":       report.Warnings,
				"message":        fmt.Sprintf("Successfully processed %d overdue users", report.Processed),
				"timestamp":      time.Now().UTC().Format(time.RFC3339),
			})
		}
		// Внешние планировщики дёргают эндпоинт и GET, и POST запросами.
		cron.Get("/api/v1/last-wish/check", checkHandler)
		cron.Post("/api/v1/last-wish/check", checkHandler)
	})

	server.Router.Post("/api/v1/last-wish/send", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req struct {
			UserID   string `json:"userId"`
			TestMode bool   `json:"testMode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}

		outcomes, err := service.DeliverNow(r.Context(), req.UserID, req.TestMode)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, domain.ErrSubscriptionNotFound):
				status = http.StatusNotFound
			case errors.Is(err, domain.ErrAlreadyClaimed):
				status = http.StatusConflict
			case errors.Is(err, domain.ErrNoRecipients), errors.Is(err, lastwish.ErrMailerNotConfigured):
				status = http.StatusBadRequest
			default:
				logger.Error().Err(err).Str("user", req.UserID).Msg("api: ручная доставка не удалась")
			}
			writeJSONStatus(w, status, map[string]any{
				"success":   false,
				"error":     err.Error(),
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}

		successful := 0
		for _, o := range outcomes {
			if o.Success {
				successful++
			}
		}
		writeJSON(w, map[string]any{
			"success":     true,
			"message":     fmt.Sprintf("Last Wish delivered to %d recipient(s)", successful),
			"results":     outcomes,
			"successful":  successful,
			"failed":      len(outcomes) - successful,
			"deliveredAt": time.Now().UTC().Format(time.RFC3339),
		})
	})

	server.Router.Get("/api/v1/last-wish/status", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}
		report, err := service.Status(r.Context(), userID)
		if err != nil {
			if errors.Is(err, domain.ErrSubscriptionNotFound) {
				writeError(w, http.StatusNotFound, "subscription not found")
				return
			}
			logger.Error().Err(err).Str("user", userID).Msg("api: статус недоступен")
			writeError(w, http.StatusInternalServerError, "failed to load status")
			return
		}
		writeJSON(w, map[string]any{
			"success":        true,
			"status":         report,
			"smtpConfigured": cfg.SMTPConfigured(),
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		})
	})

	server.Router.Post("/api/v1/last-wish/checkin", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req struct {
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}
		if err := service.CheckIn(r.Context(), req.UserID); err != nil {
			if errors.Is(err, domain.ErrSubscriptionNotFound) {
				writeError(w, http.StatusNotFound, "subscription not found")
				return
			}
			logger.Error().Err(err).Str("user", req.UserID).Msg("api: отметка не удалась")
			writeError(w, http.StatusInternalServerError, "failed to check in")
			return
		}
		writeJSON(w, map[string]any{
			"success":   true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]any{"success": false, "error": msg})
}
