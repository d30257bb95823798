package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"last-wish-service/internal/adapters/mailer"
	"last-wish-service/internal/adapters/repo"
	"last-wish-service/internal/domain"
	"last-wish-service/internal/infra/cache"
	"last-wish-service/internal/infra/config"
	"last-wish-service/internal/infra/db"
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
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
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
			logger.Fatal().Err(err).Msg("scheduler: некорректная конфигурация SMTP")
		}
		mailAdapter = smtp
	} else {
		logger.Warn().Msg("scheduler: SMTP не настроен, письма отправляться не будут")
	}

	var tickGuard domain.Cache
	if cfg.RedisAddr != "" {
		tickGuard = cache.NewRedisFromAddr(cfg.RedisAddr)
	}

	service := lastwish.NewService(repoAdapter, repoAdapter, repoAdapter, mailAdapter,
		logger.With().Str("component", "lastwish").Logger(), cfg.Delivery.Workers, cfg.Delivery.MailTimeout)

	runOnce := func() {
		report, err := service.RunCheck(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("scheduler: прогон не удался")
			return
		}
		logger.Info().
			Int("processed", report.Processed).
			Int("sent", report.EmailsSent).
			Int("failed", report.EmailsFailed).
			Int("warnings", report.Warnings).
			Msg("scheduler: прогон завершён")
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Cron.Spec, func() {
		if tickGuard == nil {
			runOnce()
			return
		}
		// Защита от одновременных тиков нескольких реплик. Повторную
		// доставку в любом случае исключает CAS на флаге подписки.
		key := fmt.Sprintf("lastwish:scan:%d", time.Now().UTC().Unix()/60)
		if err := tickGuard.Once(key, 10*time.Minute, func() error {
			runOnce()
			return nil
		}); err != nil {
			logger.Warn().Err(err).Msg("scheduler: защита от дублей недоступна, запускаем без неё")
			runOnce()
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.Cron.Spec).Msg("scheduler: некорректное расписание")
	}

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	logger.Info().Str("spec", cfg.Cron.Spec).Msg("scheduler: старт")
	c.Start()

	<-ctx.Done()
	logger.Info().Msg("scheduler: остановка")
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("scheduler: прогон не завершился за отведённое время")
	}
}
