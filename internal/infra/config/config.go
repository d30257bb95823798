package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	SMTP struct {
		Host string `envconfig:"SMTP_HOST" default:"smtp.gmail.com"`
		Port int    `envconfig:"SMTP_PORT" default:"587"`
		User string `envconfig:"SMTP_USER"`
		Pass string `envconfig:"SMTP_PASS"`
		From string `envconfig:"SMTP_FROM"`
	} `envconfig:""`

	Cron struct {
		// Spec — расписание проверки просроченных подписок.
		Spec string `envconfig:"CRON_SPEC" default:"*/5 * * * *"`
		// Secret — токен авторизации внешнего планировщика. Пустое значение
		// разрешает неаутентифицированный вызов.
		Secret string `envconfig:"CRON_SECRET"`
	} `envconfig:""`

	Delivery struct {
		Workers      int           `envconfig:"DELIVERY_WORKERS" default:"4"`
		QueryTimeout time.Duration `envconfig:"QUERY_TIMEOUT" default:"5s"`
		MailTimeout  time.Duration `envconfig:"MAIL_TIMEOUT" default:"30s"`
	} `envconfig:""`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// SMTPConfigured сообщает, настроен ли исходящий почтовый канал.
func (c AppConfig) SMTPConfigured() bool {
	return c.SMTP.User != "" && c.SMTP.Pass != ""
}
