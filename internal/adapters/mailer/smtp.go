package mailer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	mail "github.com/wneessen/go-mail"

	"last-wish-service/internal/domain"
	"last-wish-service/internal/infra/metrics"
)

// Config — параметры SMTP-канала.
type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// SMTP реализует domain.Mailer поверх SMTP.
type SMTP struct {
	client *mail.Client
	from   string
}

var _ domain.Mailer = (*SMTP)(nil)

// New создаёт почтовый адаптер.
func New(cfg Config) (*SMTP, error) {
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.User),
		mail.WithPassword(cfg.Pass),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return nil, fmt.Errorf("создание SMTP клиента: %w", err)
	}
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	return &SMTP{client: client, from: from}, nil
}

// Send отправляет письмо с вложениями и возвращает Message-ID.
// Дедлайн контекста ограничивает и установку соединения, и передачу.
func (s *SMTP) Send(ctx context.Context, msg domain.MailMessage) (string, error) {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return "", fmt.Errorf("адрес отправителя: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return "", fmt.Errorf("адрес получателя: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTMLBody)

	messageID := uuid.NewString()
	m.SetMessageIDWithValue(messageID)

	for _, att := range msg.Attachments {
		if err := m.AttachReader(att.Filename, bytes.NewReader(att.Content),
			mail.WithFileContentType(mail.ContentType(att.MIMEType))); err != nil {
			return "", fmt.Errorf("вложение %s: %w", att.Filename, err)
		}
	}

	start := time.Now()
	err := s.client.DialAndSendWithContext(ctx, m)
	metrics.ObserveNetworkRequest("smtp", "dial_and_send", msg.To, start, err)
	if err != nil {
		return "", fmt.Errorf("отправка письма: %w", err)
	}
	return messageID, nil
}
