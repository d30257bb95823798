package lastwish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"last-wish-service/internal/domain"
	"last-wish-service/internal/infra/metrics"
)

// ErrMailerNotConfigured возвращается, если почтовый канал не настроен.
var ErrMailerNotConfigured = errors.New("почтовый канал не настроен")

const defaultWorkers = 4

// Service реализует пайплайн Last Wish: скан просроченных подписок, захват
// флага доставки, сбор и фильтрацию данных, рассылку и журналирование.
type Service struct {
	subs        domain.SubscriptionRepo
	finance     domain.FinanceRepo
	ledger      domain.DeliveryLedger
	mailer      domain.Mailer
	log         zerolog.Logger
	workers     int
	mailTimeout time.Duration
}

// NewService создаёт сервис доставки.
func NewService(subs domain.SubscriptionRepo, finance domain.FinanceRepo, ledger domain.DeliveryLedger, mailer domain.Mailer, logger zerolog.Logger, workers int, mailTimeout time.Duration) *Service {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if mailTimeout <= 0 {
		mailTimeout = 30 * time.Second
	}
	return &Service{
		subs:        subs,
		finance:     finance,
		ledger:      ledger,
		mailer:      mailer,
		log:         logger,
		workers:     workers,
		mailTimeout: mailTimeout,
	}
}

// RunReport — итоги одного прогона проверки.
type RunReport struct {
	Processed    int `json:"processedCount"`
	EmailsSent   int `json:"emailsSent"`
	EmailsFailed int `json:"emailsFailed"`
	Warnings     int `json:"warnings"`
}

// RunCheck выполняет полный прогон: скан, захват и доставку по всем
// просроченным подпискам. Ошибкой завершается только отсутствие почтового
// канала и недоступность хранилища на этапе скана — до этого момента ни
// один флаг не захвачен, и следующий прогон безопасно повторит работу.
// Подписки обрабатываются ограниченным пулом воркеров; прогоны могут
// пересекаться во времени, корректность обеспечивает CAS на флаге доставки.
func (s *Service) RunCheck(ctx context.Context) (RunReport, error) {
	// Без почтового канала захватывать подписки нельзя: флаг сгорел бы,
	// а письма никто бы не получил.
	if s.mailer == nil {
		return RunReport{}, ErrMailerNotConfigured
	}

	start := time.Now()
	metrics.ScansTotal.Inc()
	defer func() { metrics.ScanSeconds.Observe(time.Since(start).Seconds()) }()

	subs, err := s.subs.ListArmed(ctx)
	if err != nil {
		return RunReport{}, fmt.Errorf("скан подписок: %w", err)
	}

	overdue, warnings := OverdueCandidates(subs, time.Now().UTC())
	for _, w := range warnings {
		metrics.DataQualityWarnings.Inc()
		s.log.Warn().Str("user", w.UserID).Str("reason", w.Reason).Msg("lastwish: подписка пропущена")
	}
	if len(overdue) > 0 {
		metrics.OverdueFound.Add(float64(len(overdue)))
		s.log.Info().Int("count", len(overdue)).Msg("lastwish: найдены просроченные подписки")
	}

	report := RunReport{Warnings: len(warnings)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.workers)
	for _, sub := range overdue {
		wg.Add(1)
		sem <- struct{}{}
		go func(sub domain.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()

			sent, failed, processed := s.processOverdue(ctx, sub)

			mu.Lock()
			if processed {
				report.Processed++
			}
			report.EmailsSent += sent
			report.EmailsFailed += failed
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	return report, nil
}

// processOverdue пытается захватить подписку и доставить данные. Возвращает
// processed=false, если подписка досталась другому прогону или захват не
// удался по транспортной причине.
func (s *Service) processOverdue(ctx context.Context, sub domain.Subscription) (sent, failed int, processed bool) {
	claimed, err := s.subs.ClaimDelivery(ctx, sub.UserID)
	if err != nil {
		// Неоднозначный ответ хранилища не считается успехом: кандидата
		// подхватит следующий прогон.
		s.log.Warn().Err(err).Str("user", sub.UserID).Msg("lastwish: захват не удался")
		return 0, 0, false
	}
	if !claimed {
		// Обычный исход гонки, не ошибка.
		metrics.ClaimRaceLosses.Inc()
		s.log.Debug().Str("user", sub.UserID).Msg("lastwish: подписка уже захвачена другим прогоном")
		return 0, 0, false
	}

	outcomes := s.deliver(ctx, sub, false)
	for _, o := range outcomes {
		if o.Success {
			sent++
		} else {
			failed++
		}
	}
	s.log.Info().Str("user", sub.UserID).Int("sent", sent).Int("failed", failed).Msg("lastwish: доставка завершена")
	return sent, failed, true
}

// DeliverNow выполняет доставку для одного пользователя, минуя детектор.
// В боевом режиме подписка сначала захватывается; testMode не оставляет
// постоянных следов в состоянии подписки.
func (s *Service) DeliverNow(ctx context.Context, userID string, testMode bool) ([]domain.Outcome, error) {
	if s.mailer == nil {
		return nil, ErrMailerNotConfigured
	}
	sub, err := s.subs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(sub.Recipients) == 0 {
		return nil, domain.ErrNoRecipients
	}
	if !testMode {
		claimed, err := s.subs.ClaimDelivery(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("захват подписки: %w", err)
		}
		if !claimed {
			return nil, domain.ErrAlreadyClaimed
		}
	}
	return s.deliver(ctx, sub, testMode), nil
}

// deliver — общий путь рассылки: сбор, фильтрация, рендер и отправка каждому
// получателю независимо. Сбой у одного получателя не останавливает остальных
// и не откатывает уже отправленное; повторных попыток внутри прогона нет.
func (s *Service) deliver(ctx context.Context, sub domain.Subscription, testMode bool) []domain.Outcome {
	// К этому моменту захват уже выполнен, и обрыв триггера (разрыв
	// HTTP-соединения планировщика) не должен отменять рассылку: подписка
	// без письма осталась бы закрытой навсегда. Таймауты на запросы и
	// отправку продолжают действовать.
	ctx = context.WithoutCancel(ctx)

	snapshot := s.gather(ctx, sub.UserID)
	filtered := snapshot.Filter(sub.Include)
	now := time.Now().UTC()

	payload, err := json.Marshal(filtered)
	if err != nil {
		s.log.Error().Err(err).Str("user", sub.UserID).Msg("lastwish: сериализация среза")
		payload = nil
	}

	outcomes := make([]domain.Outcome, 0, len(sub.Recipients))
	for _, rcpt := range sub.Recipients {
		outcome := s.sendToRecipient(ctx, sub, rcpt, filtered, now, testMode)

		entry := domain.DeliveryEntry{
			ID:             uuid.New(),
			UserID:         sub.UserID,
			RecipientEmail: rcpt.Email,
			Status:         domain.DeliveryFailed,
			ErrorDetail:    outcome.Error,
			SentAt:         time.Now().UTC(),
		}
		if outcome.Success {
			entry.Status = domain.DeliverySent
			entry.Payload = payload
		}
		if err := s.ledger.Record(ctx, entry); err != nil {
			// Без строки журнала доставку нельзя подтвердить при разборе
			// инцидентов, но саму отправку это не отменяет.
			metrics.LedgerWriteErrors.Inc()
			s.log.Error().Err(err).Str("user", sub.UserID).Str("recipient", rcpt.Email).
				Msg("lastwish: запись в журнал доставок не удалась")
		}

		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// sendToRecipient рендерит и отправляет письмо одному получателю. Любая
// ошибка транспорта превращается в неуспешный Outcome, а не в панику цикла.
func (s *Service) sendToRecipient(ctx context.Context, sub domain.Subscription, rcpt domain.Recipient, snapshot domain.Snapshot, now time.Time, testMode bool) domain.Outcome {
	digest, err := Render(sub, rcpt, snapshot, now, testMode)
	if err != nil {
		metrics.EmailsFailed.Inc()
		return domain.Outcome{RecipientEmail: rcpt.Email, Error: err.Error()}
	}

	mctx, cancel := context.WithTimeout(ctx, s.mailTimeout)
	defer cancel()

	messageID, err := s.mailer.Send(mctx, domain.MailMessage{
		To:          rcpt.Email,
		Subject:     digest.Subject,
		HTMLBody:    digest.HTMLBody,
		Attachments: digest.Attachments,
	})
	if err != nil {
		metrics.EmailsFailed.Inc()
		s.log.Warn().Err(err).Str("recipient", rcpt.Email).Msg("lastwish: письмо не отправлено")
		return domain.Outcome{RecipientEmail: rcpt.Email, Error: err.Error()}
	}

	metrics.EmailsSent.Inc()
	return domain.Outcome{RecipientEmail: rcpt.Email, Success: true, MessageID: messageID}
}

// gather собирает пять категорий данных пользователя. Отказ одной категории
// деградирует до пустого списка: частичные данные лучше отсутствия доставки.
func (s *Service) gather(ctx context.Context, userID string) domain.Snapshot {
	snapshot := domain.Snapshot{
		Accounts:     []domain.Account{},
		Transactions: []domain.Transaction{},
		Purchases:    []domain.Purchase{},
		LendBorrow:   []domain.LendBorrowRecord{},
		Savings:      []domain.SavingRecord{},
	}

	if accounts, err := s.finance.ListAccounts(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("lastwish: счета недоступны")
	} else if accounts != nil {
		snapshot.Accounts = accounts
	}
	if transactions, err := s.finance.ListTransactions(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("lastwish: операции недоступны")
	} else if transactions != nil {
		snapshot.Transactions = transactions
	}
	if purchases, err := s.finance.ListPurchases(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("lastwish: покупки недоступны")
	} else if purchases != nil {
		snapshot.Purchases = purchases
	}
	if lendBorrow, err := s.finance.ListLendBorrow(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("lastwish: займы недоступны")
	} else if lendBorrow != nil {
		snapshot.LendBorrow = lendBorrow
	}
	if savings, err := s.finance.ListSavings(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("lastwish: накопления недоступны")
	} else if savings != nil {
		snapshot.Savings = savings
	}

	return snapshot
}

// StatusReport — состояние подписки для диагностического эндпоинта.
type StatusReport struct {
	Enabled         bool              `json:"enabled"`
	Active          bool              `json:"active"`
	DeliveryClaimed bool              `json:"deliveryClaimed"`
	CheckInEvery    string            `json:"checkInEvery"`
	LastCheckIn     *time.Time        `json:"lastCheckIn"`
	Deadline        *time.Time        `json:"deadline,omitempty"`
	OverdueBy       string            `json:"overdueBy,omitempty"`
	RecipientCount  int               `json:"recipientCount"`
	Deliveries      []DeliverySummary `json:"deliveries"`
}

// DeliverySummary — краткая строка журнала для статуса.
type DeliverySummary struct {
	RecipientEmail string    `json:"recipient"`
	Status         string    `json:"status"`
	ErrorDetail    string    `json:"error,omitempty"`
	SentAt         time.Time `json:"sentAt"`
}

// Status возвращает состояние подписки пользователя и последние доставки.
func (s *Service) Status(ctx context.Context, userID string) (StatusReport, error) {
	sub, err := s.subs.Get(ctx, userID)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{
		Enabled:         sub.Enabled,
		Active:          sub.Active,
		DeliveryClaimed: sub.DeliveryClaimed,
		CheckInEvery:    sub.CheckInEvery.String(),
		LastCheckIn:     sub.LastCheckIn,
		RecipientCount:  len(sub.Recipients),
		Deliveries:      []DeliverySummary{},
	}
	if sub.LastCheckIn != nil {
		deadline := sub.Deadline()
		report.Deadline = &deadline
		if now := time.Now().UTC(); now.After(deadline) {
			report.OverdueBy = now.Sub(deadline).Round(time.Second).String()
		}
	}

	entries, err := s.ledger.ListByUser(ctx, userID, 10)
	if err != nil {
		s.log.Warn().Err(err).Str("user", userID).Msg("lastwish: журнал доставок недоступен")
	}
	for _, e := range entries {
		report.Deliveries = append(report.Deliveries, DeliverySummary{
			RecipientEmail: e.RecipientEmail,
			Status:         string(e.Status),
			ErrorDetail:    e.ErrorDetail,
			SentAt:         e.SentAt,
		})
	}

	return report, nil
}

// CheckIn фиксирует отметку пользователя: обновляет last_check_in и снимает
// флаг доставки, возвращая подписку в боевое состояние.
func (s *Service) CheckIn(ctx context.Context, userID string) error {
	return s.subs.CheckIn(ctx, userID, time.Now().UTC())
}
