package lastwish

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"last-wish-service/internal/domain"
)

type stubSubs struct {
	mu         sync.Mutex
	subs       map[string]domain.Subscription
	claimErr   error
	listErr    error
	claimCalls int
}

func (s *stubSubs) ListArmed(context.Context) ([]domain.Subscription, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.Enabled && sub.Active && !sub.DeliveryClaimed && sub.LastCheckIn != nil {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *stubSubs) Get(_ context.Context, userID string) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *stubSubs) ClaimDelivery(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	if s.claimErr != nil {
		return false, s.claimErr
	}
	sub, ok := s.subs[userID]
	if !ok || sub.DeliveryClaimed {
		return false, nil
	}
	sub.DeliveryClaimed = true
	s.subs[userID] = sub
	return true, nil
}

func (s *stubSubs) CheckIn(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	sub.LastCheckIn = &at
	sub.DeliveryClaimed = false
	s.subs[userID] = sub
	return nil
}

func (s *stubSubs) claimed(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[userID].DeliveryClaimed
}

type stubFinance struct {
	mu            sync.Mutex
	accountsCalls int
	txErr         error
}

func (f *stubFinance) ListAccounts(context.Context, string) ([]domain.Account, error) {
	f.mu.Lock()
	f.accountsCalls++
	f.mu.Unlock()
	return []domain.Account{{
		ID:      "a1",
		Name:    "Main",
		Balance: domain.Money{Amount: decimal.NewFromInt(100), Currency: "USD"},
	}}, nil
}

func (f *stubFinance) ListTransactions(context.Context, string) ([]domain.Transaction, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	return []domain.Transaction{{
		ID:     "t1",
		Amount: domain.Money{Amount: decimal.NewFromInt(-5), Currency: "USD"},
	}}, nil
}

func (f *stubFinance) ListPurchases(context.Context, string) ([]domain.Purchase, error) {
	return []domain.Purchase{}, nil
}

func (f *stubFinance) ListLendBorrow(context.Context, string) ([]domain.LendBorrowRecord, error) {
	return []domain.LendBorrowRecord{}, nil
}

func (f *stubFinance) ListSavings(context.Context, string) ([]domain.SavingRecord, error) {
	return []domain.SavingRecord{}, nil
}

type stubLedger struct {
	mu      sync.Mutex
	entries []domain.DeliveryEntry
}

func (l *stubLedger) Record(_ context.Context, entry domain.DeliveryEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *stubLedger) ListByUser(_ context.Context, userID string, limit int) ([]domain.DeliveryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.DeliveryEntry
	for _, e := range l.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *stubLedger) rows() []domain.DeliveryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DeliveryEntry(nil), l.entries...)
}

type stubMailer struct {
	mu      sync.Mutex
	sent    []string
	failFor string
}

func (m *stubMailer) Send(_ context.Context, msg domain.MailMessage) (string, error) {
	if m.failFor != "" && msg.To == m.failFor {
		return "", errors.New("invalid address")
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg.To)
	m.mu.Unlock()
	return "msg-" + msg.To, nil
}

func testSubscription(recipients ...domain.Recipient) domain.Subscription {
	lastCheckIn := time.Now().UTC().Add(-31 * 24 * time.Hour)
	return domain.Subscription{
		UserID:       "u1",
		Email:        "owner@example.com",
		Enabled:      true,
		Active:       true,
		CheckInEvery: 30 * 24 * time.Hour,
		LastCheckIn:  &lastCheckIn,
		Recipients:   recipients,
		Include:      domain.CategorySet{Accounts: true, Transactions: true},
	}
}

func newTestService(subs domain.SubscriptionRepo, finance *stubFinance, ledger *stubLedger, m domain.Mailer) *Service {
	return NewService(subs, finance, ledger, m, zerolog.Nop(), 2, time.Second)
}

func TestDeliverNowMixedOutcomes(t *testing.T) {
	subs := &stubSubs{subs: map[string]domain.Subscription{
		"u1": testSubscription(
			domain.Recipient{Email: "good@example.com", Name: "Good"},
			domain.Recipient{Email: "bad@example.com", Name: "Bad"},
		),
	}}
	ledger := &stubLedger{}
	svc := newTestService(subs, &stubFinance{}, ledger, &stubMailer{failFor: "bad@example.com"})

	outcomes, err := svc.DeliverNow(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("ожидали исход для каждого получателя, получили %d", len(outcomes))
	}

	byEmail := map[string]domain.Outcome{}
	for _, o := range outcomes {
		byEmail[o.RecipientEmail] = o
	}
	if !byEmail["good@example.com"].Success {
		t.Fatalf("валидный получатель должен получить письмо")
	}
	if byEmail["bad@example.com"].Success || byEmail["bad@example.com"].Error == "" {
		t.Fatalf("сбой одного получателя должен фиксироваться как неуспешный исход")
	}

	rows := ledger.rows()
	if len(rows) != 2 {
		t.Fatalf("ожидали ровно 2 строки журнала, получили %d", len(rows))
	}
	for _, row := range rows {
		if row.Status == domain.DeliverySent && row.Payload == nil {
			t.Fatalf("успешная доставка должна сохранять срез данных")
		}
		if row.Status == domain.DeliveryFailed && row.Payload != nil {
			t.Fatalf("неуспешная доставка не должна сохранять данные")
		}
	}

	if !subs.claimed("u1") {
		t.Fatalf("боевая доставка должна захватывать подписку")
	}
}

func TestConcurrentClaimSingleDelivery(t *testing.T) {
	subs := &stubSubs{subs: map[string]domain.Subscription{
		"u1": testSubscription(domain.Recipient{Email: "heir@example.com"}),
	}}
	finance := &stubFinance{}
	ledger := &stubLedger{}
	svc := newTestService(subs, finance, ledger, &stubMailer{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.DeliverNow(context.Background(), "u1", false)
		}(i)
	}
	wg.Wait()

	var winners, losers int
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrAlreadyClaimed):
			losers++
		default:
			t.Fatalf("неожиданная ошибка: %v", err)
		}
	}
	if winners != 1 || losers != 1 {
		t.Fatalf("ровно один вызов должен выиграть захват: winners=%d losers=%d", winners, losers)
	}
	if finance.accountsCalls != 1 {
		t.Fatalf("сбор данных должен выполняться один раз, выполнился %d", finance.accountsCalls)
	}
	if len(ledger.rows()) != 1 {
		t.Fatalf("журнал должен содержать строки ровно одного раунда доставки")
	}
}

func TestRunCheckProcessesOnlyOverdue(t *testing.T) {
	fresh := testSubscription(domain.Recipient{Email: "heir@example.com"})
	freshCheckIn := time.Now().UTC().Add(-24 * time.Hour)
	fresh.UserID = "u2"
	fresh.LastCheckIn = &freshCheckIn

	subs := &stubSubs{subs: map[string]domain.Subscription{
		"u1": testSubscription(domain.Recipient{Email: "heir@example.com"}),
		"u2": fresh,
	}}
	mailerStub := &stubMailer{}
	svc := newTestService(subs, &stubFinance{}, &stubLedger{}, mailerStub)

	report, err := svc.RunCheck(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("ожидали обработку одной просроченной подписки, получили %d", report.Processed)
	}
	if report.EmailsSent != 1 || report.EmailsFailed != 0 {
		t.Fatalf("неожиданные счётчики: %+v", report)
	}
	if subs.claimed("u2") {
		t.Fatalf("свежая подписка не должна захватываться")
	}
}

func TestRunCheckScanFailureIsFatal(t *testing.T) {
	subs := &stubSubs{listErr: errors.New("connection refused")}
	svc := newTestService(subs, &stubFinance{}, &stubLedger{}, &stubMailer{})

	_, err := svc.RunCheck(context.Background())
	if err == nil {
		t.Fatalf("недоступность хранилища на скане должна валить прогон")
	}
	if subs.claimCalls != 0 {
		t.Fatalf("до скана не должно быть ни одного захвата")
	}
}

func TestRunCheckClaimTransientErrorSkips(t *testing.T) {
	subs := &stubSubs{
		subs:     map[string]domain.Subscription{"u1": testSubscription(domain.Recipient{Email: "heir@example.com"})},
		claimErr: errors.New("timeout"),
	}
	finance := &stubFinance{}
	svc := newTestService(subs, finance, &stubLedger{}, &stubMailer{})

	report, err := svc.RunCheck(context.Background())
	if err != nil {
		t.Fatalf("транзиентная ошибка захвата не должна валить прогон: %v", err)
	}
	if report.Processed != 0 {
		t.Fatalf("кандидат с неудачным захватом должен ждать следующего прогона")
	}
	if finance.accountsCalls != 0 {
		t.Fatalf("без захвата сбор данных запускаться не должен")
	}
}

func TestRunCheckRaceLossIsSilent(t *testing.T) {
	sub := testSubscription(domain.Recipient{Email: "heir@example.com"})
	subs := &stubSubs{subs: map[string]domain.Subscription{"u1": sub}}
	finance := &stubFinance{}
	svc := newTestService(subs, finance, &stubLedger{}, &stubMailer{})

	// Другая реплика успела захватить подписку между сканом и захватом.
	armed, err := subs.ListArmed(context.Background())
	if err != nil || len(armed) != 1 {
		t.Fatalf("ожидали одну боевую подписку")
	}
	if ok, _ := subs.ClaimDelivery(context.Background(), "u1"); !ok {
		t.Fatalf("первый захват должен пройти")
	}

	sent, failed, processed := svc.processOverdue(context.Background(), armed[0])
	if processed || sent != 0 || failed != 0 {
		t.Fatalf("проигрыш гонки должен тихо пропускать подписку")
	}
	if finance.accountsCalls != 0 {
		t.Fatalf("после проигрыша гонки сбор данных запускаться не должен")
	}
}

func TestDeliverNowTestModeLeavesClaimUnset(t *testing.T) {
	subs := &stubSubs{subs: map[string]domain.Subscription{
		"u1": testSubscription(domain.Recipient{Email: "heir@example.com"}),
	}}
	svc := newTestService(subs, &stubFinance{}, &stubLedger{}, &stubMailer{})

	outcomes, err := svc.DeliverNow(context.Background(), "u1", true)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("тестовая доставка должна пройти успешно")
	}
	if subs.claimCalls != 0 || subs.claimed("u1") {
		t.Fatalf("тестовый режим не должен оставлять постоянных следов в подписке")
	}
}

func TestDeliverNowNoRecipients(t *testing.T) {
	subs := &stubSubs{subs: map[string]domain.Subscription{"u1": testSubscription()}}
	svc := newTestService(subs, &stubFinance{}, &stubLedger{}, &stubMailer{})

	if _, err := svc.DeliverNow(context.Background(), "u1", false); !errors.Is(err, domain.ErrNoRecipients) {
		t.Fatalf("ожидали ErrNoRecipients, получили %v", err)
	}
}

func TestDeliverNowUnknownUser(t *testing.T) {
	svc := newTestService(&stubSubs{subs: map[string]domain.Subscription{}}, &stubFinance{}, &stubLedger{}, &stubMailer{})
	if _, err := svc.DeliverNow(context.Background(), "ghost", false); !errors.Is(err, domain.ErrSubscriptionNotFound) {
		t.Fatalf("ожидали ErrSubscriptionNotFound, получили %v", err)
	}
}

func TestDeliverNowWithoutMailer(t *testing.T) {
	svc := newTestService(&stubSubs{subs: map[string]domain.Subscription{}}, &stubFinance{}, &stubLedger{}, nil)
	if _, err := svc.DeliverNow(context.Background(), "u1", false); !errors.Is(err, ErrMailerNotConfigured) {
		t.Fatalf("ожидали ErrMailerNotConfigured, получили %v", err)
	}
}

func TestRunCheckWithoutMailerDoesNotClaim(t *testing.T) {
	subs := &stubSubs{subs: map[string]domain.Subscription{
		"u1": testSubscription(domain.Recipient{Email: "heir@example.com"}),
	}}
	svc := newTestService(subs, &stubFinance{}, &stubLedger{}, nil)

	if _, err := svc.RunCheck(context.Background()); !errors.Is(err, ErrMailerNotConfigured) {
		t.Fatalf("ожидали ErrMailerNotConfigured, получили %v", err)
	}
	if subs.claimCalls != 0 {
		t.Fatalf("без почтового канала не должно быть ни одной попытки захвата")
	}
	if subs.claimed("u1") {
		t.Fatalf("подписка не должна закрываться, если письмо отправить нечем")
	}
}

// cancellingSubs имитирует обрыв триггера сразу после захвата подписки.
type cancellingSubs struct {
	*stubSubs
	cancel context.CancelFunc
}

func (c *cancellingSubs) ClaimDelivery(ctx context.Context, userID string) (bool, error) {
	ok, err := c.stubSubs.ClaimDelivery(ctx, userID)
	c.cancel()
	return ok, err
}

// ctxAwareMailer отказывает, если контекст отправки уже отменён.
type ctxAwareMailer struct {
	stubMailer
}

func (m *ctxAwareMailer) Send(ctx context.Context, msg domain.MailMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.stubMailer.Send(ctx, msg)
}

func TestDeliverySurvivesTriggerDisconnect(t *testing.T) {
	inner := &stubSubs{subs: map[string]domain.Subscription{
		"u1": testSubscription(domain.Recipient{Email: "heir@example.com"}),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subs := &cancellingSubs{stubSubs: inner, cancel: cancel}
	ledger := &stubLedger{}
	svc := newTestService(subs, &stubFinance{}, ledger, &ctxAwareMailer{})

	outcomes, err := svc.DeliverNow(ctx, "u1", false)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("обрыв триггера после захвата не должен срывать рассылку: %+v", outcomes)
	}
	rows := ledger.rows()
	if len(rows) != 1 || rows[0].Status != domain.DeliverySent {
		t.Fatalf("ожидали успешную строку журнала, получили %+v", rows)
	}
}

func TestGatherDegradesOnCategoryFailure(t *testing.T) {
	subs := &stubSubs{subs: map[string]domain.Subscription{
		"u1": testSubscription(domain.Recipient{Email: "heir@example.com"}),
	}}
	ledger := &stubLedger{}
	svc := newTestService(subs, &stubFinance{txErr: errors.New("timeout")}, ledger, &stubMailer{})

	outcomes, err := svc.DeliverNow(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("отказ одной категории не должен отменять доставку: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("доставка с частичными данными должна состояться")
	}

	rows := ledger.rows()
	if len(rows) != 1 || rows[0].Payload == nil {
		t.Fatalf("ожидали строку журнала с данными")
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(rows[0].Payload, &payload); err != nil {
		t.Fatalf("не разбирается срез из журнала: %v", err)
	}
	if string(payload["transactions"]) != "[]" {
		t.Fatalf("недоступная категория должна деградировать до пустого списка: %s", payload["transactions"])
	}
	if !strings.Contains(string(payload["accounts"]), "Main") {
		t.Fatalf("доступные категории должны сохраниться: %s", payload["accounts"])
	}
}

func TestStatusReportsOverdue(t *testing.T) {
	subs := &stubSubs{subs: map[string]domain.Subscription{
		"u1": testSubscription(domain.Recipient{Email: "heir@example.com"}),
	}}
	ledger := &stubLedger{}
	svc := newTestService(subs, &stubFinance{}, ledger, &stubMailer{})

	if _, err := svc.DeliverNow(context.Background(), "u1", false); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	report, err := svc.Status(context.Background(), "u1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !report.DeliveryClaimed {
		t.Fatalf("статус должен отражать выполненную доставку")
	}
	if report.OverdueBy == "" {
		t.Fatalf("просроченная подписка должна показывать срок просрочки")
	}
	if len(report.Deliveries) != 1 {
		t.Fatalf("статус должен включать последние доставки")
	}
}
