package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"last-wish-service/internal/domain"
	"last-wish-service/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

var (
	_ domain.SubscriptionRepo = (*Postgres)(nil)
	_ domain.FinanceRepo      = (*Postgres)(nil)
	_ domain.DeliveryLedger   = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool, queryTimeout time.Duration) *Postgres {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Postgres{pool: pool, queryTimeout: queryTimeout}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.queryTimeout)
}

const subscriptionColumns = `user_id, email, enabled, active, check_in_frequency, check_in_frequency_unit, last_check_in, recipients, include_data, personal_message, delivery_claimed, updated_at`

// ListArmed возвращает боевые подписки: включённые, активные, с отметкой
// и без выполненной доставки.
func (p *Postgres) ListArmed(ctx context.Context) ([]domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+subscriptionColumns+`
FROM last_wish_subscriptions
WHERE enabled AND active AND NOT delivery_claimed AND last_check_in IS NOT NULL
`)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_list_armed", "last_wish_subscriptions", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка подписок: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Get возвращает подписку пользователя.
func (p *Postgres) Get(ctx context.Context, userID string) (domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+`
FROM last_wish_subscriptions
WHERE user_id = $1
`, userID)
	sub, err := scanSubscription(row)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_get", "last_wish_subscriptions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("получение подписки: %w", err)
	}
	return sub, nil
}

// ClaimDelivery атомарно захватывает подписку под доставку. Условный UPDATE
// выполняется одним запросом, поэтому из конкурирующих прогонов ровно один
// увидит изменённую строку.
func (p *Postgres) ClaimDelivery(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE last_wish_subscriptions
SET delivery_claimed = TRUE, updated_at = now()
WHERE user_id = $1 AND delivery_claimed = FALSE
`, userID)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_claim", "last_wish_subscriptions", start, err)
	if err != nil {
		return false, fmt.Errorf("захват подписки: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CheckIn обновляет отметку пользователя и возвращает подписку в боевое
// состояние, снимая флаг доставки.
func (p *Postgres) CheckIn(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE last_wish_subscriptions
SET last_check_in = $2, delivery_claimed = FALSE, active = TRUE, updated_at = now()
WHERE user_id = $1
`, userID, at)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_checkin", "last_wish_subscriptions", start, err)
	if err != nil {
		return fmt.Errorf("отметка пользователя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (domain.Subscription, error) {
	var (
		sub            domain.Subscription
		frequency      int
		frequencyUnit  string
		recipientsJSON []byte
		includeJSON    []byte
	)
	err := row.Scan(
		&sub.UserID,
		&sub.Email,
		&sub.Enabled,
		&sub.Active,
		&frequency,
		&frequencyUnit,
		&sub.LastCheckIn,
		&recipientsJSON,
		&includeJSON,
		&sub.Message,
		&sub.DeliveryClaimed,
		&sub.UpdatedAt,
	)
	if err != nil {
		return domain.Subscription{}, err
	}

	// Единица периодичности хранится явно: боевые подписки считают в днях,
	// тестовые стенды — в минутах.
	switch frequencyUnit {
	case "minutes":
		sub.CheckInEvery = time.Duration(frequency) * time.Minute
	default:
		sub.CheckInEvery = time.Duration(frequency) * 24 * time.Hour
	}

	if len(recipientsJSON) > 0 {
		if err := json.Unmarshal(recipientsJSON, &sub.Recipients); err != nil {
			return domain.Subscription{}, fmt.Errorf("разбор получателей: %w", err)
		}
	}
	if len(includeJSON) > 0 {
		if err := json.Unmarshal(includeJSON, &sub.Include); err != nil {
			return domain.Subscription{}, fmt.Errorf("разбор категорий: %w", err)
		}
	}
	return sub, nil
}

// ListAccounts возвращает счета пользователя.
func (p *Postgres) ListAccounts(ctx context.Context, userID string) ([]domain.Account, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, name, type, balance::text, currency
FROM accounts
WHERE user_id = $1
ORDER BY created_at
`, userID)
	metrics.ObserveNetworkRequest("postgres", "accounts_list", "accounts", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка счетов: %w", err)
	}
	defer rows.Close()

	accounts := []domain.Account{}
	for rows.Next() {
		var (
			acc     domain.Account
			balance string
		)
		if err := rows.Scan(&acc.ID, &acc.Name, &acc.Type, &balance, &acc.Balance.Currency); err != nil {
			return nil, err
		}
		if acc.Balance.Amount, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("разбор баланса: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// ListTransactions возвращает операции пользователя.
func (p *Postgres) ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, account_id, description, amount::text, currency, occurred_at
FROM transactions
WHERE user_id = $1
ORDER BY occurred_at DESC
`, userID)
	metrics.ObserveNetworkRequest("postgres", "transactions_list", "transactions", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка операций: %w", err)
	}
	defer rows.Close()

	transactions := []domain.Transaction{}
	for rows.Next() {
		var (
			tx     domain.Transaction
			amount string
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Description, &amount, &tx.Amount.Currency, &tx.OccurredAt); err != nil {
			return nil, err
		}
		if tx.Amount.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("разбор суммы операции: %w", err)
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// ListPurchases возвращает покупки пользователя.
func (p *Postgres) ListPurchases(ctx context.Context, userID string) ([]domain.Purchase, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, title, amount::text, currency, status
FROM purchases
WHERE user_id = $1
ORDER BY created_at
`, userID)
	metrics.ObserveNetworkRequest("postgres", "purchases_list", "purchases", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка покупок: %w", err)
	}
	defer rows.Close()

	purchases := []domain.Purchase{}
	for rows.Next() {
		var (
			pur    domain.Purchase
			amount string
		)
		if err := rows.Scan(&pur.ID, &pur.Title, &amount, &pur.Amount.Currency, &pur.Status); err != nil {
			return nil, err
		}
		if pur.Amount.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("разбор суммы покупки: %w", err)
		}
		purchases = append(purchases, pur)
	}
	return purchases, rows.Err()
}

// ListLendBorrow возвращает займы пользователя.
func (p *Postgres) ListLendBorrow(ctx context.Context, userID string) ([]domain.LendBorrowRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, counterparty, direction, amount::text, currency, due_date
FROM lend_borrow
WHERE user_id = $1
ORDER BY created_at
`, userID)
	metrics.ObserveNetworkRequest("postgres", "lend_borrow_list", "lend_borrow", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка займов: %w", err)
	}
	defer rows.Close()

	records := []domain.LendBorrowRecord{}
	for rows.Next() {
		var (
			rec    domain.LendBorrowRecord
			amount string
		)
		if err := rows.Scan(&rec.ID, &rec.Counterparty, &rec.Direction, &amount, &rec.Amount.Currency, &rec.DueDate); err != nil {
			return nil, err
		}
		if rec.Amount.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("разбор суммы займа: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListSavings возвращает накопления и пожертвования пользователя.
func (p *Postgres) ListSavings(ctx context.Context, userID string) ([]domain.SavingRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, goal, kind, amount::text, currency
FROM donation_saving_records
WHERE user_id = $1
ORDER BY created_at
`, userID)
	metrics.ObserveNetworkRequest("postgres", "savings_list", "donation_saving_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка накоплений: %w", err)
	}
	defer rows.Close()

	records := []domain.SavingRecord{}
	for rows.Next() {
		var (
			rec    domain.SavingRecord
			amount string
		)
		if err := rows.Scan(&rec.ID, &rec.Goal, &rec.Kind, &amount, &rec.Amount.Currency); err != nil {
			return nil, err
		}
		if rec.Amount.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("разбор суммы накопления: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Record добавляет строку в журнал доставок. Журнал только пополняется,
// существующие строки никогда не изменяются.
func (p *Postgres) Record(ctx context.Context, entry domain.DeliveryEntry) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var errDetail *string
	if entry.ErrorDetail != "" {
		errDetail = &entry.ErrorDetail
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO last_wish_deliveries (id, user_id, recipient_email, delivery_status, error_message, sent_at, delivery_data)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, entry.ID, entry.UserID, entry.RecipientEmail, string(entry.Status), errDetail, entry.SentAt, entry.Payload)
	metrics.ObserveNetworkRequest("postgres", "deliveries_insert", "last_wish_deliveries", start, err)
	if err != nil {
		return fmt.Errorf("запись доставки: %w", err)
	}
	return nil
}

// ListByUser возвращает последние доставки пользователя, свежие первыми.
func (p *Postgres) ListByUser(ctx context.Context, userID string, limit int) ([]domain.DeliveryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, recipient_email, delivery_status, COALESCE(error_message, ''), sent_at, delivery_data
FROM last_wish_deliveries
WHERE user_id = $1
ORDER BY sent_at DESC
LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "deliveries_list", "last_wish_deliveries", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка доставок: %w", err)
	}
	defer rows.Close()

	var entries []domain.DeliveryEntry
	for rows.Next() {
		var (
			entry  domain.DeliveryEntry
			status string
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.RecipientEmail, &status, &entry.ErrorDetail, &entry.SentAt, &entry.Payload); err != nil {
			return nil, err
		}
		entry.Status = domain.DeliveryStatus(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
