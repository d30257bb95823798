package domain

import (
	"context"
	"errors"
	"time"
)

// ErrSubscriptionNotFound возвращается, если у пользователя нет настроек Last Wish.
var ErrSubscriptionNotFound = errors.New("настройки last wish не найдены")

// ErrAlreadyClaimed возвращается при попытке доставки по уже закрытой подписке.
var ErrAlreadyClaimed = errors.New("доставка по подписке уже выполнена")

// ErrNoRecipients возвращается, если в подписке не настроен ни один получатель.
var ErrNoRecipients = errors.New("не настроены получатели")

// SubscriptionRepo управляет подписками Last Wish.
type SubscriptionRepo interface {
	// ListArmed возвращает включённые активные подписки с заполненным
	// last_check_in, по которым доставка ещё не выполнялась.
	ListArmed(ctx context.Context) ([]Subscription, error)
	Get(ctx context.Context, userID string) (Subscription, error)
	// ClaimDelivery атомарно переводит delivery_claimed из false в true.
	// true получает ровно один из конкурирующих вызовов; false означает
	// проигрыш гонки. Ошибка транспорта не трактуется как успех.
	ClaimDelivery(ctx context.Context, userID string) (bool, error)
	// CheckIn обновляет last_check_in и снимает флаг доставки — единственный
	// легальный путь возврата подписки в боевое состояние.
	CheckIn(ctx context.Context, userID string, at time.Time) error
}

// FinanceRepo отдаёт финансовые данные пользователя по категориям.
type FinanceRepo interface {
	ListAccounts(ctx context.Context, userID string) ([]Account, error)
	ListTransactions(ctx context.Context, userID string) ([]Transaction, error)
	ListPurchases(ctx context.Context, userID string) ([]Purchase, error)
	ListLendBorrow(ctx context.Context, userID string) ([]LendBorrowRecord, error)
	ListSavings(ctx context.Context, userID string) ([]SavingRecord, error)
}

// DeliveryLedger — журнал попыток доставки, только добавление.
type DeliveryLedger interface {
	Record(ctx context.Context, entry DeliveryEntry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]DeliveryEntry, error)
}

// Mailer отправляет письмо и возвращает идентификатор сообщения транспорта.
type Mailer interface {
	Send(ctx context.Context, msg MailMessage) (string, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
