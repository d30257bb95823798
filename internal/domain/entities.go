package domain

import (
	"time"

	"github.com/google/uuid"
)

// Recipient описывает получателя данных Last Wish.
type Recipient struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
}

// CategorySet задаёт, какие категории финансовых данных включены в доставку.
type CategorySet struct {
	Accounts     bool `json:"accounts"`
	Transactions bool `json:"transactions"`
	Purchases    bool `json:"purchases"`
	LendBorrow   bool `json:"lendBorrow"`
	Savings      bool `json:"savings"`
}

// Subscription представляет настройки Last Wish одного пользователя.
type Subscription struct {
	UserID          string
	Email           string
	Enabled         bool
	Active          bool
	CheckInEvery    time.Duration
	LastCheckIn     *time.Time
	Recipients      []Recipient
	Include         CategorySet
	Message         string
	DeliveryClaimed bool
	UpdatedAt       time.Time
}

// Deadline возвращает момент, после которого подписка считается просроченной.
// Ноль, если пользователь ещё ни разу не отмечался.
func (s Subscription) Deadline() time.Time {
	if s.LastCheckIn == nil {
		return time.Time{}
	}
	return s.LastCheckIn.Add(s.CheckInEvery)
}

// Account описывает счёт пользователя.
type Account struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Balance Money  `json:"balance"`
}

// Transaction описывает операцию по счёту.
type Transaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Description string    `json:"description"`
	Amount      Money     `json:"amount"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Purchase описывает запланированную или совершённую покупку.
type Purchase struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Amount Money  `json:"amount"`
	Status string `json:"status"`
}

// LendBorrowRecord описывает займ: кому одолжено или у кого взято.
type LendBorrowRecord struct {
	ID           string     `json:"id"`
	Counterparty string     `json:"counterparty"`
	Direction    string     `json:"direction"`
	Amount       Money      `json:"amount"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
}

// SavingRecord описывает накопление или пожертвование.
type SavingRecord struct {
	ID     string `json:"id"`
	Goal   string `json:"goal"`
	Kind   string `json:"kind"`
	Amount Money  `json:"amount"`
}

// DeliveryStatus — итог отправки одному получателю.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryEntry — строка журнала доставок. Только добавляется, никогда не меняется.
type DeliveryEntry struct {
	ID             uuid.UUID
	UserID         string
	RecipientEmail string
	Status         DeliveryStatus
	ErrorDetail    string
	SentAt         time.Time
	Payload        []byte
}

// Outcome — результат попытки отправки одному получателю в рамках одного прогона.
type Outcome struct {
	RecipientEmail string `json:"recipient"`
	Success        bool   `json:"success"`
	MessageID      string `json:"messageId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// MailAttachment — вложение письма.
type MailAttachment struct {
	Filename string
	Content  []byte
	MIMEType string
}

// MailMessage — письмо для отправки через почтовый канал.
type MailMessage struct {
	To          string
	Subject     string
	HTMLBody    string
	Attachments []MailAttachment
}
