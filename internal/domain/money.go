package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Money — денежная сумма с кодом валюты.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney создаёт сумму из строки и кода валюты.
func NewMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: d, Currency: currency}, nil
}

// String возвращает сумму с двумя знаками после запятой и кодом валюты.
func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// MarshalJSON сериализует сумму с фиксированными двумя знаками.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{m.Amount.StringFixed(2), m.Currency})
}

// UnmarshalJSON разбирает сумму из пары amount/currency.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewMoney(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
