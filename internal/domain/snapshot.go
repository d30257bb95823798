package domain

import (
	"bytes"
	"encoding/json"
)

// Snapshot — срез финансовых данных одного пользователя на момент доставки.
// Живёт только в рамках одного прогона пайплайна, ядром не сохраняется.
// Категория со значением nil считается исключённой из доставки; не-nil
// пустой слайс — включённой, но без записей.
type Snapshot struct {
	Accounts     []Account
	Transactions []Transaction
	Purchases    []Purchase
	LendBorrow   []LendBorrowRecord
	Savings      []SavingRecord
}

// CategoryCount — количество записей в одной включённой категории.
type CategoryCount struct {
	Category string
	Count    int
}

// Counts возвращает количество записей по включённым категориям в
// фиксированном порядке. Исключённые (nil) категории не попадают в результат.
func (s Snapshot) Counts() []CategoryCount {
	var out []CategoryCount
	if s.Accounts != nil {
		out = append(out, CategoryCount{Category: "accounts", Count: len(s.Accounts)})
	}
	if s.Transactions != nil {
		out = append(out, CategoryCount{Category: "transactions", Count: len(s.Transactions)})
	}
	if s.Purchases != nil {
		out = append(out, CategoryCount{Category: "purchases", Count: len(s.Purchases)})
	}
	if s.LendBorrow != nil {
		out = append(out, CategoryCount{Category: "lendBorrow", Count: len(s.LendBorrow)})
	}
	if s.Savings != nil {
		out = append(out, CategoryCount{Category: "savings", Count: len(s.Savings)})
	}
	return out
}

// TotalRecords возвращает суммарное число записей по включённым категориям.
func (s Snapshot) TotalRecords() int {
	total := 0
	for _, c := range s.Counts() {
		total += c.Count
	}
	return total
}

// Filter возвращает проекцию среза на включённые категории. Исключённые
// категории становятся nil и не упоминаются ни в письме, ни во вложении.
// Повторная фильтрация тем же набором даёт идентичный результат.
func (s Snapshot) Filter(include CategorySet) Snapshot {
	var out Snapshot
	if include.Accounts {
		out.Accounts = s.Accounts
	}
	if include.Transactions {
		out.Transactions = s.Transactions
	}
	if include.Purchases {
		out.Purchases = s.Purchases
	}
	if include.LendBorrow {
		out.LendBorrow = s.LendBorrow
	}
	if include.Savings {
		out.Savings = s.Savings
	}
	return out
}

// MarshalJSON сериализует срез, полностью опуская исключённые (nil)
// категории. Включённая пустая категория остаётся в выводе как пустой массив.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	fields := make([]struct {
		key   string
		value any
	}, 0, 5)
	if s.Accounts != nil {
		fields = append(fields, struct {
			key   string
			value any
		}{"accounts", s.Accounts})
	}
	if s.Transactions != nil {
		fields = append(fields, struct {
			key   string
			value any
		}{"transactions", s.Transactions})
	}
	if s.Purchases != nil {
		fields = append(fields, struct {
			key   string
			value any
		}{"purchases", s.Purchases})
	}
	if s.LendBorrow != nil {
		fields = append(fields, struct {
			key   string
			value any
		}{"lendBorrow", s.LendBorrow})
	}
	if s.Savings != nil {
		fields = append(fields, struct {
			key   string
			value any
		}{"savings", s.Savings})
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
