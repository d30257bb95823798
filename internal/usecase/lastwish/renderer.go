package lastwish

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"last-wish-service/internal/domain"
)

// Digest — письмо для одного получателя: тело и вложения.
type Digest struct {
	Subject     string
	HTMLBody    string
	Attachments []domain.MailAttachment
}

var categoryLabels = map[string]string{
	"accounts":     "Accounts",
	"transactions": "Transactions",
	"purchases":    "Purchases",
	"lendBorrow":   "Lend/Borrow Records",
	"savings":      "Savings Records",
}

var digestTmpl = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{if .TestMode}}Test Email - {{end}}Last Wish - Digital Time Capsule</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
    .container { max-width: 600px; margin: 0 auto; padding: 20px; }
    .header { background: #f8f9fa; padding: 20px; border-radius: 8px; margin-bottom: 20px; }
    .warning { background: #fff3cd; border: 1px solid #ffeaa7; padding: 15px; border-radius: 8px; margin-bottom: 20px; }
    .test-mode { background: #d4edda; border: 1px solid #c3e6cb; padding: 15px; border-radius: 8px; margin-bottom: 20px; }
    .message { background: #f8f9fa; padding: 15px; border-radius: 8px; margin-bottom: 20px; }
    .data-summary { background: #e9ecef; padding: 15px; border-radius: 8px; margin-bottom: 20px; }
    .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #dee2e6; font-size: 12px; color: #6c757d; }
  </style>
</head>
<body>
  <div class="container">
    {{if .TestMode}}<div class="test-mode">
      <h3>TEST MODE</h3>
      <p>This is a test email from the Last Wish system. No permanent delivery has been recorded.</p>
    </div>{{end}}
    <div class="header">
      <h2>{{if .TestMode}}Test Email - {{end}}Last Wish - Digital Time Capsule</h2>
      <p>Hello {{.RecipientName}}, this email contains important financial data that was requested to be delivered to you.</p>
    </div>
    <div class="warning">
      <strong>Important Notice:</strong>
      <p>This data has been automatically delivered because {{.OwnerEmail}} has not checked in with their financial management system for an extended period.</p>
    </div>
    {{if .Message}}<div class="message">
      <h3>Personal Message from {{.OwnerEmail}}:</h3>
      <p>{{.Message}}</p>
    </div>{{end}}
    {{if .Summary}}<div class="data-summary">
      <h3>Financial Data Summary:</h3>
      <ul>
        {{range .Summary}}<li>{{.Label}}: {{.Count}}</li>
        {{end}}
      </ul>
    </div>{{end}}
    <p>A detailed JSON file containing all the financial data has been attached to this email.</p>
    <div class="footer">
      <p>This is an automated delivery from the Last Wish system. Please handle this information with care and respect for {{.OwnerEmail}}'s privacy.</p>
      <p>Delivery Date: {{.DeliveryDate}}</p>
    </div>
  </div>
</body>
</html>
`))

type summaryLine struct {
	Label string
	Count int
}

type digestData struct {
	TestMode      bool
	OwnerEmail    string
	RecipientName string
	Message       string
	Summary       []summaryLine
	DeliveryDate  string
}

// Render собирает письмо для одного получателя: HTML с причиной доставки,
// личным сообщением и сводкой по категориям, плюс машиночитаемое JSON-вложение
// и CSV-выгрузка отфильтрованного среза. Категории без записей в сводку не
// попадают. Функция чистая: к хранилищу не обращается.
func Render(sub domain.Subscription, rcpt domain.Recipient, snapshot domain.Snapshot, now time.Time, testMode bool) (Digest, error) {
	var summary []summaryLine
	for _, c := range snapshot.Counts() {
		if c.Count == 0 {
			continue
		}
		label := categoryLabels[c.Category]
		if label == "" {
			label = c.Category
		}
		summary = append(summary, summaryLine{Label: label, Count: c.Count})
	}

	name := rcpt.Name
	if name == "" {
		name = rcpt.Email
	}

	var body bytes.Buffer
	err := digestTmpl.Execute(&body, digestData{
		TestMode:      testMode,
		OwnerEmail:    sub.Email,
		RecipientName: name,
		Message:       sub.Message,
		Summary:       summary,
		DeliveryDate:  now.Format("January 2, 2006"),
	})
	if err != nil {
		return Digest{}, fmt.Errorf("рендер письма: %w", err)
	}

	jsonExport, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Digest{}, fmt.Errorf("экспорт JSON: %w", err)
	}

	csvExport, err := exportCSV(snapshot)
	if err != nil {
		return Digest{}, fmt.Errorf("экспорт CSV: %w", err)
	}

	prefix := ""
	subjectPrefix := ""
	if testMode {
		prefix = "test-"
		subjectPrefix = "Test Email - "
	}
	date := now.Format("2006-01-02")

	return Digest{
		Subject:  fmt.Sprintf("%sImportant: Financial Data from %s - Last Wish", subjectPrefix, sub.Email),
		HTMLBody: body.String(),
		Attachments: []domain.MailAttachment{
			{
				Filename: fmt.Sprintf("%sfinancial-data-%s-%s.json", prefix, sub.Email, date),
				Content:  jsonExport,
				MIMEType: "application/json",
			},
			{
				Filename: fmt.Sprintf("%sfinancial-summary-%s-%s.csv", prefix, sub.Email, date),
				Content:  csvExport,
				MIMEType: "text/csv",
			},
		},
	}, nil
}

// exportCSV строит плоскую человекочитаемую выгрузку включённых категорий.
// Суммы выводятся с двумя знаками и кодом валюты.
func exportCSV(snapshot domain.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"category", "id", "description", "amount", "extra"}); err != nil {
		return nil, err
	}

	for _, acc := range snapshot.Accounts {
		if err := w.Write([]string{"accounts", acc.ID, acc.Name, acc.Balance.String(), acc.Type}); err != nil {
			return nil, err
		}
	}
	for _, tx := range snapshot.Transactions {
		if err := w.Write([]string{"transactions", tx.ID, tx.Description, tx.Amount.String(), tx.OccurredAt.Format(time.RFC3339)}); err != nil {
			return nil, err
		}
	}
	for _, p := range snapshot.Purchases {
		if err := w.Write([]string{"purchases", p.ID, p.Title, p.Amount.String(), p.Status}); err != nil {
			return nil, err
		}
	}
	for _, lb := range snapshot.LendBorrow {
		due := ""
		if lb.DueDate != nil {
			due = lb.DueDate.Format("2006-01-02")
		}
		desc := lb.Direction + " " + lb.Counterparty
		if err := w.Write([]string{"lendBorrow", lb.ID, desc, lb.Amount.String(), due}); err != nil {
			return nil, err
		}
	}
	for _, s := range snapshot.Savings {
		if err := w.Write([]string{"savings", s.ID, s.Goal, s.Amount.String(), s.Kind}); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
