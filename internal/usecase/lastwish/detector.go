package lastwish

import (
	"time"

	"last-wish-service/internal/domain"
)

// ScanWarning описывает подписку, пропущенную сканом из-за некорректных данных.
type ScanWarning struct {
	UserID string
	Reason string
}

// OverdueCandidates возвращает подписки, по которым пора выполнять доставку:
// включённые, активные, без выполненной доставки и с просроченной отметкой.
// Подписка, у которой now совпадает с дедлайном с точностью до момента,
// просроченной ещё не считается — только строго после. Некорректные записи
// не валят скан, а попадают в предупреждения. Функция чистая, без побочных
// эффектов.
func OverdueCandidates(subs []domain.Subscription, now time.Time) ([]domain.Subscription, []ScanWarning) {
	var overdue []domain.Subscription
	var warnings []ScanWarning

	for _, sub := range subs {
		if !sub.Enabled || !sub.Active {
			continue
		}
		// Выполненная доставка исключает подписку независимо от дедлайна —
		// это и есть защита от повторной рассылки полного набора данных.
		if sub.DeliveryClaimed {
			continue
		}
		// Отметки ещё не было — отсчёт не начат.
		if sub.LastCheckIn == nil {
			continue
		}
		// Предупреждаем только о боевых записях: выключенная подписка без
		// получателей — не проблема качества данных.
		if reason := malformedReason(sub); reason != "" {
			warnings = append(warnings, ScanWarning{UserID: sub.UserID, Reason: reason})
			continue
		}
		if now.After(sub.Deadline()) {
			overdue = append(overdue, sub)
		}
	}

	return overdue, warnings
}

func malformedReason(sub domain.Subscription) string {
	switch {
	case sub.UserID == "":
		return "пустой идентификатор пользователя"
	case sub.CheckInEvery <= 0:
		return "некорректная периодичность отметки"
	case len(sub.Recipients) == 0:
		return "не настроены получатели"
	}
	return ""
}
