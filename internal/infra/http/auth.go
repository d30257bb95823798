package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// CronAuthMiddleware проверяет токен внешнего планировщика: либо
// Authorization: Bearer <secret>, либо заголовок X-Cron-Secret. Пустой
// секрет отключает проверку — осознанный риск для локальных стендов.
func CronAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			presented := r.Header.Get("X-Cron-Secret")
			if presented == "" {
				auth := r.Header.Get("Authorization")
				presented = strings.TrimPrefix(auth, "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				http.Error(w, "недействительный токен планировщика", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
