// respond.go — общие помощники обработчиков: ошибки сервисного слоя,
// извлечение ключей и метаданных запроса.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/oapi-codegen/runtime"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/service"
)

// writeServiceError пишет *service.Error в едином конверте.
// RetryAfter попадает в заголовок Retry-After.
func writeServiceError(w http.ResponseWriter, serr *service.Error) {
	if serr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(serr.RetryAfter))
	}
	if serr.Data != nil {
		apierrors.WriteErrorData(w, serr.StatusCode, serr.Code, serr.Message, serr.Data)
		return
	}
	apierrors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
}

// apiKeyFrom извлекает API-ключ: X-API-Token, затем Authorization: Bearer.
func apiKeyFrom(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("X-API-Token")); token != "" {
		return token
	}
	if token, ok := middleware.BearerToken(r); ok {
		return token
	}
	return ""
}

// clientIP возвращает IP клиента, определённый middleware.
func clientIP(r *http.Request) string {
	return middleware.ClientIP(r.Context())
}

// bindQuery разбирает необязательный query-параметр в dest так же, как это
// делает сгенерированный chi-сервер. Ошибка разбора — 400.
func bindQuery(w http.ResponseWriter, r *http.Request, name string, dest any) bool {
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dest); err != nil {
		apierrors.ValidationError(w, "Недопустимый параметр "+name+": "+err.Error())
		return false
	}
	return true
}

// parseBool разбирает флаг из формы: true, 1, on, yes.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "on", "yes":
		return true
	}
	return false
}
