// Пакет errors — единый JSON-конверт ответов fileup.
// Успех и ошибка имеют одну форму:
//
//	{"success": false, "code": "...", "message": "..."}
//	{"success": true, "message": "...", "data": {...}}
//
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // конфликт имени со stdlib допустим внутри api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Машиночитаемые коды ошибок. Значения стабильны и являются частью API.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeUnsupportedExtension  = "UNSUPPORTED_EXTENSION"
	CodeForbiddenExtension    = "FORBIDDEN_EXTENSION"
	CodeFileTooLarge          = "FILE_TOO_LARGE"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeDeleteKeyIncorrect    = "DELETE_KEY_INCORRECT"
	CodeNotDeletable          = "NOT_DELETABLE"
	CodeRateLimited           = "RATE_LIMITED"
	CodeBusy                  = "BUSY"
	CodeNotFound              = "NOT_FOUND"
	CodeIntegrityError        = "INTEGRITY_ERROR"
	CodeStorageError          = "STORAGE_ERROR"
	CodeConfirmationRequired  = "CONFIRMATION_REQUIRED"
	CodeModeNotAllowed        = "MODE_NOT_ALLOWED"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeMaintenanceInProgress = "MAINTENANCE_IN_PROGRESS"
	CodeInternalError         = "INTERNAL_ERROR"
)

// Envelope — тело любого JSON-ответа API.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// WriteJSON записывает конверт с указанным статусом.
func WriteJSON(w http.ResponseWriter, statusCode int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteSuccess записывает успешный ответ.
func WriteSuccess(w http.ResponseWriter, statusCode int, message string, data any) {
	WriteJSON(w, statusCode, Envelope{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// WriteError записывает ответ ошибки в едином формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteJSON(w, statusCode, Envelope{
		Success: false,
		Message: message,
		Code:    code,
	})
}

// WriteErrorData записывает ошибку с дополнительными данными
// (например, описанием файла при CONFIRMATION_REQUIRED).
func WriteErrorData(w http.ResponseWriter, statusCode int, code, message string, data any) {
	WriteJSON(w, statusCode, Envelope{
		Success: false,
		Message: message,
		Code:    code,
		Data:    data,
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// RateLimited — 429 превышен лимит запросов.
// retryAfterSeconds попадает в заголовок Retry-After, если больше нуля.
func RateLimited(w http.ResponseWriter, message string, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, message)
}

// Busy — 503 ресурс занят, повторить позже.
func Busy(w http.ResponseWriter, message string) {
	w.Header().Set("Retry-After", "1")
	WriteError(w, http.StatusServiceUnavailable, CodeBusy, message)
}

// InvalidTransition — 409 недопустимый переход между режимами.
func InvalidTransition(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeInvalidTransition, message)
}

// ConfirmationRequired — 409 операция требует явного подтверждения.
func ConfirmationRequired(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConfirmationRequired, message)
}

// MaintenanceInProgress — 409 обслуживание уже выполняется.
func MaintenanceInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeMaintenanceInProgress, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
