// Пакет service — бизнес-логика fileup: шлюзы загрузки, скачивания,
// удаления и листинга, миниатюры, фоновая очистка и сверка.
//
// Каждый шлюз — цепочка проверок (gate). Проверка возвращает *Error или nil;
// цепочка останавливается на первой ошибке.
package service

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/lock"
)

// Kind — класс ошибки сервисного слоя.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindBusy        Kind = "busy"
	KindNotFound    Kind = "not_found"
	KindIntegrity   Kind = "integrity"
	KindStorage     Kind = "storage"
	KindConflict    Kind = "conflict"
	KindInternal    Kind = "internal"
)

// Error — отказ сервисного слоя с HTTP-кодом и стабильным кодом API.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	// RetryAfter — значение заголовка Retry-After в секундах (0 — не задан)
	RetryAfter int
	// Data — дополнительные данные ответа (например, описание файла)
	Data any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// gate — одна проверка шлюза.
type gate func() *Error

// runGates выполняет проверки по порядку до первой ошибки.
func runGates(gates ...gate) *Error {
	for _, g := range gates {
		if err := g(); err != nil {
			return err
		}
	}
	return nil
}

func validationError(code, message string) *Error {
	return &Error{Kind: KindValidation, StatusCode: http.StatusBadRequest, Code: code, Message: message}
}

func tooLargeError(message string) *Error {
	return &Error{Kind: KindValidation, StatusCode: http.StatusRequestEntityTooLarge, Code: apierrors.CodeFileTooLarge, Message: message}
}

func unauthorizedError(message string) *Error {
	return &Error{Kind: KindAuth, StatusCode: http.StatusUnauthorized, Code: apierrors.CodeUnauthorized, Message: message}
}

func forbiddenError(code, message string) *Error {
	return &Error{Kind: KindAuth, StatusCode: http.StatusForbidden, Code: code, Message: message}
}

func rateLimitedError(message string, retryAfter int) *Error {
	return &Error{Kind: KindRateLimited, StatusCode: http.StatusTooManyRequests, Code: apierrors.CodeRateLimited, Message: message, RetryAfter: retryAfter}
}

func busyError() *Error {
	return &Error{Kind: KindBusy, StatusCode: http.StatusServiceUnavailable, Code: apierrors.CodeBusy, Message: "Ресурс занят, повторите запрос позже", RetryAfter: 1}
}

func notFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, StatusCode: http.StatusNotFound, Code: apierrors.CodeNotFound, Message: message}
}

func integrityError(message string) *Error {
	return &Error{Kind: KindIntegrity, StatusCode: http.StatusUnprocessableEntity, Code: apierrors.CodeIntegrityError, Message: message}
}

func storageError(message string) *Error {
	return &Error{Kind: KindStorage, StatusCode: http.StatusInternalServerError, Code: apierrors.CodeStorageError, Message: message}
}

func conflictError(code, message string) *Error {
	return &Error{Kind: KindConflict, StatusCode: http.StatusConflict, Code: code, Message: message}
}

func internalError() *Error {
	return &Error{Kind: KindInternal, StatusCode: http.StatusInternalServerError, Code: apierrors.CodeInternalError, Message: "Внутренняя ошибка сервера"}
}

// lockError отображает ошибку захвата блокировки: таймаут — «занято»,
// остальное — внутренняя ошибка.
func lockError(err error) *Error {
	if errors.Is(err, lock.ErrTimeout) {
		return busyError()
	}
	return internalError()
}
