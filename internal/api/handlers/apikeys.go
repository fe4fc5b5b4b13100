// apikeys.go — администрирование API-ключей.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/lock"
	"github.com/yoshihisa11132/fileup/internal/storage/apikeys"
)

// APIKeysHandler — обработчик /api/v1/admin/apikeys.
type APIKeysHandler struct {
	store  *apikeys.Store
	audit  audit.Recorder
	logger *slog.Logger
}

// NewAPIKeysHandler создаёт обработчик API-ключей.
func NewAPIKeysHandler(store *apikeys.Store, recorder audit.Recorder, logger *slog.Logger) *APIKeysHandler {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &APIKeysHandler{
		store:  store,
		audit:  recorder,
		logger: logger.With(slog.String("component", "apikeys_handler")),
	}
}

// createKeyRequest — тело запроса выпуска ключа.
type createKeyRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// createKeyResponse — выпущенный ключ. Токен показывается один раз.
type createKeyResponse struct {
	Token       string     `json:"token"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// listKeysResponse — список ключей со сводкой.
type listKeysResponse struct {
	Keys  []apikeys.Record `json:"keys"`
	Stats apikeys.Stats    `json:"stats"`
}

// Create обрабатывает POST /api/v1/admin/apikeys.
func (h *APIKeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	ip := clientIP(r)
	token, err := h.store.Create(r.Context(), apikeys.CreateParams{
		Name:        req.Name,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
		CreatedIP:   ip,
	})
	if err != nil {
		if errors.Is(err, apikeys.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.internal(w, "Ошибка выпуска API-ключа", err)
		return
	}

	h.record(r, audit.ActionAPIKeyCreate, token, "name="+req.Name)
	apierrors.WriteSuccess(w, http.StatusCreated, "API-ключ создан, сохраните его: повторно он не показывается",
		createKeyResponse{
			Token:       token,
			Name:        req.Name,
			Description: req.Description,
			ExpiresAt:   req.ExpiresAt,
		})
}

// List обрабатывает GET /api/v1/admin/apikeys.
func (h *APIKeysHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.List(r.Context())
	if err != nil {
		h.internal(w, "Ошибка чтения API-ключей", err)
		return
	}
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.internal(w, "Ошибка чтения API-ключей", err)
		return
	}
	apierrors.WriteSuccess(w, http.StatusOK, "Список API-ключей", listKeysResponse{Keys: keys, Stats: stats})
}

// Revoke обрабатывает POST /api/v1/admin/apikeys/{token}/revoke.
func (h *APIKeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.store.Revoke(r.Context(), token); err != nil {
		h.internal(w, "Ошибка отзыва API-ключа", err)
		return
	}
	h.record(r, audit.ActionAPIKeyRevoke, token, "")
	apierrors.WriteSuccess(w, http.StatusOK, "API-ключ отозван", map[string]string{"token": apikeys.Mask(token)})
}

// Reactivate обрабатывает POST /api/v1/admin/apikeys/{token}/reactivate.
func (h *APIKeysHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.store.Reactivate(r.Context(), token); err != nil {
		if errors.Is(err, apikeys.ErrNotFound) {
			apierrors.NotFound(w, "API-ключ не найден")
			return
		}
		h.internal(w, "Ошибка активации API-ключа", err)
		return
	}
	h.record(r, audit.ActionAPIKeyReactivate, token, "")
	apierrors.WriteSuccess(w, http.StatusOK, "API-ключ активирован", map[string]string{"token": apikeys.Mask(token)})
}

// Delete обрабатывает DELETE /api/v1/admin/apikeys/{token}.
func (h *APIKeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.store.Delete(r.Context(), token); err != nil {
		h.internal(w, "Ошибка удаления API-ключа", err)
		return
	}
	h.record(r, audit.ActionAPIKeyDelete, token, "")
	apierrors.WriteSuccess(w, http.StatusOK, "API-ключ удалён", map[string]string{"token": apikeys.Mask(token)})
}

// record пишет событие аудита от имени администратора.
// В поле key попадает отпечаток ключа, над которым выполнено действие.
func (h *APIKeysHandler) record(r *http.Request, action, token, detail string) {
	subject := middleware.SubjectFromContext(r.Context())
	if detail != "" {
		detail += " "
	}
	h.audit.Record(r.Context(), audit.Event{
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Action:    action,
		APIKey:    token,
		Detail:    detail + "subject=" + subject,
	})
}

// internal отвечает на ошибку хранилища: таймаут блокировки api_keys — 503 BUSY,
// остальное — 500.
func (h *APIKeysHandler) internal(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, lock.ErrTimeout) {
		h.logger.Warn(msg, slog.String("error", err.Error()))
		apierrors.Busy(w, "Хранилище API-ключей занято, повторите запрос позже")
		return
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	apierrors.InternalError(w, msg)
}
