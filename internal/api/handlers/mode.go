// mode.go — обработчик POST /api/v1/admin/mode/transition.
// Смена режима работы сервиса (rw → ro свободно, ro → rw с confirm).
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
)

// ModePersister — сохранение режима между перезапусками. Реализуется *modefile.File.
type ModePersister interface {
	SaveMode(m mode.ServiceMode, updatedBy string) error
}

// ModeHandler — обработчик endpoint смены режима.
type ModeHandler struct {
	sm            *mode.StateMachine
	modePersister ModePersister
	audit         audit.Recorder
	logger        *slog.Logger
}

// NewModeHandler создаёт обработчик смены режима.
// modePersister может быть nil: тогда режим живёт до перезапуска.
func NewModeHandler(sm *mode.StateMachine, modePersister ModePersister, recorder audit.Recorder, logger *slog.Logger) *ModeHandler {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &ModeHandler{
		sm:            sm,
		modePersister: modePersister,
		audit:         recorder,
		logger:        logger.With(slog.String("component", "mode_handler")),
	}
}

// modeTransitionRequest — тело запроса смены режима.
type modeTransitionRequest struct {
	TargetMode string `json:"target_mode"`
	Confirm    bool   `json:"confirm"`
}

// modeTransitionResponse — результат смены режима.
type modeTransitionResponse struct {
	PreviousMode      mode.ServiceMode `json:"previous_mode"`
	CurrentMode       mode.ServiceMode `json:"current_mode"`
	TransitionedAt    time.Time        `json:"transitioned_at"`
	AllowedOperations []mode.Operation `json:"allowed_operations"`
}

// TransitionMode обрабатывает POST /api/v1/admin/mode/transition.
func (h *ModeHandler) TransitionMode(w http.ResponseWriter, r *http.Request) {
	var req modeTransitionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	subject := middleware.SubjectFromContext(r.Context())

	rec, err := h.sm.TransitionTo(mode.ServiceMode(req.TargetMode), req.Confirm, subject)
	if err != nil {
		var transErr *mode.TransitionError
		if errors.As(err, &transErr) {
			if transErr.Code == mode.CodeConfirmationRequired {
				apierrors.ConfirmationRequired(w, transErr.Message)
			} else {
				apierrors.InvalidTransition(w, transErr.Message)
			}
			return
		}
		apierrors.InternalError(w, "Ошибка смены режима")
		return
	}

	if h.modePersister != nil {
		if err := h.modePersister.SaveMode(rec.To, subject); err != nil {
			// Режим уже изменён в памяти: не откатываем, но логируем
			h.logger.Error("Ошибка сохранения режима", slog.String("error", err.Error()))
		}
	}

	h.logger.Info("Режим изменён",
		slog.String("from", string(rec.From)),
		slog.String("to", string(rec.To)),
		slog.String("subject", subject),
	)
	h.audit.Record(r.Context(), audit.Event{
		Time:      rec.Timestamp,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Action:    audit.ActionModeTransition,
		Detail:    "from=" + string(rec.From) + " to=" + string(rec.To) + " subject=" + subject,
	})

	apierrors.WriteSuccess(w, http.StatusOK, "Режим изменён", modeTransitionResponse{
		PreviousMode:      rec.From,
		CurrentMode:       rec.To,
		TransitionedAt:    rec.Timestamp,
		AllowedOperations: h.sm.AllowedOperations(),
	})
}
