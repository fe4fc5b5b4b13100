// audit.go — просмотр журнала аудита.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
)

const (
	defaultAuditLines = 100
	maxAuditLines     = 1000
)

// AuditTailer — источник последних строк журнала аудита. Реализуется *audit.Logger.
type AuditTailer interface {
	Tail(n int) ([]string, error)
}

// AuditHandler — обработчик GET /api/v1/admin/audit.
type AuditHandler struct {
	tailer AuditTailer
	logger *slog.Logger
}

// NewAuditHandler создаёт обработчик журнала аудита.
func NewAuditHandler(tailer AuditTailer, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		tailer: tailer,
		logger: logger.With(slog.String("component", "audit_handler")),
	}
}

// auditTailResponse — последние строки журнала, старые первыми.
type auditTailResponse struct {
	Lines []string `json:"lines"`
	Count int      `json:"count"`
}

// Tail обрабатывает GET /api/v1/admin/audit?lines=N.
func (h *AuditHandler) Tail(w http.ResponseWriter, r *http.Request) {
	var lines *int
	if !bindQuery(w, r, "lines", &lines) {
		return
	}
	n := defaultAuditLines
	if lines != nil {
		n = *lines
	}
	if n < 1 || n > maxAuditLines {
		apierrors.ValidationError(w, "Параметр lines должен быть в диапазоне 1..1000")
		return
	}

	out, err := h.tailer.Tail(n)
	if err != nil {
		h.logger.Error("Ошибка чтения журнала аудита", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения журнала аудита")
		return
	}
	if out == nil {
		out = []string{}
	}
	apierrors.WriteSuccess(w, http.StatusOK, "Журнал аудита", auditTailResponse{Lines: out, Count: len(out)})
}
