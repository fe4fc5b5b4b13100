// maintenance.go — обработчики POST /api/v1/admin/maintenance/{cleanup,reconcile}.
// Делегируют работу в CleanupService и ReconcileService.
package handlers

import (
	"context"
	"net/http"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/service"
)

// CleanupRunner — запуск цикла очистки. Реализуется *service.CleanupService.
type CleanupRunner interface {
	RunOnce(ctx context.Context) *service.CleanupResult
}

// ReconcileRunner — запуск цикла сверки. Реализуется *service.ReconcileService.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (*service.ReconcileResult, *service.Error)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	cleanup    CleanupRunner
	reconciler ReconcileRunner
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(cleanup CleanupRunner, reconciler ReconcileRunner) *MaintenanceHandler {
	return &MaintenanceHandler{cleanup: cleanup, reconciler: reconciler}
}

// Cleanup обрабатывает POST /api/v1/admin/maintenance/cleanup.
// Цикл выполняется синхронно, результат возвращается в ответе.
func (h *MaintenanceHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	res := h.cleanup.RunOnce(r.Context())
	apierrors.WriteSuccess(w, http.StatusOK, "Очистка выполнена", res)
}

// Reconcile обрабатывает POST /api/v1/admin/maintenance/reconcile.
// Если сверка уже выполняется — 409 MAINTENANCE_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, serr := h.reconciler.RunOnce(r.Context())
	if serr != nil {
		writeServiceError(w, serr)
		return
	}
	apierrors.WriteSuccess(w, http.StatusOK, "Сверка выполнена", res)
}
