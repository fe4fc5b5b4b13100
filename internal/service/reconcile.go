// reconcile.go — сверка записей delete-ключей с файлами на диске.
//
// Обнаруживает:
//   - orphaned_record: запись без файла, запись удаляется;
//   - unowned_file: файл без записи, считается постоянным
//     (записывается Sentinel).
//
// Запускается с периодическим тикером (FU_RECONCILE_INTERVAL) и вручную через
// POST /api/v1/admin/maintenance/reconcile. Сверка выполняется под блокировками
// file_upload и file_delete, поэтому не видит полузавершённых операций.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/lock"
)

// Prometheus метрики сверки
var (
	// reconcileRunsTotal — количество запусков сверки.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fu_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	// reconcileIssuesTotal — количество обнаруженных расхождений по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fu_reconcile_issues_total",
		Help: "Общее количество расхождений, обнаруженных сверкой",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность сверки.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fu_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ReconcileResult — результат сверки.
type ReconcileResult struct {
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	FilesChecked    int       `json:"files_checked"`
	OrphanedRecords []string  `json:"orphaned_records"`
	UnownedFiles    int       `json:"unowned_files"`
}

// ReconcileService — сервис сверки.
type ReconcileService struct {
	gateway

	mu        sync.Mutex // защита inProcess
	inProcess bool       // сверка выполняется
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(cfg *config.Config, d Deps, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{gateway: newGateway(cfg, d, logger, "reconcile")}
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(runCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.cfg.ReconcileInterval.String()),
	)
}

// Stop останавливает фоновой процесс сверки.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

// run — основной цикл фоновой горутины.
func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, serr := rs.RunOnce(ctx); serr != nil {
				rs.logger.Warn("Сверка не выполнена", slog.String("code", serr.Code))
			}
		}
	}
}

// RunOnce выполняет одну сверку. Если сверка уже идёт, возвращает
// 409 MAINTENANCE_IN_PROGRESS.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, *Error) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		return nil, conflictError(apierrors.CodeMaintenanceInProgress, "Сверка уже выполняется")
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result := &ReconcileResult{StartedAt: time.Now().UTC(), OrphanedRecords: []string{}}

	err := lock.WithLock(ctx, rs.d.Locker, uploadLock, rs.cfg.LockTimeout, func() error {
		return lock.WithLock(ctx, rs.d.Locker, deleteLock, rs.cfg.LockTimeout, func() error {
			return rs.reconcile(ctx, result)
		})
	})
	if err != nil {
		rs.logger.Error("Ошибка сверки", slog.String("error", err.Error()))
		return nil, lockError(err)
	}

	result.CompletedAt = time.Now().UTC()
	duration := result.CompletedAt.Sub(result.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	reconcileIssuesTotal.WithLabelValues("orphaned_record").Add(float64(len(result.OrphanedRecords)))
	reconcileIssuesTotal.WithLabelValues("unowned_file").Add(float64(result.UnownedFiles))

	if len(result.OrphanedRecords) > 0 || result.UnownedFiles > 0 {
		rs.invalidateListing()
	}
	if err := SyncStorageMetrics(rs.d.Files); err != nil {
		rs.logger.Warn("Не удалось обновить метрики хранилища", slog.String("error", err.Error()))
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("files_checked", result.FilesChecked),
		slog.Int("orphaned_records", len(result.OrphanedRecords)),
		slog.Int("unowned_files", result.UnownedFiles),
		slog.Duration("duration", duration),
	)
	return result, nil
}

// reconcile сравнивает записи с содержимым files/.
func (rs *ReconcileService) reconcile(ctx context.Context, result *ReconcileResult) error {
	entries, err := rs.d.Files.List()
	if err != nil {
		return err
	}
	onDisk := make(map[string]bool, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		onDisk[e.Name] = true
		names = append(names, e.Name)
	}
	result.FilesChecked = len(entries)

	removed, err := rs.d.DeleteKeys.RemoveMissing(ctx, func(name string) bool { return onDisk[name] })
	if err != nil {
		return err
	}
	if removed != nil {
		result.OrphanedRecords = removed
	}

	added, err := rs.d.DeleteKeys.EnsurePermanent(ctx, names)
	if err != nil {
		return err
	}
	result.UnownedFiles = added
	return nil
}
