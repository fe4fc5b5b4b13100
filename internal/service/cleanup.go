// cleanup.go — сервис фоновой очистки.
//
// За один проход:
//  1. Удаляет миниатюры старше FU_THUMB_MAX_AGE и миниатюры удалённых файлов
//  2. Удаляет «протухшие» lock-файлы
//  3. Удаляет неактивные окна rate limit
//  4. Удаляет завершённые WAL-записи
//  5. Удаляет временные файлы прерванных загрузок
//
// Запускается как горутина с периодическим тикером (FU_CLEANUP_INTERVAL)
// и вручную через POST /api/v1/admin/maintenance/cleanup.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yoshihisa11132/fileup/internal/config"
)

// orphanTempAge — возраст временного файла загрузки, после которого он считается брошенным.
const orphanTempAge = time.Hour

// Prometheus метрики очистки
var (
	// cleanupRunsTotal — количество запусков очистки.
	cleanupRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fu_cleanup_runs_total",
		Help: "Общее количество запусков фоновой очистки",
	})

	// cleanupRemovedTotal — количество удалённых объектов по типу.
	cleanupRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fu_cleanup_removed_total",
		Help: "Общее количество объектов, удалённых очисткой",
	}, []string{"type"})

	// cleanupDurationSeconds — длительность очистки.
	cleanupDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fu_cleanup_duration_seconds",
		Help:    "Длительность фоновой очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// staleLockCleaner — Locker, умеющий удалять брошенные lock-файлы (FileLocker).
type staleLockCleaner interface {
	CleanStale(olderThan time.Duration) (int, error)
}

// CleanupResult — результат одного прохода очистки.
type CleanupResult struct {
	Thumbnails  int           `json:"thumbnails"`
	Locks       int           `json:"locks"`
	RateWindows int           `json:"rate_windows"`
	WALEntries  int           `json:"wal_entries"`
	TempFiles   int           `json:"temp_files"`
	Errors      int           `json:"errors"`
	Duration    time.Duration `json:"duration_ns"`
}

// CleanupService — сервис фоновой очистки.
type CleanupService struct {
	cfg    *config.Config
	d      Deps
	logger *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewCleanupService создаёт сервис очистки.
func NewCleanupService(cfg *config.Config, d Deps, logger *slog.Logger) *CleanupService {
	return &CleanupService{
		cfg:    cfg,
		d:      d,
		logger: logger.With(slog.String("component", "cleanup")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
func (cs *CleanupService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	cs.cancel = cancel

	go cs.run(runCtx)

	cs.logger.Info("Очистка запущена",
		slog.String("interval", cs.cfg.CleanupInterval.String()),
	)
}

// Stop останавливает фоновый процесс.
func (cs *CleanupService) Stop() {
	if cs.cancel != nil {
		cs.cancel()
	}
	cs.logger.Info("Очистка остановлена")
}

// run — основной цикл фоновой горутины.
func (cs *CleanupService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	cs.RunOnce(ctx)

	ticker := time.NewTicker(cs.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки. Параллельные вызовы выполняются
// последовательно. Ошибка одного шага не прерывает остальные.
func (cs *CleanupService) RunOnce(ctx context.Context) *CleanupResult {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	start := time.Now()
	result := &CleanupResult{}

	step := func(kind string, counter *int, fn func() (int, error)) {
		n, err := fn()
		*counter = n
		cleanupRemovedTotal.WithLabelValues(kind).Add(float64(n))
		if err != nil {
			result.Errors++
			cs.logger.Warn("Ошибка шага очистки",
				slog.String("step", kind),
				slog.String("error", err.Error()),
			)
		}
	}

	if cs.d.Thumbs != nil {
		step("thumbnail", &result.Thumbnails, func() (int, error) {
			return cs.d.Thumbs.Cleanup(cs.cfg.ThumbMaxAge, cs.d.Files.Exists)
		})
	}
	if cleaner, ok := cs.d.Locker.(staleLockCleaner); ok {
		step("lock", &result.Locks, func() (int, error) {
			return cleaner.CleanStale(cs.cfg.LockStaleAfter)
		})
	}
	step("rate_window", &result.RateWindows, func() (int, error) {
		return cs.d.Limiter.Prune(ctx, cs.cfg.RateStateMaxAge)
	})
	step("wal", &result.WALEntries, cs.d.WAL.CleanFinished)
	step("temp", &result.TempFiles, func() (int, error) {
		return cs.d.Files.CleanTemp(orphanTempAge)
	})

	result.Duration = time.Since(start)
	cleanupRunsTotal.Inc()
	cleanupDurationSeconds.Observe(result.Duration.Seconds())

	cs.logger.Info("Очистка завершена",
		slog.Int("thumbnails", result.Thumbnails),
		slog.Int("locks", result.Locks),
		slog.Int("rate_windows", result.RateWindows),
		slog.Int("wal_entries", result.WALEntries),
		slog.Int("temp_files", result.TempFiles),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}
