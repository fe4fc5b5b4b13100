// system.go — обработчик GET /api/v1/info.
// Публичный endpoint для мониторинга: версия, режим, объём хранилища.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
)

// DiskUsageFunc возвращает total, used, available в байтах для директории.
type DiskUsageFunc func(path string) (total, used, available int64, err error)

// UsageProvider — суммарный объём и количество файлов. Реализуется *filestore.FileStore.
type UsageProvider interface {
	Usage() (int64, int, error)
}

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg       *config.Config
	sm        *mode.StateMachine
	files     UsageProvider
	diskUsage DiskUsageFunc
	logger    *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
// diskUsage может быть nil: тогда свободное место не сообщается.
func NewSystemHandler(
	cfg *config.Config,
	sm *mode.StateMachine,
	files UsageProvider,
	diskUsage DiskUsageFunc,
	logger *slog.Logger,
) *SystemHandler {
	return &SystemHandler{
		cfg:       cfg,
		sm:        sm,
		files:     files,
		diskUsage: diskUsage,
		logger:    logger.With(slog.String("component", "system_handler")),
	}
}

// storageInfo — ответ /api/v1/info.
type storageInfo struct {
	Instance          string           `json:"instance"`
	Version           string           `json:"version"`
	Mode              mode.ServiceMode `json:"mode"`
	AllowedOperations []mode.Operation `json:"allowed_operations"`
	Files             int              `json:"files"`
	UsedBytes         int64            `json:"used_bytes"`
	Used              string           `json:"used"`
	MaxFileSize       int64            `json:"max_file_size"`
	MaxFile           string           `json:"max_file"`
	DiskFreeBytes     *int64           `json:"disk_free_bytes,omitempty"`
	DiskFree          string           `json:"disk_free,omitempty"`
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	used, count, err := h.files.Usage()
	if err != nil {
		h.logger.Error("Ошибка подсчёта объёма хранилища", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения хранилища")
		return
	}

	info := storageInfo{
		Instance:          h.cfg.InstanceID,
		Version:           config.Version,
		Mode:              h.sm.CurrentMode(),
		AllowedOperations: h.sm.AllowedOperations(),
		Files:             count,
		UsedBytes:         used,
		Used:              humanize.IBytes(uint64(used)),
		MaxFileSize:       h.cfg.MaxFileSize,
		MaxFile:           humanize.IBytes(uint64(h.cfg.MaxFileSize)),
	}

	if h.diskUsage != nil {
		if _, _, avail, err := h.diskUsage(h.cfg.DataDir); err != nil {
			h.logger.Warn("Не удалось получить свободное место", slog.String("error", err.Error()))
		} else {
			info.DiskFreeBytes = &avail
			info.DiskFree = humanize.IBytes(uint64(avail))
		}
	}

	apierrors.WriteSuccess(w, http.StatusOK, "Информация о сервисе", info)
}
