// deps.go — сборка компонентов хранилища из конфигурации.
package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/cache"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
	"github.com/yoshihisa11132/fileup/internal/domain/model"
	"github.com/yoshihisa11132/fileup/internal/lock"
	"github.com/yoshihisa11132/fileup/internal/ratelimit"
	"github.com/yoshihisa11132/fileup/internal/security/naming"
	"github.com/yoshihisa11132/fileup/internal/security/validate"
	"github.com/yoshihisa11132/fileup/internal/storage/apikeys"
	"github.com/yoshihisa11132/fileup/internal/storage/deletekeys"
	"github.com/yoshihisa11132/fileup/internal/storage/filestore"
	"github.com/yoshihisa11132/fileup/internal/storage/modefile"
	"github.com/yoshihisa11132/fileup/internal/storage/wal"
	"github.com/yoshihisa11132/fileup/internal/thumbnail"
)

// NewDeps создаёт все компоненты хранилища в поддиректориях cfg.DataDir.
// recorder может быть nil — тогда аудит не пишется.
func NewDeps(cfg *config.Config, recorder audit.Recorder, logger *slog.Logger) (Deps, error) {
	var locker lock.Locker
	if cfg.Locker == "memory" {
		locker = lock.NewMemoryLocker()
	} else {
		fl, err := lock.NewFileLocker(cfg.LocksDir(), logger)
		if err != nil {
			return Deps{}, err
		}
		locker = fl
	}

	files, err := filestore.New(cfg.FilesDir())
	if err != nil {
		return Deps{}, err
	}

	walEngine, err := wal.New(cfg.WALDir(), logger)
	if err != nil {
		return Deps{}, err
	}

	if err := os.MkdirAll(cfg.StateDir(), 0o750); err != nil {
		return Deps{}, fmt.Errorf("не удалось создать директорию состояния: %w", err)
	}

	// Режим, сохранённый администратором, важнее FU_MODE
	modeFile := modefile.New(filepath.Join(cfg.StateDir(), modefile.FileName))
	initial := mode.ServiceMode(cfg.Mode)
	if saved, ok, err := modeFile.LoadMode(); err != nil {
		logger.Warn("Сохранённый режим не прочитан, используется FU_MODE",
			slog.String("error", err.Error()),
		)
	} else if ok && saved != initial {
		logger.Info("Восстановлен сохранённый режим",
			slog.String("mode", string(saved)),
			slog.String("configured", cfg.Mode),
		)
		initial = saved
	}

	sm, err := mode.NewStateMachine(initial)
	if err != nil {
		return Deps{}, err
	}

	listing, err := cache.New[[]model.StoredFile](cfg.CacheSize)
	if err != nil {
		return Deps{}, fmt.Errorf("ошибка создания кэша: %w", err)
	}

	thumbs, err := thumbnail.New(cfg.ThumbsDir(), cfg.ThumbMaxSize, locker, cfg.LockTimeout, logger)
	if err != nil {
		return Deps{}, err
	}

	var allowed []string
	if cfg.AllowListEnabled {
		allowed = cfg.AllowedExtensions
	}

	limiter := ratelimit.New(filepath.Join(cfg.StateDir(), "rate_limits.json"), locker, cfg.LockTimeout, logger)

	if recorder == nil {
		recorder = audit.Nop{}
	}

	return Deps{
		Files:     files,
		Namer:     naming.New(allowed, cfg.ForbiddenExtensions),
		Validator: validate.New(cfg.MaxFileSize, cfg.AllowedMIMETypes),
		Limiter:   limiter,
		Locker:    locker,
		APIKeys: apikeys.New(apikeys.Config{
			Path:        filepath.Join(cfg.StateDir(), "api_keys.json"),
			LockTimeout: cfg.LockTimeout,
			RateLimit:   cfg.APIRateLimit,
			RateWindow:  cfg.APIRateWindow,
		}, locker, limiter, logger),
		DeleteKeys: deletekeys.New(filepath.Join(cfg.StateDir(), "delete_keys.json"), locker, cfg.LockTimeout, logger),
		Listing:    listing,
		Thumbs:     thumbs,
		WAL:        walEngine,
		Mode:       sm,
		ModeFile:   modeFile,
		Audit:      recorder,
	}, nil
}
