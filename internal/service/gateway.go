// gateway.go — общие зависимости и проверки шлюзов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
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

// Имена блокировок шлюзов.
const (
	uploadLock = "file_upload"
	deleteLock = "file_delete"
)

// Deps — компоненты, общие для всех шлюзов.
type Deps struct {
	Files      *filestore.FileStore
	Namer      *naming.Namer
	Validator  *validate.Validator
	Limiter    *ratelimit.Limiter
	Locker     lock.Locker
	APIKeys    *apikeys.Store
	DeleteKeys *deletekeys.Store
	Listing    *cache.Cache[[]model.StoredFile]
	Thumbs     *thumbnail.Pipeline
	WAL        *wal.WAL
	Mode       *mode.StateMachine
	ModeFile   *modefile.File
	Audit      audit.Recorder
}

// gateway — общая часть шлюзов: конфигурация, зависимости, типовые проверки.
type gateway struct {
	cfg    *config.Config
	d      Deps
	logger *slog.Logger
}

func newGateway(cfg *config.Config, d Deps, logger *slog.Logger, component string) gateway {
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	return gateway{cfg: cfg, d: d, logger: logger.With(slog.String("component", component))}
}

// modeGate — операция должна быть разрешена в текущем режиме.
func (g *gateway) modeGate(op mode.Operation) gate {
	return func() *Error {
		if g.d.Mode.CanPerform(op) {
			return nil
		}
		return conflictError(apierrors.CodeModeNotAllowed,
			fmt.Sprintf("Операция %s недоступна в режиме %s", op, g.d.Mode.CurrentMode()))
	}
}

// nameGate — имя файла хранения не должно выходить за пределы files/.
func (g *gateway) nameGate(name string) gate {
	return func() *Error {
		if !naming.IsSafeName(name) {
			return validationError(apierrors.CodeValidationError, "Недопустимое имя файла")
		}
		return nil
	}
}

// existsGate — файл должен существовать.
func (g *gateway) existsGate(name string) gate {
	return func() *Error {
		if _, err := g.d.Files.Stat(name); err != nil {
			if !errors.Is(err, filestore.ErrNotFound) {
				g.logger.Error("Ошибка stat файла",
					slog.String("file", name),
					slog.String("error", err.Error()),
				)
			}
			return notFoundError("Файл не найден")
		}
		return nil
	}
}

// apiKeyGate проверяет API-ключ согласно политике:
//   - required — ключ обязателен;
//   - optional — ключ проверяется, только если передан.
func (g *gateway) apiKeyGate(ctx context.Context, policy, token, clientIP string) gate {
	return func() *Error {
		if token == "" {
			if policy == config.AuthOptional {
				return nil
			}
			return unauthorizedError("Требуется API-ключ")
		}

		ok, err := g.d.APIKeys.Validate(ctx, token, clientIP)
		switch {
		case errors.Is(err, apikeys.ErrRateLimited):
			ratelimit.RejectionsTotal.WithLabelValues("api_key").Inc()
			return rateLimitedError("Превышен лимит запросов для API-ключа", seconds(g.cfg.APIRateWindow))
		case err != nil:
			g.logger.Error("Ошибка проверки API-ключа", slog.String("error", err.Error()))
			return lockError(err)
		case !ok:
			return unauthorizedError("Недействительный API-ключ")
		}
		return nil
	}
}

// rateGate — фиксированное окно на identifier. Ошибка лимитера — отказ.
func (g *gateway) rateGate(ctx context.Context, scope, identifier string, max int, window time.Duration) gate {
	return func() *Error {
		ok, err := g.d.Limiter.Allow(ctx, identifier, max, window)
		if err != nil {
			g.logger.Error("Ошибка rate limiter",
				slog.String("scope", scope),
				slog.String("error", err.Error()),
			)
			return lockError(err)
		}
		if !ok {
			ratelimit.RejectionsTotal.WithLabelValues(scope).Inc()
			return rateLimitedError("Слишком много запросов, повторите позже", seconds(window))
		}
		return nil
	}
}

// invalidateListing сбрасывает кэш листинга.
func (g *gateway) invalidateListing() {
	if g.d.Listing != nil {
		g.d.Listing.Invalidate(cache.ListingKey(g.d.Files.DataDir()))
	}
}

// removeStored удаляет файл и его delete-ключ под WAL-транзакцией.
// Вызывается под блокировкой file_delete.
func (g *gateway) removeStored(ctx context.Context, name string) *Error {
	info, statErr := g.d.Files.Stat(name)

	entry, err := g.d.WAL.Start(wal.OpDelete, name)
	if err != nil {
		g.logger.Error("Ошибка создания WAL-транзакции", slog.String("error", err.Error()))
		return internalError()
	}

	if err := g.d.Files.Delete(name); err != nil {
		g.rollback(entry)
		g.logger.Error("Ошибка удаления файла",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		return storageError("Ошибка удаления файла")
	}

	if err := g.d.DeleteKeys.Remove(ctx, name); err != nil {
		// Файл уже удалён: запись уберёт reconcile
		g.logger.Warn("Не удалось удалить delete-ключ",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
	}

	if err := g.d.WAL.Commit(entry.TransactionID); err != nil {
		g.logger.Error("Ошибка коммита WAL (файл удалён)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	if statErr == nil {
		trackRemoved(info.Size())
	}

	g.invalidateListing()
	if g.d.Thumbs != nil {
		if _, err := g.d.Thumbs.RemoveFor(name); err != nil {
			g.logger.Warn("Не удалось удалить миниатюры",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// rollback откатывает WAL-транзакцию, ошибка только логируется.
func (g *gateway) rollback(entry *wal.Entry) {
	if err := g.d.WAL.Rollback(entry.TransactionID); err != nil {
		g.logger.Error("Ошибка отката WAL",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}
}

// downloadURL — относительный URL скачивания файла.
func downloadURL(name string) string {
	return "/api/v1/files/" + url.PathEscape(name)
}

// deleteURL — относительный URL страницы удаления файла.
func deleteURL(name string) string {
	return downloadURL(name) + "/delete"
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// trackAdded обновляет gauge-метрики после сохранения файла.
func trackAdded(size int64) {
	middleware.FilesTotal.Inc()
	middleware.StorageBytes.Add(float64(size))
}

// trackRemoved обновляет gauge-метрики после удаления файла.
func trackRemoved(size int64) {
	middleware.FilesTotal.Dec()
	middleware.StorageBytes.Sub(float64(size))
}

// SyncStorageMetrics выставляет gauge-метрики по фактическому содержимому
// директории. Вызывается при старте и после cleanup/reconcile.
func SyncStorageMetrics(files *filestore.FileStore) error {
	total, count, err := files.Usage()
	if err != nil {
		return err
	}
	middleware.FilesTotal.Set(float64(count))
	middleware.StorageBytes.Set(float64(total))
	return nil
}
