// delete.go — двухфазное удаление файла по delete-ключу.
//
// Фаза 1 (GET) — описание файла без побочных эффектов.
// Фаза 2 (POST) — удаление с ключом и confirm=true.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dustin/go-humanize"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
	"github.com/yoshihisa11132/fileup/internal/domain/model"
	"github.com/yoshihisa11132/fileup/internal/lock"
	"github.com/yoshihisa11132/fileup/internal/security/naming"
	"github.com/yoshihisa11132/fileup/internal/storage/deletekeys"
)

// DeleteRequest — параметры второй фазы удаления.
type DeleteRequest struct {
	Name      string
	Key       string
	Confirm   bool
	ClientIP  string
	UserAgent string
}

// DeleteGateway — удаление файлов владельцем (по ключу) и администратором.
type DeleteGateway struct {
	gateway
}

// NewDeleteGateway создаёт шлюз удаления.
func NewDeleteGateway(cfg *config.Config, d Deps, logger *slog.Logger) *DeleteGateway {
	return &DeleteGateway{gateway: newGateway(cfg, d, logger, "delete_gateway")}
}

// Prepare — фаза 1: описание файла и признак удаляемости.
func (g *DeleteGateway) Prepare(ctx context.Context, name string) (*model.DeleteConfirmation, *Error) {
	if serr := runGates(g.nameGate(name)); serr != nil {
		return nil, serr
	}
	info, err := g.d.Files.Stat(name)
	if err != nil {
		return nil, notFoundError("Файл не найден")
	}
	return &model.DeleteConfirmation{
		StoredFilename:   name,
		OriginalFilename: naming.RestoreOriginal(name),
		Size:             info.Size(),
		SizeHuman:        humanize.IBytes(uint64(info.Size())),
		Deletable:        g.d.DeleteKeys.Deletable(ctx, name),
		ConfirmRequired:  true,
	}, nil
}

// Execute — фаза 2: удаление по ключу. Отказы пишутся в журнал аудита.
func (g *DeleteGateway) Execute(ctx context.Context, req DeleteRequest) (*model.DeleteResult, *Error) {
	res, serr := g.execute(ctx, req)
	if serr != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "rejected").Inc()
		g.d.Audit.Record(ctx, audit.Event{
			ClientIP:  req.ClientIP,
			UserAgent: req.UserAgent,
			Action:    audit.ActionDeleteRejected,
			File:      req.Name,
			Detail:    serr.Code,
		})
		return nil, serr
	}

	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()
	g.d.Audit.Record(ctx, audit.Event{
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		Action:    audit.ActionDelete,
		File:      req.Name,
	})
	return res, nil
}

func (g *DeleteGateway) execute(ctx context.Context, req DeleteRequest) (*model.DeleteResult, *Error) {
	serr := runGates(
		g.modeGate(mode.OpDelete),
		g.rateGate(ctx, "delete", req.ClientIP+"_delete", g.cfg.DeleteRateLimit, g.cfg.DeleteRateWindow),
		func() *Error {
			if req.Confirm {
				return nil
			}
			serr := conflictError(apierrors.CodeConfirmationRequired, "Удаление требует подтверждения (confirm=true)")
			if c, err := g.Prepare(ctx, req.Name); err == nil {
				serr.Data = c
			}
			return serr
		},
		g.nameGate(req.Name),
		func() *Error {
			if req.Key == deletekeys.Sentinel {
				return forbiddenError(apierrors.CodeNotDeletable, "Файл нельзя удалить")
			}
			if !deletekeys.ValidKey(req.Key) {
				return validationError(apierrors.CodeValidationError, "Ключ удаления должен состоять из цифр")
			}
			return nil
		},
		g.existsGate(req.Name),
	)
	if serr != nil {
		return nil, serr
	}

	err := lock.WithLock(ctx, g.d.Locker, deleteLock, g.cfg.LockTimeout, func() error {
		if err := g.d.DeleteKeys.Authorize(ctx, req.Name, req.Key); err != nil {
			return err
		}
		if serr := g.removeStored(ctx, req.Name); serr != nil {
			return serr
		}
		return nil
	})
	if err != nil {
		return nil, g.authorizeError(err)
	}

	g.logger.Info("Файл удалён владельцем",
		slog.String("file", req.Name),
		slog.String("ip", req.ClientIP),
	)
	return &model.DeleteResult{
		StoredFilename:   req.Name,
		OriginalFilename: naming.RestoreOriginal(req.Name),
		Deleted:          true,
	}, nil
}

// AdminDelete удаляет файл без ключа и без rate limit.
func (g *DeleteGateway) AdminDelete(ctx context.Context, name, subject, clientIP string) (*model.DeleteResult, *Error) {
	serr := runGates(
		g.modeGate(mode.OpDelete),
		g.nameGate(name),
		g.existsGate(name),
	)
	if serr != nil {
		return nil, serr
	}

	err := lock.WithLock(ctx, g.d.Locker, deleteLock, g.cfg.LockTimeout, func() error {
		if serr := g.removeStored(ctx, name); serr != nil {
			return serr
		}
		return nil
	})
	if err != nil {
		return nil, g.authorizeError(err)
	}

	middleware.OperationsTotal.WithLabelValues("admin_delete", "success").Inc()
	g.d.Audit.Record(ctx, audit.Event{
		ClientIP: clientIP,
		Action:   audit.ActionAdminDelete,
		File:     name,
		Detail:   "subject=" + subject,
	})
	g.logger.Info("Файл удалён администратором",
		slog.String("file", name),
		slog.String("subject", subject),
	)
	return &model.DeleteResult{
		StoredFilename:   name,
		OriginalFilename: naming.RestoreOriginal(name),
		Deleted:          true,
	}, nil
}

// authorizeError отображает ошибки критической секции удаления.
func (g *DeleteGateway) authorizeError(err error) *Error {
	var serr *Error
	switch {
	case errors.As(err, &serr):
		return serr
	case errors.Is(err, deletekeys.ErrNotDeletable):
		return forbiddenError(apierrors.CodeNotDeletable, "Файл нельзя удалить")
	case errors.Is(err, deletekeys.ErrKeyIncorrect):
		return forbiddenError(apierrors.CodeDeleteKeyIncorrect, "Неверный ключ удаления")
	case errors.Is(err, deletekeys.ErrInvalidKey):
		return validationError(apierrors.CodeValidationError, "Ключ удаления должен состоять из цифр")
	}
	g.logger.Error("Ошибка удаления", slog.String("error", err.Error()))
	return lockError(err)
}
