// upload.go — шлюз загрузки файлов.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
	"github.com/yoshihisa11132/fileup/internal/domain/model"
	"github.com/yoshihisa11132/fileup/internal/security/naming"
	"github.com/yoshihisa11132/fileup/internal/storage/deletekeys"
	"github.com/yoshihisa11132/fileup/internal/storage/filestore"
	"github.com/yoshihisa11132/fileup/internal/storage/wal"
)

// UploadRequest — параметры загрузки.
type UploadRequest struct {
	// Body — поток содержимого файла
	Body io.Reader
	// DeclaredSize — размер, заявленный клиентом (-1, если неизвестен)
	DeclaredSize int64
	// OriginalName — имя файла у клиента
	OriginalName string
	// ExtensionOverride — расширение, заменяющее расширение OriginalName
	ExtensionOverride string
	// APIKey — API-ключ клиента (может быть пустым)
	APIKey string
	// DeleteKey — числовой ключ удаления (пустой — файл не удаляется)
	DeleteKey string
	ClientIP  string
	UserAgent string
}

// UploadGateway — приём файла:
// Admitted → Authorized → Locked → Written → Validated → Committed.
type UploadGateway struct {
	gateway
}

// NewUploadGateway создаёт шлюз загрузки.
func NewUploadGateway(cfg *config.Config, d Deps, logger *slog.Logger) *UploadGateway {
	return &UploadGateway{gateway: newGateway(cfg, d, logger, "upload_gateway")}
}

// Upload принимает файл. Любой отказ записывается в журнал аудита.
func (g *UploadGateway) Upload(ctx context.Context, req UploadRequest) (*model.UploadResult, *Error) {
	res, serr := g.upload(ctx, req)
	if serr != nil {
		middleware.OperationsTotal.WithLabelValues("upload", "rejected").Inc()
		g.d.Audit.Record(ctx, audit.Event{
			ClientIP:  req.ClientIP,
			UserAgent: req.UserAgent,
			Action:    audit.ActionUploadRejected,
			File:      filepath.Base(req.OriginalName),
			APIKey:    req.APIKey,
			Detail:    serr.Code,
		})
		return nil, serr
	}

	middleware.OperationsTotal.WithLabelValues("upload", "success").Inc()
	g.d.Audit.Record(ctx, audit.Event{
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		Action:    audit.ActionUpload,
		File:      res.StoredFilename,
		APIKey:    req.APIKey,
		Detail:    fmt.Sprintf("size=%d deletable=%t", res.Size, res.Deletable),
	})
	return res, nil
}

func (g *UploadGateway) upload(ctx context.Context, req UploadRequest) (*model.UploadResult, *Error) {
	var storedName string

	// Admitted, Authorized и проверка имени
	serr := runGates(
		g.modeGate(mode.OpUpload),
		g.rateGate(ctx, "upload", req.ClientIP+"_upload", g.cfg.UploadRateLimit, g.cfg.UploadRateWindow),
		g.sizeGate(req.DeclaredSize),
		g.apiKeyGate(ctx, g.cfg.UploadAuth, req.APIKey, req.ClientIP),
		g.deleteKeyGate(req.DeleteKey),
		func() *Error {
			name, err := g.d.Namer.Generate(applyExtension(req.OriginalName, req.ExtensionOverride))
			switch {
			case errors.Is(err, naming.ErrForbiddenExtension):
				return validationError(apierrors.CodeForbiddenExtension, "Расширение файла запрещено")
			case errors.Is(err, naming.ErrUnsupportedExtension):
				return validationError(apierrors.CodeUnsupportedExtension, "Расширение файла не поддерживается")
			case err != nil:
				g.logger.Error("Ошибка генерации имени", slog.String("error", err.Error()))
				return internalError()
			}
			storedName = name
			return nil
		},
	)
	if serr != nil {
		return nil, serr
	}

	// Locked
	handle, err := g.d.Locker.Acquire(ctx, uploadLock, g.cfg.LockTimeout)
	if err != nil {
		g.logger.Warn("Блокировка загрузки не получена", slog.String("error", err.Error()))
		return nil, lockError(err)
	}
	defer handle.Release()

	// Written
	entry, err := g.d.WAL.Start(wal.OpUpload, storedName)
	if err != nil {
		g.logger.Error("Ошибка создания WAL-транзакции", slog.String("error", err.Error()))
		return nil, internalError()
	}

	saved, err := g.d.Files.Save(req.Body, storedName, g.cfg.MaxFileSize)
	if err != nil {
		g.rollback(entry)
		if errors.Is(err, filestore.ErrTooLarge) {
			return nil, tooLargeError(fmt.Sprintf("Размер файла превышает максимум %s",
				humanize.IBytes(uint64(g.cfg.MaxFileSize))))
		}
		g.logger.Error("Ошибка сохранения файла",
			slog.String("file", storedName),
			slog.String("error", err.Error()),
		)
		return nil, storageError("Ошибка сохранения файла")
	}

	// compensate удаляет записанный файл и откатывает транзакцию
	compensate := func() {
		if err := g.d.Files.Delete(storedName); err != nil {
			g.logger.Error("Ошибка компенсирующего удаления",
				slog.String("file", storedName),
				slog.String("error", err.Error()),
			)
		}
		g.rollback(entry)
	}

	if saved.Size == 0 {
		compensate()
		return nil, validationError(apierrors.CodeValidationError, "Пустой файл")
	}

	// Validated
	result, err := g.d.Validator.Validate(saved.FullPath)
	if err != nil {
		compensate()
		g.logger.Warn("Файл не прошёл проверку содержимого",
			slog.String("file", storedName),
			slog.String("ip", req.ClientIP),
			slog.String("reason", err.Error()),
		)
		return nil, integrityError("Содержимое файла не прошло проверку")
	}

	// Committed
	key := req.DeleteKey
	if key == "" {
		key = deletekeys.Sentinel
	}
	if err := g.d.DeleteKeys.Store(ctx, storedName, key, req.ClientIP); err != nil {
		compensate()
		g.logger.Error("Ошибка сохранения delete-ключа",
			slog.String("file", storedName),
			slog.String("error", err.Error()),
		)
		if serr := lockError(err); serr.Kind == KindBusy {
			return nil, serr
		}
		return nil, storageError("Ошибка сохранения метаданных файла")
	}

	if err := g.d.WAL.Commit(entry.TransactionID); err != nil {
		// Файл и запись уже сохранены
		g.logger.Error("Ошибка коммита WAL (данные сохранены)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	g.invalidateListing()
	trackAdded(saved.Size)

	deletable := key != deletekeys.Sentinel
	res := &model.UploadResult{
		StoredFilename:   storedName,
		OriginalFilename: naming.RestoreOriginal(storedName),
		Size:             saved.Size,
		SizeHuman:        humanize.IBytes(uint64(saved.Size)),
		MIME:             result.MIME,
		UploadTime:       time.Now().UTC(),
		Deletable:        deletable,
		DownloadURL:      downloadURL(storedName),
		DeleteURL:        deleteURL(storedName),
	}
	if deletable {
		res.DeleteKey = req.DeleteKey
	}

	g.logger.Info("Файл загружен",
		slog.String("file", storedName),
		slog.Int64("size", saved.Size),
		slog.String("mime", result.MIME),
		slog.String("sha256", saved.SHA256),
		slog.Bool("deletable", deletable),
	)
	return res, nil
}

// sizeGate — заявленный размер не превышает максимум.
func (g *UploadGateway) sizeGate(declared int64) gate {
	return func() *Error {
		if declared > g.cfg.MaxFileSize {
			return tooLargeError(fmt.Sprintf("Размер файла %s превышает максимум %s",
				humanize.IBytes(uint64(declared)), humanize.IBytes(uint64(g.cfg.MaxFileSize))))
		}
		return nil
	}
}

// deleteKeyGate — ключ удаления пустой или числовой.
func (g *UploadGateway) deleteKeyGate(key string) gate {
	return func() *Error {
		if key != "" && !deletekeys.ValidKey(key) {
			return validationError(apierrors.CodeValidationError, "Ключ удаления должен состоять из цифр")
		}
		return nil
	}
}

// applyExtension заменяет расширение имени на override.
func applyExtension(name, override string) string {
	override = strings.TrimPrefix(strings.TrimSpace(override), ".")
	if override == "" {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + "." + override
}
