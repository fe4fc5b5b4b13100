// recovery.go — довод прерванных операций по WAL при старте.
package service

import (
	"context"
	"log/slog"

	"github.com/yoshihisa11132/fileup/internal/storage/wal"
)

// RecoveryResult — итог восстановления.
type RecoveryResult struct {
	Uploads int
	Deletes int
	Errors  int
}

// RecoverPending приводит хранилище в согласованное состояние по
// pending-записям WAL:
//   - прерванная загрузка: удаляются файл и его запись;
//   - прерванное удаление: запись удаляется, если файла уже нет.
//
// Каждая обработанная запись помечается rolled_back. Вызывается до старта
// HTTP-сервера.
func RecoverPending(ctx context.Context, d Deps, logger *slog.Logger) RecoveryResult {
	log := logger.With(slog.String("component", "recovery"))
	var res RecoveryResult

	pending, err := d.WAL.Pending()
	if err != nil {
		log.Error("Ошибка чтения WAL", slog.String("error", err.Error()))
		res.Errors++
		return res
	}

	for _, entry := range pending {
		var stepErr error
		switch entry.Operation {
		case wal.OpUpload:
			if stepErr = d.Files.Delete(entry.StoredName); stepErr == nil {
				stepErr = d.DeleteKeys.Remove(ctx, entry.StoredName)
			}
			res.Uploads++
		case wal.OpDelete:
			if !d.Files.Exists(entry.StoredName) {
				stepErr = d.DeleteKeys.Remove(ctx, entry.StoredName)
			}
			res.Deletes++
		}

		if stepErr != nil {
			res.Errors++
			log.Error("Не удалось восстановить операцию",
				slog.String("tx_id", entry.TransactionID),
				slog.String("operation", string(entry.Operation)),
				slog.String("stored_name", entry.StoredName),
				slog.String("error", stepErr.Error()),
			)
			continue
		}

		if err := d.WAL.Rollback(entry.TransactionID); err != nil {
			res.Errors++
			log.Error("Ошибка отката WAL", slog.String("tx_id", entry.TransactionID), slog.String("error", err.Error()))
			continue
		}
		log.Warn("Прерванная операция откачена",
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("stored_name", entry.StoredName),
		)
	}
	return res
}
