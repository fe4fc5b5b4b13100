// Пакет wal — журнал незавершённых операций с файлами.
//
// Загрузка и удаление затрагивают два ресурса (файл и запись delete-ключа).
// Перед началом операции создаётся запись pending, после — committed или
// rolled_back. Записи pending, найденные при старте, означают прерванную
// операцию, которую нужно довести до согласованного состояния.
// Каждая транзакция — отдельный файл wal/<tx_id>.wal.json.
package wal

import (
	"time"
)

// OperationType — тип операции.
type OperationType string

const (
	// OpUpload — загрузка файла
	OpUpload OperationType = "upload"
	// OpDelete — удаление файла и его delete-ключа
	OpDelete OperationType = "delete"
)

// TransactionStatus — статус транзакции.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusCommitted  TransactionStatus = "committed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись журнала.
type Entry struct {
	// TransactionID — UUID v4
	TransactionID string `json:"transaction_id"`
	// Operation — тип операции
	Operation OperationType `json:"operation"`
	// Status — статус транзакции
	Status TransactionStatus `json:"status"`
	// StoredName — имя файла хранения
	StoredName string `json:"stored_name"`
	// StartedAt — начало транзакции (UTC)
	StartedAt time.Time `json:"started_at"`
	// CompletedAt — завершение, nil для pending
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func walFileName(txID string) string {
	return txID + ".wal.json"
}
