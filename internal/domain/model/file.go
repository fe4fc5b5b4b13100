// Пакет model — доменные модели fileup.
// StoredFile — файл в хранилище: ответы листинга, загрузки и удаления.
package model

import (
	"time"
)

// StoredFile — метаданные сохранённого файла.
// Исходное имя не хранится отдельно: оно восстанавливается из имени хранения.
type StoredFile struct {
	// StoredFilename — имя файла на диске (результат генерации имени)
	StoredFilename string `json:"stored_filename"`

	// OriginalFilename — санитизированное исходное имя
	OriginalFilename string `json:"original_filename"`

	// Size — размер файла в байтах
	Size int64 `json:"size"`

	// SizeHuman — размер в человекочитаемом виде (2.0 MB)
	SizeHuman string `json:"size_human"`

	// ModTime — время последнего изменения (UTC)
	ModTime time.Time `json:"mtime"`

	// Deletable — можно ли удалить файл по delete-ключу
	Deletable bool `json:"deletable"`
}

// UploadResult — данные ответа успешной загрузки.
type UploadResult struct {
	StoredFilename   string    `json:"stored_filename"`
	OriginalFilename string    `json:"original_filename"`
	Size             int64     `json:"size"`
	SizeHuman        string    `json:"size_human"`
	MIME             string    `json:"mime"`
	UploadTime       time.Time `json:"upload_time"`
	Deletable        bool      `json:"deletable"`
	// DeleteKey возвращается, только если клиент его передал
	DeleteKey   string `json:"delete_key,omitempty"`
	DownloadURL string `json:"download_url"`
	DeleteURL   string `json:"delete_url"`
}

// DeleteConfirmation — данные первой фазы удаления.
type DeleteConfirmation struct {
	StoredFilename   string `json:"stored_filename"`
	OriginalFilename string `json:"original_filename"`
	Size             int64  `json:"size"`
	SizeHuman        string `json:"size_human"`
	Deletable        bool   `json:"deletable"`
	ConfirmRequired  bool   `json:"confirm_required"`
}

// FileList — страница листинга.
type FileList struct {
	Items  []StoredFile `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// DeleteResult — данные ответа успешного удаления.
type DeleteResult struct {
	StoredFilename   string `json:"stored_filename"`
	OriginalFilename string `json:"original_filename"`
	Deleted          bool   `json:"deleted"`
}
