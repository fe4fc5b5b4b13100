// Пакет modefile — сохранение режима работы между перезапусками.
//
// Администратор переводит сервис в ro на время обслуживания диска; после
// рестарта режим восстанавливается из state/mode.json, а не из FU_MODE.
//
// Формат файла:
//
//	{"mode": "ro", "updated_at": "2026-01-01T00:00:00Z", "updated_by": "admin-token"}
package modefile

import (
	"fmt"
	"time"

	"github.com/yoshihisa11132/fileup/internal/domain/mode"
	"github.com/yoshihisa11132/fileup/internal/storage/jsonfile"
)

// FileName — имя файла режима в директории состояния.
const FileName = "mode.json"

// Data — содержимое mode.json.
type Data struct {
	// Mode — режим работы.
	Mode string `json:"mode"`
	// UpdatedAt — время последнего перехода.
	UpdatedAt time.Time `json:"updated_at"`
	// UpdatedBy — субъект администратора, выполнившего переход.
	UpdatedBy string `json:"updated_by"`
}

// File — хранилище режима. Запись атомарна (temp → fsync → rename).
// Переходы сериализует StateMachine, поэтому Locker не нужен.
type File struct {
	path string
}

// New создаёт хранилище режима по пути path.
func New(path string) *File {
	return &File{path: path}
}

// Path возвращает путь к файлу.
func (f *File) Path() string {
	return f.path
}

// SaveMode записывает режим.
func (f *File) SaveMode(m mode.ServiceMode, updatedBy string) error {
	if err := jsonfile.Write(f.path, Data{
		Mode:      string(m),
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: updatedBy,
	}); err != nil {
		return fmt.Errorf("ошибка записи %s: %w", FileName, err)
	}
	return nil
}

// LoadMode читает сохранённый режим. ok = false, если файла нет.
// Повреждённый файл или неизвестный режим — ошибка.
func (f *File) LoadMode() (m mode.ServiceMode, ok bool, err error) {
	var data Data
	if err := jsonfile.Read(f.path, &data); err != nil {
		return "", false, fmt.Errorf("ошибка чтения %s: %w", FileName, err)
	}
	if data.Mode == "" {
		return "", false, nil
	}
	m, err = mode.ParseMode(data.Mode)
	if err != nil {
		return "", false, fmt.Errorf("невалидный режим в %s: %w", FileName, err)
	}
	return m, true, nil
}
