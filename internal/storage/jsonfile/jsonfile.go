// Пакет jsonfile — чтение и атомарная запись JSON-состояния на диске
// (API-ключи, delete-ключи, окна rate limit).
//
// Запись: JSON → temp файл → fsync → atomic rename, поэтому читатель
// никогда не видит частично записанный файл. Чтение трактует отсутствующий
// или повреждённый файл как пустое состояние: ошибка разбора не фатальна.
//
// Пакет не синхронизирует доступ: read-modify-write выполняется вызывающим
// кодом под lock.Locker.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorrupt — файл существует, но не разбирается как JSON.
// Read возвращает её вместе с пустым значением, чтобы вызывающий мог залогировать.
var ErrCorrupt = errors.New("повреждённый JSON-файл")

// Read читает JSON из path в v.
// Отсутствующий или пустой файл — не ошибка (v остаётся нулевым).
// Повреждённый файл — v сбрасывается в нулевое значение, возвращается ErrCorrupt.
func Read[T any](path string, v *T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		var zero T
		*v = zero
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// Write атомарно записывает v в path.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	// Уникальное имя temp-файла: параллельные процессы не пишут в один tmp
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка chmod: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}
