// Пакет filestore — операции с загруженными файлами на диске.
// Обеспечивает streaming-запись с подсчётом SHA-256 и MD5 на лету,
// чтение, удаление, листинг и подсчёт занятого места.
package filestore

import (
	"crypto/md5" //nolint:gosec // MD5 — только идентификатор содержимого, не защита
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tmpSuffix — суффикс временных файлов незавершённой записи.
const tmpSuffix = ".tmp"

var (
	// ErrTooLarge — поток длиннее лимита.
	ErrTooLarge = errors.New("файл превышает максимальный размер")
	// ErrNotFound — файл отсутствует.
	ErrNotFound = errors.New("файл не найден")
	// ErrExists — файл с таким именем уже сохранён.
	ErrExists = errors.New("файл уже существует")
)

// FileStore — управление физическими файлами в директории files/.
type FileStore struct {
	// dataDir — директория загруженных файлов
	dataDir string
}

// SaveResult — результат сохранения файла на диск.
type SaveResult struct {
	// Name — имя файла хранения
	Name string
	// FullPath — абсолютный путь файла на диске
	FullPath string
	// Size — размер записанных данных в байтах
	Size int64
	// SHA256 — хэш содержимого (hex)
	SHA256 string
	// MD5 — хэш содержимого (hex)
	MD5 string
}

// Entry — файл в директории хранения.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// New создаёт FileStore. Директория создаётся, если не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Save записывает данные из reader в файл storedName.
// Читается не более limit+1 байт: если данных больше limit, запись
// прерывается с ErrTooLarge и на диске ничего не остаётся.
//
// Паттерн: temp файл → запись + хэши → fsync → atomic rename.
func (fs *FileStore) Save(reader io.Reader, storedName string, limit int64) (*SaveResult, error) {
	fullPath := fs.FullPath(storedName)
	if _, err := os.Stat(fullPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, storedName)
	}

	f, err := os.CreateTemp(fs.dataDir, ".upload-*"+tmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()
	fail := func(err error) (*SaveResult, error) {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	sha := sha256.New()
	sum := md5.New() //nolint:gosec
	tee := io.TeeReader(io.LimitReader(reader, limit+1), io.MultiWriter(sha, sum))

	size, err := io.Copy(f, tee)
	if err != nil {
		return fail(fmt.Errorf("ошибка записи данных: %w", err))
	}
	if size > limit {
		return fail(ErrTooLarge)
	}

	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("ошибка fsync: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка chmod: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		Name:     storedName,
		FullPath: fullPath,
		Size:     size,
		SHA256:   hex.EncodeToString(sha.Sum(nil)),
		MD5:      hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

// Open открывает файл для чтения. Вызывающий код обязан закрыть файл.
func (fs *FileStore) Open(name string) (*os.File, error) {
	f, err := os.Open(fs.FullPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", name, err)
	}
	return f, nil
}

// Stat возвращает информацию о файле. Директории и специальные
// файлы считаются отсутствующими.
func (fs *FileStore) Stat(name string) (os.FileInfo, error) {
	info, err := os.Stat(fs.FullPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("ошибка получения информации о файле %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return info, nil
}

// Exists проверяет наличие файла.
func (fs *FileStore) Exists(name string) bool {
	_, err := fs.Stat(name)
	return err == nil
}

// Delete удаляет файл. Отсутствующий файл — не ошибка.
func (fs *FileStore) Delete(name string) error {
	err := os.Remove(fs.FullPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", name, err)
	}
	return nil
}

// FullPath возвращает абсолютный путь к файлу на диске.
func (fs *FileStore) FullPath(name string) string {
	return filepath.Join(fs.dataDir, name)
}

// DataDir возвращает путь к директории файлов.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// List возвращает все сохранённые файлы. Временные файлы, скрытые
// файлы и поддиректории пропускаются.
func (fs *FileStore) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", fs.dataDir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() {
			// Файл удалён между ReadDir и Info
			continue
		}
		entries = append(entries, Entry{Name: name, Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	return entries, nil
}

// Usage возвращает суммарный размер и количество сохранённых файлов.
func (fs *FileStore) Usage() (int64, int, error) {
	entries, err := fs.List()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, len(entries), nil
}

// CleanTemp удаляет временные файлы прерванных загрузок старше olderThan.
func (fs *FileStore) CleanTemp(olderThan time.Duration) (int, error) {
	paths, err := filepath.Glob(filepath.Join(fs.dataDir, "*"+tmpSuffix))
	if err != nil {
		return 0, fmt.Errorf("ошибка поиска временных файлов: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(p); err == nil {
			removed++
		}
	}
	return removed, nil
}
