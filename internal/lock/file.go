// file.go — FileLocker: блокировки на основе flock().
package lock

import (
	"context"
	"crypto/md5" //nolint:gosec // md5 только для имени файла, не для безопасности
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errWouldBlock — блокировка удерживается другим владельцем, нужно повторить.
var errWouldBlock = errors.New("блокировка занята")

// FileLocker — Locker на основе advisory flock() в директории locks.
type FileLocker struct {
	dir    string
	logger *slog.Logger

	// Параметры backoff между попытками захвата
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewFileLocker создаёт FileLocker. Директория создаётся при необходимости.
func NewFileLocker(dir string, logger *slog.Logger) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию блокировок %s: %w", dir, err)
	}
	return &FileLocker{
		dir:             dir,
		logger:          logger.With(slog.String("component", "file_locker")),
		initialInterval: 10 * time.Millisecond,
		maxInterval:     100 * time.Millisecond,
	}, nil
}

// Dir возвращает директорию lock-файлов.
func (l *FileLocker) Dir() string {
	return l.dir
}

// PathFor возвращает путь lock-файла для ресурса: <dir>/<md5(resource)>.lock.
func (l *FileLocker) PathFor(resource string) string {
	sum := md5.Sum([]byte(resource)) //nolint:gosec
	return filepath.Join(l.dir, hex.EncodeToString(sum[:])+".lock")
}

// Acquire захватывает блокировку ресурса, повторяя попытки с экспоненциальной
// задержкой (10ms → 100ms) до истечения timeout или отмены ctx.
func (l *FileLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error) {
	start := time.Now()
	path := l.PathFor(resource)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initialInterval
	b.MaxInterval = l.maxInterval
	b.MaxElapsedTime = timeout

	var handle *fileHandle
	err := backoff.Retry(func() error {
		h, err := tryFlock(path, resource)
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				return err
			}
			return backoff.Permanent(err)
		}
		handle = h
		return nil
	}, backoff.WithContext(b, waitCtx))

	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(err, errWouldBlock), errors.Is(err, context.DeadlineExceeded):
			err = ErrTimeout
			l.logger.Warn("Таймаут ожидания блокировки",
				slog.String("resource", resource),
				slog.Duration("timeout", timeout),
			)
		default:
			err = fmt.Errorf("ошибка захвата блокировки %s: %w", resource, err)
		}
		observeWait(start, err)
		return nil, err
	}

	observeWait(start, nil)
	return handle, nil
}

// tryFlock делает одну неблокирующую попытку захвата.
func tryFlock(path, resource string) (*fileHandle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия lock-файла: %w", err)
	}

	fd := int(f.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, errWouldBlock
		}
		return nil, fmt.Errorf("ошибка flock: %w", err)
	}

	// Файл мог быть удалён очисткой между open и flock: тогда мы держим
	// блокировку на «отвязанном» inode, и нужно повторить попытку.
	held, err := f.Stat()
	if err != nil {
		_ = syscall.Flock(fd, syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("ошибка stat lock-файла: %w", err)
	}
	current, err := os.Stat(path)
	if err != nil || !os.SameFile(held, current) {
		_ = syscall.Flock(fd, syscall.LOCK_UN)
		f.Close()
		return nil, errWouldBlock
	}

	// Записываем владельца: pid|unix_time (диагностика и возраст для очистки)
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(fmt.Sprintf("%d|%d", os.Getpid(), time.Now().Unix())), 0)
	}

	return &fileHandle{file: f, resource: resource}, nil
}

// fileHandle — удерживаемая flock-блокировка.
type fileHandle struct {
	file     *os.File
	resource string
	once     sync.Once
	err      error
}

// Release снимает flock и закрывает файл. Сам lock-файл остаётся на месте:
// удалять его безопасно только через CleanStale.
func (h *fileHandle) Release() error {
	h.once.Do(func() {
		if err := syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN); err != nil {
			h.err = fmt.Errorf("ошибка снятия flock: %w", err)
		}
		if err := h.file.Close(); err != nil && h.err == nil {
			h.err = fmt.Errorf("ошибка закрытия lock-файла: %w", err)
		}
	})
	return h.err
}

// Resource возвращает имя ресурса.
func (h *fileHandle) Resource() string {
	return h.resource
}

// CleanStale удаляет lock-файлы старше olderThan, которые никто не удерживает.
// Файл удаляется под собственной блокировкой, поэтому активный владелец
// не может его потерять. Возвращает количество удалённых файлов.
func (l *FileLocker) CleanStale(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения директории блокировок: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		h, err := tryFlock(path, entry.Name())
		if err != nil {
			// Удерживается живым владельцем — не трогаем
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("Не удалось удалить устаревший lock-файл",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			removed++
		}
		_ = h.Release()
	}

	return removed, nil
}
