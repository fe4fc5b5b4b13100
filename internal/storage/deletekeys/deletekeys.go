// Пакет deletekeys — хранилище delete-ключей: имя файла → числовой ключ владельца.
//
// Ключ Sentinel означает «ключ не задан, файл постоянный» и никогда не
// разрешает удаление, даже если запись в файле равна ему. Состояние —
// JSON-карта state/delete_keys.json, все мутации выполняются под
// блокировкой "delete_keys".
package deletekeys

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/yoshihisa11132/fileup/internal/lock"
	"github.com/yoshihisa11132/fileup/internal/storage/jsonfile"
)

// Sentinel — зарезервированный ключ «удаление запрещено».
const Sentinel = "104710477014"

// lockResource — имя блокировки файла хранилища.
const lockResource = "delete_keys"

var (
	// ErrNotDeletable — файл нельзя удалить по ключу (Sentinel или нет записи).
	ErrNotDeletable = errors.New("файл не может быть удалён")
	// ErrInvalidKey — ключ не соответствует формату ^[0-9]+$.
	ErrInvalidKey = errors.New("delete-ключ должен состоять из цифр")
	// ErrKeyIncorrect — ключ не совпадает с сохранённым.
	ErrKeyIncorrect = errors.New("неверный delete-ключ")
)

var numericKey = regexp.MustCompile(`^[0-9]+$`)

// ValidKey проверяет формат ключа.
func ValidKey(key string) bool {
	return numericKey.MatchString(key)
}

// Record — запись о владельце файла.
type Record struct {
	StoredFilename string    `json:"stored_filename"`
	DeleteKey      string    `json:"delete_key"`
	CreatedAt      time.Time `json:"created_at"`
	OwnerIP        string    `json:"owner_ip"`
}

// Deletable сообщает, может ли запись разрешить удаление.
func (r Record) Deletable() bool {
	return r.DeleteKey != Sentinel
}

// Store — хранилище delete-ключей.
type Store struct {
	path        string
	locker      lock.Locker
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New создаёт Store с файлом состояния path.
func New(path string, locker lock.Locker, lockTimeout time.Duration, logger *slog.Logger) *Store {
	return &Store{
		path:        path,
		locker:      locker,
		lockTimeout: lockTimeout,
		logger:      logger.With(slog.String("component", "delete_keys")),
		now:         time.Now,
	}
}

// Store сохраняет ключ для файла. Ключ — числовой либо Sentinel.
func (s *Store) Store(ctx context.Context, filename, key, ownerIP string) error {
	if key != Sentinel && !ValidKey(key) {
		return ErrInvalidKey
	}
	return s.mutate(ctx, func(records map[string]Record) bool {
		records[filename] = Record{
			StoredFilename: filename,
			DeleteKey:      key,
			CreatedAt:      s.now().UTC(),
			OwnerIP:        ownerIP,
		}
		return true
	})
}

// Lookup возвращает запись файла.
func (s *Store) Lookup(_ context.Context, filename string) (Record, bool, error) {
	records, err := s.read()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := records[filename]
	return rec, ok, nil
}

// Remove удаляет запись. Отсутствие записи — не ошибка.
func (s *Store) Remove(ctx context.Context, filename string) error {
	return s.mutate(ctx, func(records map[string]Record) bool {
		if _, ok := records[filename]; !ok {
			return false
		}
		delete(records, filename)
		return true
	})
}

// Authorize проверяет право удаления файла переданным ключом.
// Порядок проверок: Sentinel, формат, наличие записи, Sentinel в записи, совпадение.
func (s *Store) Authorize(ctx context.Context, filename, supplied string) error {
	if supplied == Sentinel {
		return ErrNotDeletable
	}
	if !ValidKey(supplied) {
		return ErrInvalidKey
	}

	rec, ok, err := s.Lookup(ctx, filename)
	if err != nil {
		return err
	}
	if !ok || !rec.Deletable() {
		return ErrNotDeletable
	}
	if subtle.ConstantTimeCompare([]byte(rec.DeleteKey), []byte(supplied)) != 1 {
		return ErrKeyIncorrect
	}
	return nil
}

// Deletable сообщает, можно ли удалить файл по ключу.
func (s *Store) Deletable(ctx context.Context, filename string) bool {
	rec, ok, err := s.Lookup(ctx, filename)
	return err == nil && ok && rec.Deletable()
}

// Snapshot возвращает копию всех записей (листинг читает состояние один раз).
func (s *Store) Snapshot(_ context.Context) (map[string]Record, error) {
	return s.read()
}

// Files возвращает отсортированные имена файлов, для которых есть записи.
func (s *Store) Files(_ context.Context) ([]string, error) {
	records, err := s.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RemoveMissing удаляет записи, для которых exists возвращает false.
// Возвращает имена удалённых записей.
func (s *Store) RemoveMissing(ctx context.Context, exists func(name string) bool) ([]string, error) {
	var removed []string
	err := s.mutate(ctx, func(records map[string]Record) bool {
		for name := range records {
			if !exists(name) {
				delete(records, name)
				removed = append(removed, name)
			}
		}
		return len(removed) > 0
	})
	sort.Strings(removed)
	return removed, err
}

// EnsurePermanent создаёт записи Sentinel для файлов без записи.
// Возвращает количество созданных записей.
func (s *Store) EnsurePermanent(ctx context.Context, names []string) (int, error) {
	added := 0
	err := s.mutate(ctx, func(records map[string]Record) bool {
		for _, name := range names {
			if _, ok := records[name]; ok {
				continue
			}
			records[name] = Record{
				StoredFilename: name,
				DeleteKey:      Sentinel,
				CreatedAt:      s.now().UTC(),
			}
			added++
		}
		return added > 0
	})
	return added, err
}

// mutate выполняет read-modify-write под блокировкой. fn возвращает true,
// если состояние изменилось и его нужно записать.
func (s *Store) mutate(ctx context.Context, fn func(records map[string]Record) bool) error {
	return lock.WithLock(ctx, s.locker, lockResource, s.lockTimeout, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}
		if !fn(records) {
			return nil
		}
		if err := jsonfile.Write(s.path, records); err != nil {
			return fmt.Errorf("ошибка сохранения delete-ключей: %w", err)
		}
		return nil
	})
}

// read читает состояние. Повреждённый файл — пустое хранилище.
func (s *Store) read() (map[string]Record, error) {
	var records map[string]Record
	if err := jsonfile.Read(s.path, &records); err != nil {
		if !errors.Is(err, jsonfile.ErrCorrupt) {
			return nil, err
		}
		s.logger.Warn("Файл delete-ключей повреждён, используется пустое хранилище",
			slog.String("error", err.Error()),
		)
	}
	if records == nil {
		records = make(map[string]Record)
	}
	return records, nil
}
