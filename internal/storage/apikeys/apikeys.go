// Пакет apikeys — хранилище API-ключей: выпуск, проверка, отзыв, удаление.
//
// Состояние — JSON-карта state/api_keys.json (token → Record). Каждая мутация,
// включая учёт использования при успешной проверке, выполняется как
// read-modify-write под блокировкой "api_keys".
//
// Проверка ключа сама ограничена по частоте (лимит на токен): превышение
// означает отказ даже для действующего ключа.
package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yoshihisa11132/fileup/internal/lock"
	"github.com/yoshihisa11132/fileup/internal/storage/jsonfile"
)

const (
	// TokenPrefix — префикс всех API-ключей.
	TokenPrefix = "ak_"
	// tokenBytes — энтропия токена (256 бит).
	tokenBytes = 32
	// lockResource — имя блокировки файла хранилища.
	lockResource = "api_keys"
	// rateKeyPrefix — префикс идентификатора в rate limiter.
	rateKeyPrefix = "api_"

	maxNameLen        = 100
	maxDescriptionLen = 500
)

var (
	// ErrValidation — некорректные параметры создания ключа.
	ErrValidation = errors.New("ошибка валидации API-ключа")
	// ErrNotFound — ключ не найден.
	ErrNotFound = errors.New("API-ключ не найден")
	// ErrRateLimited — превышен лимит проверок ключа.
	ErrRateLimited = errors.New("превышен лимит проверок API-ключа")
)

// Limiter — rate limiter, которым ограничивается проверка ключей.
type Limiter interface {
	Allow(ctx context.Context, identifier string, max int, window time.Duration) (bool, error)
}

// Record — запись API-ключа.
type Record struct {
	Token       string     `json:"token"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	LastIP      string     `json:"last_ip"`
	UsageCount  int64      `json:"usage_count"`
	Active      bool       `json:"active"`
	CreatedIP   string     `json:"created_ip"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Expired сообщает, истёк ли срок действия ключа на момент now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Usable сообщает, может ли ключ пройти проверку на момент now.
func (r Record) Usable(now time.Time) bool {
	return r.Active && !r.Expired(now)
}

// CreateParams — параметры выпуска ключа.
type CreateParams struct {
	Name        string
	Description string
	ExpiresAt   *time.Time
	CreatedIP   string
}

// Stats — сводка по хранилищу.
type Stats struct {
	Total      int   `json:"total"`
	Active     int   `json:"active"`
	Revoked    int   `json:"revoked"`
	Expired    int   `json:"expired"`
	TotalUsage int64 `json:"total_usage"`
}

// Config — параметры хранилища.
type Config struct {
	// Path — путь к JSON-файлу
	Path string
	// LockTimeout — таймаут захвата блокировки
	LockTimeout time.Duration
	// RateLimit — максимум проверок одного токена за RateWindow
	RateLimit  int
	RateWindow time.Duration
}

// Store — хранилище API-ключей.
type Store struct {
	cfg     Config
	locker  lock.Locker
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New создаёт Store.
func New(cfg Config, locker lock.Locker, limiter Limiter, logger *slog.Logger) *Store {
	return &Store{
		cfg:     cfg,
		locker:  locker,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "api_keys")),
		now:     time.Now,
	}
}

// SetClock подменяет источник времени (тесты).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create выпускает новый ключ и возвращает токен. Токен показывается один раз.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: имя ключа обязательно", ErrValidation)
	case utf8.RuneCountInString(name) > maxNameLen:
		return "", fmt.Errorf("%w: имя длиннее %d символов", ErrValidation, maxNameLen)
	case utf8.RuneCountInString(p.Description) > maxDescriptionLen:
		return "", fmt.Errorf("%w: описание длиннее %d символов", ErrValidation, maxDescriptionLen)
	case p.ExpiresAt != nil && !p.ExpiresAt.After(s.now()):
		return "", fmt.Errorf("%w: срок действия уже истёк", ErrValidation)
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	err = s.mutate(ctx, func(keys map[string]Record) bool {
		rec := Record{
			Token:       token,
			Name:        name,
			Description: p.Description,
			CreatedAt:   s.now().UTC(),
			Active:      true,
			CreatedIP:   p.CreatedIP,
		}
		if p.ExpiresAt != nil {
			exp := p.ExpiresAt.UTC()
			rec.ExpiresAt = &exp
		}
		keys[token] = rec
		return true
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("API-ключ создан",
		slog.String("name", name),
		slog.String("token", Mask(token)),
	)
	return token, nil
}

// Validate проверяет ключ и при успехе учитывает использование
// (usage_count, last_used, last_ip).
//
// Возвращает (false, nil) для неизвестного, отозванного или истёкшего ключа,
// (false, ErrRateLimited) при превышении лимита проверок этого токена.
func (s *Store) Validate(ctx context.Context, token, clientIP string) (bool, error) {
	if token == "" || !strings.HasPrefix(token, TokenPrefix) {
		return false, nil
	}

	allowed, err := s.limiter.Allow(ctx, rateKeyPrefix+token, s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		return false, err
	}
	if !allowed {
		s.logger.Warn("Превышен лимит проверок API-ключа",
			slog.String("token", Mask(token)),
			slog.String("ip", clientIP),
		)
		return false, ErrRateLimited
	}

	valid := false
	err = s.mutate(ctx, func(keys map[string]Record) bool {
		rec, ok := keys[token]
		now := s.now().UTC()
		if !ok || !rec.Usable(now) {
			return false
		}
		rec.UsageCount++
		rec.LastUsed = &now
		rec.LastIP = clientIP
		keys[token] = rec
		valid = true
		return true
	})
	if err != nil {
		return false, err
	}
	return valid, nil
}

// Revoke деактивирует ключ. Повторный вызов и неизвестный ключ — не ошибка.
func (s *Store) Revoke(ctx context.Context, token string) error {
	return s.mutate(ctx, func(keys map[string]Record) bool {
		rec, ok := keys[token]
		if !ok || !rec.Active {
			return false
		}
		now := s.now().UTC()
		rec.Active = false
		rec.RevokedAt = &now
		keys[token] = rec
		return true
	})
}

// Reactivate снова активирует отозванный ключ. Истёкший ключ остаётся
// непригодным. Неизвестный ключ — ErrNotFound.
func (s *Store) Reactivate(ctx context.Context, token string) error {
	found := false
	err := s.mutate(ctx, func(keys map[string]Record) bool {
		rec, ok := keys[token]
		if !ok {
			return false
		}
		found = true
		if rec.Active {
			return false
		}
		rec.Active = true
		rec.RevokedAt = nil
		keys[token] = rec
		return true
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Delete физически удаляет запись. Неизвестный ключ — не ошибка.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.mutate(ctx, func(keys map[string]Record) bool {
		if _, ok := keys[token]; !ok {
			return false
		}
		delete(keys, token)
		return true
	})
}

// Get возвращает запись ключа с замаскированным токеном.
func (s *Store) Get(_ context.Context, token string) (Record, error) {
	keys, err := s.read()
	if err != nil {
		return Record{}, err
	}
	rec, ok := keys[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Token = Mask(rec.Token)
	return rec, nil
}

// List возвращает записи, отсортированные по времени создания,
// с замаскированными токенами.
func (s *Store) List(_ context.Context) ([]Record, error) {
	keys, err := s.read()
	if err != nil {
		return nil, err
	}
	list := make([]Record, 0, len(keys))
	for _, rec := range keys {
		rec.Token = Mask(rec.Token)
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Name < list[j].Name
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// Stats возвращает сводку по ключам.
func (s *Store) Stats(_ context.Context) (Stats, error) {
	keys, err := s.read()
	if err != nil {
		return Stats{}, err
	}
	now := s.now()
	var st Stats
	for _, rec := range keys {
		st.Total++
		st.TotalUsage += rec.UsageCount
		switch {
		case rec.Expired(now):
			st.Expired++
		case !rec.Active:
			st.Revoked++
		default:
			st.Active++
		}
	}
	return st, nil
}

// Mask скрывает токен для вывода: ak_xxxx…yyyy.
func Mask(token string) string {
	if len(token) <= len(TokenPrefix)+8 {
		return TokenPrefix + "…"
	}
	return token[:len(TokenPrefix)+4] + "…" + token[len(token)-4:]
}

// generateToken создаёт токен ak_<64 hex>.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ошибка генерации токена: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

// mutate выполняет read-modify-write под блокировкой. fn возвращает true,
// если состояние изменилось.
func (s *Store) mutate(ctx context.Context, fn func(keys map[string]Record) bool) error {
	return lock.WithLock(ctx, s.locker, lockResource, s.cfg.LockTimeout, func() error {
		keys, err := s.read()
		if err != nil {
			return err
		}
		if !fn(keys) {
			return nil
		}
		if err := jsonfile.Write(s.cfg.Path, keys); err != nil {
			return fmt.Errorf("ошибка сохранения API-ключей: %w", err)
		}
		return nil
	})
}

// read читает состояние. Повреждённый файл — пустое хранилище.
func (s *Store) read() (map[string]Record, error) {
	var keys map[string]Record
	if err := jsonfile.Read(s.cfg.Path, &keys); err != nil {
		if !errors.Is(err, jsonfile.ErrCorrupt) {
			return nil, err
		}
		s.logger.Warn("Файл API-ключей повреждён, используется пустое хранилище",
			slog.String("error", err.Error()),
		)
	}
	if keys == nil {
		keys = make(map[string]Record)
	}
	return keys, nil
}
