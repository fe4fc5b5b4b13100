// Пакет ratelimit — счётчик запросов с фиксированным окном.
//
// Идентификатор (IP, API-ключ, имя ресурса) хэшируется SHA-256, чтобы
// атакующий не мог раздувать ключи состояния произвольными строками.
// Состояние — JSON-карта state/rate_limits.json, каждое обращение выполняет
// read-modify-write под блокировкой ресурса "rate_limits".
//
// Известное ограничение фиксированного окна: на границе двух окон может быть
// допущено до 2×max запросов. Это принятое поведение, не ошибка.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yoshihisa11132/fileup/internal/lock"
	"github.com/yoshihisa11132/fileup/internal/storage/jsonfile"
)

// lockResource — имя блокировки файла состояния.
const lockResource = "rate_limits"

// RejectionsTotal — количество отказов по области (upload, delete, api_key).
// Обновляется вызывающим кодом, который знает область лимита.
var RejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fu_rate_limit_rejections_total",
		Help: "Общее количество запросов, отклонённых rate limiter",
	},
	[]string{"scope"},
)

// Window — состояние одного окна.
type Window struct {
	// Count — количество допущенных запросов в текущем окне
	Count int `json:"count"`
	// WindowStart — начало окна (unix-секунды)
	WindowStart int64 `json:"window_start"`
}

// Limiter — rate limiter с фиксированным окном и состоянием на диске.
type Limiter struct {
	path        string
	locker      lock.Locker
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New создаёт Limiter с файлом состояния path.
func New(path string, locker lock.Locker, lockTimeout time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{
		path:        path,
		locker:      locker,
		lockTimeout: lockTimeout,
		logger:      logger.With(slog.String("component", "rate_limiter")),
		now:         time.Now,
	}
}

// SetClock подменяет источник времени (тесты).
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Key возвращает ключ состояния для идентификатора: hex(sha256(identifier)).
func Key(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// Allow проверяет и учитывает запрос:
//   - окно истекло (now - start > window) — окно сбрасывается в {1, now}, запрос допущен;
//   - count >= max — отказ, состояние не меняется;
//   - иначе count++ и запрос допущен.
//
// Ошибка захвата блокировки (lock.ErrTimeout) возвращается вызывающему.
func (l *Limiter) Allow(ctx context.Context, identifier string, max int, window time.Duration) (bool, error) {
	key := Key(identifier)
	allowed := false

	err := lock.WithLock(ctx, l.locker, lockResource, l.lockTimeout, func() error {
		state := l.load()
		now := l.now().Unix()

		w, ok := state[key]
		switch {
		case !ok || now-w.WindowStart > int64(window/time.Second):
			state[key] = Window{Count: 1, WindowStart: now}
		case w.Count >= max:
			// Отказ: состояние не переписываем
			return nil
		default:
			w.Count++
			state[key] = w
		}

		if err := jsonfile.Write(l.path, state); err != nil {
			return fmt.Errorf("ошибка сохранения состояния rate limit: %w", err)
		}
		allowed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// CheckLimit — упрощённая форма Allow: (identifier, max, окно в секундах) → bool.
// Любая ошибка трактуется как отказ (fail closed).
func (l *Limiter) CheckLimit(identifier string, maxCount, windowSeconds int) bool {
	ok, err := l.Allow(context.Background(), identifier, maxCount, time.Duration(windowSeconds)*time.Second)
	if err != nil {
		l.logger.Warn("Ошибка проверки лимита, запрос отклонён",
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// Prune удаляет окна, начатые раньше now - olderThan.
// Возвращает количество удалённых записей.
func (l *Limiter) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	removed := 0
	err := lock.WithLock(ctx, l.locker, lockResource, l.lockTimeout, func() error {
		state := l.load()
		cutoff := l.now().Add(-olderThan).Unix()
		for key, w := range state {
			if w.WindowStart < cutoff {
				delete(state, key)
				removed++
			}
		}
		if removed == 0 {
			return nil
		}
		return jsonfile.Write(l.path, state)
	})
	return removed, err
}

// load читает состояние. Повреждённый файл — пустое состояние.
func (l *Limiter) load() map[string]Window {
	var state map[string]Window
	if err := jsonfile.Read(l.path, &state); err != nil {
		level := slog.LevelError
		if errors.Is(err, jsonfile.ErrCorrupt) {
			level = slog.LevelWarn
		}
		l.logger.Log(context.Background(), level, "Состояние rate limit не прочитано, используется пустое",
			slog.String("error", err.Error()),
		)
	}
	if state == nil {
		state = make(map[string]Window)
	}
	return state
}
