// Пакет lock — именованные блокировки для критических секций
// (загрузка, мутации JSON-хранилищ, счётчики rate limit).
//
// Две реализации одного интерфейса Locker:
//   - FileLocker — advisory flock() на файле locks/<md5(resource)>.lock.
//     ОС снимает блокировку при завершении процесса-владельца, поэтому
//     упавший процесс не «заклинивает» ресурс.
//   - MemoryLocker — мьютекс по имени ресурса внутри процесса
//     (single-instance развёртывание).
//
// Захват всегда ограничен таймаутом: по его истечении возвращается ErrTimeout,
// и вызывающий код обязан сообщить клиенту «занято», а не продолжать без защиты.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrTimeout — блокировка не получена за отведённое время.
var ErrTimeout = errors.New("таймаут ожидания блокировки")

// Prometheus метрики блокировок
var (
	// lockWaitSeconds — время ожидания блокировки.
	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fu_lock_wait_seconds",
		Help:    "Время ожидания именованной блокировки в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	// lockTimeoutsTotal — количество истёкших ожиданий.
	lockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fu_lock_timeouts_total",
		Help: "Общее количество таймаутов захвата блокировки",
	})
)

// Handle — удерживаемая блокировка.
type Handle interface {
	// Release освобождает блокировку. Повторный вызов безопасен.
	Release() error
	// Resource возвращает имя заблокированного ресурса.
	Resource() string
}

// Locker — захват именованной блокировки с таймаутом.
type Locker interface {
	Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error)
}

// WithLock выполняет fn под блокировкой resource.
// Ошибка захвата (в том числе ErrTimeout) возвращается без вызова fn.
func WithLock(ctx context.Context, l Locker, resource string, timeout time.Duration, fn func() error) error {
	h, err := l.Acquire(ctx, resource, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = h.Release() }()
	return fn()
}

// observeWait обновляет метрики по результату ожидания.
func observeWait(start time.Time, err error) {
	lockWaitSeconds.Observe(time.Since(start).Seconds())
	if errors.Is(err, ErrTimeout) {
		lockTimeoutsTotal.Inc()
	}
}
