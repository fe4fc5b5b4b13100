// Пакет cache — LRU-кэш метаданных с TTL на каждую запись.
//
// Обёртка над hashicorp/golang-lru/v2. В отличие от expirable.LRU, TTL
// задаётся при каждом Set, а просроченная запись удаляется лениво,
// при следующем Get.
package cache

import (
	"crypto/md5" //nolint:gosec // md5 только для ключа кэша
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fu_cache_hits_total",
		Help: "Общее количество попаданий в кэш метаданных.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fu_cache_misses_total",
		Help: "Общее количество промахов кэша метаданных.",
	})
)

// entry — значение с моментом создания и TTL.
type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
}

// Cache — LRU-кэш с TTL на запись.
//
// Каждый Invalidate увеличивает поколение кэша. SetIfGeneration сохраняет
// значение, только если с момента чтения поколения инвалидаций не было:
// так результат медленного сканирования не перезапишет более свежий сброс.
type Cache[V any] struct {
	lru *lru.Cache[string, entry[V]]
	now func() time.Time

	mu  sync.Mutex
	gen uint64
}

// New создаёт кэш на size записей.
func New[V any](size int) (*Cache[V], error) {
	l, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания LRU-кэша: %w", err)
	}
	return &Cache[V]{lru: l, now: time.Now}, nil
}

// SetClock подменяет источник времени (тесты).
func (c *Cache[V]) SetClock(now func() time.Time) {
	c.now = now
}

// Get возвращает значение. Отсутствующая и просроченная запись — промах;
// просроченная запись при этом удаляется.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		cacheMissesTotal.Inc()
		return zero, false
	}
	if c.now().Sub(e.createdAt) > e.ttl {
		c.lru.Remove(key)
		cacheMissesTotal.Inc()
		return zero, false
	}
	cacheHitsTotal.Inc()
	return e.value, true
}

// Set сохраняет значение с TTL.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.lru.Add(key, entry[V]{value: value, createdAt: c.now(), ttl: ttl})
}

// SetIfGeneration сохраняет значение, если поколение не изменилось с gen.
// Возвращает false, если запись отброшена.
func (c *Cache[V]) SetIfGeneration(key string, value V, ttl time.Duration, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.lru.Add(key, entry[V]{value: value, createdAt: c.now(), ttl: ttl})
	return true
}

// Generation возвращает текущее поколение инвалидаций.
func (c *Cache[V]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Invalidate удаляет запись и начинает новое поколение.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Remove(key)
}

// Len возвращает количество записей, включая ещё не удалённые просроченные.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// ListingKey возвращает ключ кэша листинга директории: file_list_<md5(dir)>.
func ListingKey(dir string) string {
	sum := md5.Sum([]byte(dir)) //nolint:gosec
	return "file_list_" + hex.EncodeToString(sum[:])
}
