package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yoshihisa11132/fileup/internal/lock"
	"github.com/yoshihisa11132/fileup/internal/storage/jsonfile"
)

// fakeClock — управляемый источник времени.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dir := t.TempDir()
	locker, err := lock.NewFileLocker(filepath.Join(dir, "locks"), logger)
	if err != nil {
		t.Fatalf("ошибка создания FileLocker: %v", err)
	}
	path := filepath.Join(dir, "state", "rate_limits.json")
	l := New(path, locker, 5*time.Second, logger)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l.SetClock(clock.Now)
	return l, clock, path
}

// TestAllow_FixedWindow: max=3, окно 60s — три допуска, четвёртый отказ,
// после истечения окна снова три допуска.
func TestAllow_FixedWindow(t *testing.T) {
	l, clock, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "203.0.113.7", 3, time.Minute)
		if err != nil {
			t.Fatalf("запрос %d: ошибка %v", i, err)
		}
		if !ok {
			t.Fatalf("запрос %d: ожидался допуск", i)
		}
		clock.Advance(time.Second)
	}

	ok, err := l.Allow(ctx, "203.0.113.7", 3, time.Minute)
	if err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	if ok {
		t.Fatal("четвёртый запрос в окне должен быть отклонён")
	}

	// Окно начато в 12:00:00, сейчас 12:00:03. Через 61s окно истекло.
	clock.Advance(61 * time.Second)
	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "203.0.113.7", 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("после сброса окна запрос %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "203.0.113.7", 3, time.Minute); ok {
		t.Fatal("четвёртый запрос нового окна должен быть отклонён")
	}
}

// TestAllow_RejectionDoesNotTouchState проверяет, что отказ не меняет счётчик.
func TestAllow_RejectionDoesNotTouchState(t *testing.T) {
	l, _, path := newTestLimiter(t)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "id", 1, time.Minute); !ok {
		t.Fatal("первый запрос должен быть допущен")
	}
	before, _ := os.ReadFile(path)

	if ok, _ := l.Allow(ctx, "id", 1, time.Minute); ok {
		t.Fatal("второй запрос должен быть отклонён")
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("отказ не должен переписывать состояние")
	}
}

// TestAllow_HashedKeys проверяет, что в состоянии хранятся только хэши.
func TestAllow_HashedKeys(t *testing.T) {
	l, _, path := newTestLimiter(t)

	if _, err := l.Allow(context.Background(), "api_ak_secret", 10, time.Hour); err != nil {
		t.Fatalf("ошибка: %v", err)
	}

	var state map[string]Window
	if err := jsonfile.Read(path, &state); err != nil {
		t.Fatalf("ошибка чтения состояния: %v", err)
	}
	w, ok := state[Key("api_ak_secret")]
	if !ok {
		t.Fatalf("ключ %s не найден в состоянии %v", Key("api_ak_secret"), state)
	}
	if w.Count != 1 {
		t.Errorf("Count: ожидалось 1, получено %d", w.Count)
	}
	if len(Key("x")) != 64 {
		t.Errorf("длина ключа: ожидалось 64, получено %d", len(Key("x")))
	}
}

// TestAllow_IndependentIdentifiers проверяет независимость счётчиков.
func TestAllow_IndependentIdentifiers(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "a", 1, time.Minute); !ok {
		t.Fatal("a: ожидался допуск")
	}
	if ok, _ := l.Allow(ctx, "b", 1, time.Minute); !ok {
		t.Fatal("b: лимит a не должен влиять на b")
	}
}

// TestAllow_CorruptStateIsEmpty проверяет, что повреждённый файл не фатален.
func TestAllow_CorruptStateIsEmpty(t *testing.T) {
	l, _, path := newTestLimiter(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	ok, err := l.Allow(context.Background(), "id", 2, time.Minute)
	if err != nil || !ok {
		t.Fatalf("ожидался допуск при повреждённом состоянии: ok=%v err=%v", ok, err)
	}
}

// TestAllow_ConcurrentNoLostUpdates проверяет точный учёт при параллельных вызовах.
func TestAllow_ConcurrentNoLostUpdates(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	const workers = 15
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(ctx, "shared", 10, time.Minute)
			if err != nil {
				t.Errorf("ошибка: %v", err)
				return
			}
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("допущено: ожидалось 10, получено %d", admitted)
	}
}

// TestCheckLimit проверяет упрощённую форму.
func TestCheckLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	if !l.CheckLimit("ip_delete", 1, 60) {
		t.Fatal("первый вызов должен быть допущен")
	}
	if l.CheckLimit("ip_delete", 1, 60) {
		t.Fatal("второй вызов должен быть отклонён")
	}
}

// TestPrune проверяет удаление старых окон.
func TestPrune(t *testing.T) {
	l, clock, _ := newTestLimiter(t)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "old", 5, time.Minute)
	clock.Advance(48 * time.Hour)
	_, _ = l.Allow(ctx, "fresh", 5, time.Minute)

	removed, err := l.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("ошибка Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("удалено: ожидалось 1, получено %d", removed)
	}
}
