// memory.go — MemoryLocker: именованные мьютексы внутри процесса.
package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker — Locker для single-instance развёртывания.
// Каждый ресурс — канал ёмкостью 1, что даёт захват с таймаутом и ctx.
// Слот удаляется, когда его не удерживает и не ждёт ни один вызов.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*memorySlot
}

// memorySlot — канал ресурса и число его удерживающих и ожидающих.
type memorySlot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker создаёт MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*memorySlot)}
}

// acquireSlot возвращает слот ресурса, создавая его при первом обращении.
func (l *MemoryLocker) acquireSlot(resource string) *memorySlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[resource]
	if !ok {
		s = &memorySlot{ch: make(chan struct{}, 1)}
		l.slots[resource] = s
	}
	s.refs++
	return s
}

// releaseSlot снимает ссылку на слот и удаляет неиспользуемый слот.
func (l *MemoryLocker) releaseSlot(resource string, s *memorySlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 && l.slots[resource] == s {
		delete(l.slots, resource)
	}
}

// Len возвращает количество слотов в памяти.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Acquire захватывает ресурс или возвращает ErrTimeout по истечении timeout.
func (l *MemoryLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error) {
	start := time.Now()
	s := l.acquireSlot(resource)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		observeWait(start, nil)
		return &memoryHandle{locker: l, slot: s, resource: resource}, nil
	case <-timer.C:
		l.releaseSlot(resource, s)
		observeWait(start, ErrTimeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.releaseSlot(resource, s)
		observeWait(start, ctx.Err())
		return nil, ctx.Err()
	}
}

// memoryHandle — удерживаемый слот MemoryLocker.
type memoryHandle struct {
	locker   *MemoryLocker
	slot     *memorySlot
	resource string
	once     sync.Once
}

// Release освобождает слот.
func (h *memoryHandle) Release() error {
	h.once.Do(func() {
		<-h.slot.ch
		h.locker.releaseSlot(h.resource, h.slot)
	})
	return nil
}

// Resource возвращает имя ресурса.
func (h *memoryHandle) Resource() string {
	return h.resource
}
