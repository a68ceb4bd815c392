package softphone

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationTimers управляет именованными таймерами незавершённых операций.
//
// Каждая асинхронная операция ядра (регистрация, подтверждение вызова,
// удержание) ставит таймер со своим ключом; подтверждающее событие снимает
// его, истечение вызывает колбэк ровно один раз. Повторная установка с тем
// же ключом отменяет предыдущий таймер.
//
// КРИТИЧНО: колбэк выполняется в горутине таймера; он обязан освобождать
// guard-флаг операции, иначе операция останется навсегда "в полёте".
type OperationTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	created   atomic.Int64
	fired     atomic.Int64
	cancelled atomic.Int64
}

// NewOperationTimers создаёт менеджер таймеров.
func NewOperationTimers() *OperationTimers {
	return &OperationTimers{timers: make(map[string]*time.Timer)}
}

// Set ставит таймер операции. Существующий таймер с тем же ключом
// отменяется без вызова его колбэка.
func (t *OperationTimers) Set(id string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.timers[id]; ok {
		prev.Stop()
		t.cancelled.Add(1)
	}

	t.timers[id] = time.AfterFunc(d, func() {
		t.mu.Lock()
		_, live := t.timers[id]
		if live {
			delete(t.timers, id)
		}
		t.mu.Unlock()

		// Гонка истечения с Cancel решается в пользу Cancel
		if !live {
			return
		}
		t.fired.Add(1)
		if fn != nil {
			fn()
		}
	})
	t.created.Add(1)
}

// Cancel снимает таймер операции. Возвращает true, если таймер был активен.
func (t *OperationTimers) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer, ok := t.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, id)
	t.cancelled.Add(1)
	return true
}

// CancelPrefix снимает все таймеры, ключ которых начинается с prefix.
// Используется при сносе вызова: один вызов владеет несколькими таймерами.
func (t *OperationTimers) CancelPrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, timer := range t.timers {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			timer.Stop()
			delete(t.timers, id)
			n++
		}
	}
	t.cancelled.Add(int64(n))
	return n
}

// Stop снимает все таймеры.
func (t *OperationTimers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
		t.cancelled.Add(1)
	}
}

// Active возвращает число активных таймеров.
func (t *OperationTimers) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stats возвращает счётчики созданных, сработавших и отменённых таймеров.
func (t *OperationTimers) Stats() (created, fired, cancelled int64) {
	return t.created.Load(), t.fired.Load(), t.cancelled.Load()
}
