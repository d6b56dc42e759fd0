package importer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
	"golang.org/x/sync/semaphore"
)

// DefaultSupplierPermits размер пула поставщика, если конфигурация его не задает
const DefaultSupplierPermits = 1

// Permit представляет удержанные разрешения импорта.
// Release можно вызывать сколько угодно раз, разрешения вернутся ровно один раз.
type Permit struct {
	once    sync.Once
	release func()
}

// Release возвращает разрешения в пулы
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// Counters срез счетчиков троттла для монитора
type Counters struct {
	InProgress int64 // импорты, удерживающие разрешения
	Enqueued   int64 // импорты, ожидающие разрешения
	Suspended  int64 // приостановленные поставщики
	Failed     int64 // неудачные запуски с момента старта процесса
}

// supplierState состояние одного поставщика под мьютексом троттла
type supplierState struct {
	sem            *semaphore.Weighted
	failures       int
	suspendedUntil time.Time
}

// Throttle ограничивает параллелизм конвейера импорта двумя уровнями пулов:
// пул поставщика и глобальный пул. Acquire блокируется, пока не удержит
// разрешения обоих, так что действует более строгое из двух ограничений.
type Throttle struct {
	global      *semaphore.Weighted
	retryBudget int
	cooldown    time.Duration

	mu        sync.Mutex
	suppliers map[string]*supplierState

	inProgress atomic.Int64
	enqueued   atomic.Int64
	suspended  atomic.Int64
	failed     atomic.Int64
}

// NewThrottle создает троттл с глобальным пулом на globalPermits разрешений.
// retryBudget задает число последовательных неудач до приостановки поставщика,
// cooldown - период охлаждения приостановленного поставщика.
func NewThrottle(globalPermits, retryBudget int, cooldown time.Duration) *Throttle {
	if globalPermits < 1 {
		globalPermits = 1
	}
	if retryBudget < 1 {
		retryBudget = 1
	}
	return &Throttle{
		global:      semaphore.NewWeighted(int64(globalPermits)),
		retryBudget: retryBudget,
		cooldown:    cooldown,
		suppliers:   make(map[string]*supplierState),
	}
}

// RegisterSupplier создает пул поставщика на permits разрешений.
// Незарегистрированный поставщик получает пул размером по умолчанию
// при первом Acquire.
func (t *Throttle) RegisterSupplier(supplierID string, permits int) {
	if permits < 1 {
		permits = DefaultSupplierPermits
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.suppliers[supplierID]; !ok {
		t.suppliers[supplierID] = &supplierState{
			sem: semaphore.NewWeighted(int64(permits)),
		}
	}
}

func (t *Throttle) state(supplierID string) *supplierState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.suppliers[supplierID]
	if !ok {
		st = &supplierState{sem: semaphore.NewWeighted(DefaultSupplierPermits)}
		t.suppliers[supplierID] = st
	}
	return st
}

// Acquire удерживает разрешение поставщика, затем глобальное разрешение.
// Для приостановленного поставщика возвращает SupplierSuspendedError сразу,
// не расходуя разрешений. Отмена контекста освобождает все удержанное.
func (t *Throttle) Acquire(ctx context.Context, supplierID string) (*Permit, error) {
	st := t.state(supplierID)

	// Истекшее охлаждение снимается лениво при следующем Acquire
	t.mu.Lock()
	if !st.suspendedUntil.IsZero() {
		if time.Now().Before(st.suspendedUntil) {
			until := st.suspendedUntil
			t.mu.Unlock()
			return nil, &models.SupplierSuspendedError{SupplierID: supplierID, Until: until}
		}
		st.suspendedUntil = time.Time{}
		st.failures = 0
		t.suspended.Add(-1)
	}
	t.mu.Unlock()

	t.enqueued.Add(1)
	defer t.enqueued.Add(-1)

	if err := st.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire supplier permit: %w", err)
	}

	if err := t.global.Acquire(ctx, 1); err != nil {
		st.sem.Release(1)
		return nil, fmt.Errorf("failed to acquire global permit: %w", err)
	}

	t.inProgress.Add(1)

	return &Permit{
		release: func() {
			t.global.Release(1)
			st.sem.Release(1)
			t.inProgress.Add(-1)
		},
	}, nil
}

// Fail регистрирует неудачный запуск поставщика.
// Исчерпание бюджета повторов приостанавливает поставщика до конца охлаждения.
func (t *Throttle) Fail(supplierID string) {
	t.failed.Add(1)

	st := t.state(supplierID)

	t.mu.Lock()
	defer t.mu.Unlock()
	st.failures++
	if st.failures >= t.retryBudget && st.suspendedUntil.IsZero() {
		st.suspendedUntil = time.Now().Add(t.cooldown)
		t.suspended.Add(1)
	}
}

// Succeed сбрасывает серию неудач поставщика
func (t *Throttle) Succeed(supplierID string) {
	st := t.state(supplierID)

	t.mu.Lock()
	defer t.mu.Unlock()
	st.failures = 0
}

// Resume вручную снимает приостановку поставщика
func (t *Throttle) Resume(supplierID string) {
	st := t.state(supplierID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !st.suspendedUntil.IsZero() {
		st.suspendedUntil = time.Time{}
		st.failures = 0
		t.suspended.Add(-1)
	}
}

// SuspendedUntil возвращает срок приостановки поставщика, если она действует
func (t *Throttle) SuspendedUntil(supplierID string) (time.Time, bool) {
	st := t.state(supplierID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if st.suspendedUntil.IsZero() || time.Now().After(st.suspendedUntil) {
		return time.Time{}, false
	}
	return st.suspendedUntil, true
}

// Snapshot возвращает текущие значения счетчиков
func (t *Throttle) Snapshot() Counters {
	return Counters{
		InProgress: t.inProgress.Load(),
		Enqueued:   t.enqueued.Load(),
		Suspended:  t.suspended.Load(),
		Failed:     t.failed.Load(),
	}
}
