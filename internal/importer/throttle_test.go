package importer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
)

func TestAcquireRelease(t *testing.T) {
	th := NewThrottle(2, 3, time.Minute)
	th.RegisterSupplier("davi", 1)

	permit, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if got := th.Snapshot().InProgress; got != 1 {
		t.Errorf("in progress = %d, want 1", got)
	}

	permit.Release()
	if got := th.Snapshot().InProgress; got != 0 {
		t.Errorf("in progress after release = %d, want 0", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	th := NewThrottle(1, 3, time.Minute)
	th.RegisterSupplier("davi", 1)

	permit, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	permit.Release()
	permit.Release()
	permit.Release()

	// Повторные Release не должны вернуть лишних разрешений
	first, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(ctx, "davi"); err == nil {
		t.Fatal("second acquire must block on a single-permit pool")
	}
}

func TestSupplierPoolLimits(t *testing.T) {
	th := NewThrottle(10, 3, time.Minute)
	th.RegisterSupplier("davi", 1)

	permit, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer permit.Release()

	// Пул поставщика исчерпан, глобальный пул свободен
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(ctx, "davi"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// Другой поставщик не ограничен чужим пулом
	other, err := th.Acquire(context.Background(), "ddaudio")
	if err != nil {
		t.Fatalf("Acquire for another supplier: %v", err)
	}
	other.Release()
}

func TestGlobalPoolLimits(t *testing.T) {
	th := NewThrottle(1, 3, time.Minute)
	th.RegisterSupplier("davi", 5)
	th.RegisterSupplier("ddaudio", 5)

	permit, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(ctx, "ddaudio"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on global pool, got %v", err)
	}

	permit.Release()

	// После освобождения глобальное разрешение доступно другому поставщику
	next, err := th.Acquire(context.Background(), "ddaudio")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	next.Release()
}

func TestPermitBoundsUnderConcurrentLoad(t *testing.T) {
	const (
		global      = 4
		perSupplier = 3
		workers     = 40
	)

	th := NewThrottle(global, 3, time.Minute)
	th.RegisterSupplier("davi", perSupplier)
	th.RegisterSupplier("ddaudio", perSupplier)

	var totalHeld, totalPeak atomic.Int64
	held := map[string]*atomic.Int64{"davi": {}, "ddaudio": {}}
	peak := map[string]*atomic.Int64{"davi": {}, "ddaudio": {}}

	observe := func(held, peak *atomic.Int64) {
		n := held.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				return
			}
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		id := "davi"
		if i%2 == 1 {
			id = "ddaudio"
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			permit, err := th.Acquire(context.Background(), id)
			if err != nil {
				t.Errorf("Acquire(%s): %v", id, err)
				return
			}
			observe(held[id], peak[id])
			observe(&totalHeld, &totalPeak)

			time.Sleep(time.Millisecond)

			totalHeld.Add(-1)
			held[id].Add(-1)
			permit.Release()
		}(id)
	}
	wg.Wait()

	for id, p := range peak {
		if got := p.Load(); got > perSupplier {
			t.Errorf("%s held %d permits at peak, pool size is %d", id, got, perSupplier)
		}
	}
	if got := totalPeak.Load(); got > global {
		t.Errorf("global peak = %d, pool size is %d", got, global)
	}
	if snap := th.Snapshot(); snap.InProgress != 0 {
		t.Errorf("in progress after drain = %d, want 0", snap.InProgress)
	}
}

func TestCancelledAcquireLeaksNothing(t *testing.T) {
	th := NewThrottle(1, 3, time.Minute)
	th.RegisterSupplier("davi", 5)

	permit, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Ожидание глобального разрешения отменяется, разрешение поставщика
	// должно вернуться в пул
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := th.Acquire(ctx, "davi"); err == nil {
		t.Fatal("expected cancelled acquire to fail")
	}

	permit.Release()

	got, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire after cancellation: %v", err)
	}
	got.Release()

	if snap := th.Snapshot(); snap.InProgress != 0 || snap.Enqueued != 0 {
		t.Errorf("counters after drain = %+v", snap)
	}
}

func TestSuspensionAfterRetryBudget(t *testing.T) {
	th := NewThrottle(4, 3, time.Minute)
	th.RegisterSupplier("davi", 2)

	th.Fail("davi")
	th.Fail("davi")

	// Бюджет еще не исчерпан
	if _, suspended := th.SuspendedUntil("davi"); suspended {
		t.Fatal("supplier must not be suspended before the budget is spent")
	}

	th.Fail("davi")

	until, suspended := th.SuspendedUntil("davi")
	if !suspended {
		t.Fatal("supplier must be suspended after the third failure")
	}
	if !until.After(time.Now()) {
		t.Errorf("suspension deadline %s is not in the future", until)
	}

	// Acquire отказывает сразу, не расходуя разрешений
	var se *models.SupplierSuspendedError
	if _, err := th.Acquire(context.Background(), "davi"); !errors.As(err, &se) {
		t.Fatalf("expected SupplierSuspendedError, got %v", err)
	}

	if got := th.Snapshot().Suspended; got != 1 {
		t.Errorf("suspended counter = %d, want 1", got)
	}
}

func TestResumeClearsSuspension(t *testing.T) {
	th := NewThrottle(4, 1, time.Hour)
	th.RegisterSupplier("davi", 1)

	th.Fail("davi")
	if _, suspended := th.SuspendedUntil("davi"); !suspended {
		t.Fatal("supplier must be suspended")
	}

	th.Resume("davi")

	permit, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire after resume: %v", err)
	}
	permit.Release()

	if got := th.Snapshot().Suspended; got != 0 {
		t.Errorf("suspended counter = %d, want 0", got)
	}
}

func TestCooldownExpiresLazily(t *testing.T) {
	th := NewThrottle(4, 1, 20*time.Millisecond)
	th.RegisterSupplier("davi", 1)

	th.Fail("davi")
	time.Sleep(40 * time.Millisecond)

	permit, err := th.Acquire(context.Background(), "davi")
	if err != nil {
		t.Fatalf("Acquire after cooldown: %v", err)
	}
	permit.Release()

	if got := th.Snapshot().Suspended; got != 0 {
		t.Errorf("suspended counter after cooldown = %d, want 0", got)
	}
}

func TestSucceedResetsFailureStreak(t *testing.T) {
	th := NewThrottle(4, 2, time.Hour)
	th.RegisterSupplier("davi", 1)

	th.Fail("davi")
	th.Succeed("davi")
	th.Fail("davi")

	if _, suspended := th.SuspendedUntil("davi"); suspended {
		t.Fatal("success must reset the failure streak")
	}
}
