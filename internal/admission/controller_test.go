package admission

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"
)

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestController(cfg Config) (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now
	return New(cfg), clock
}

// --- AIMD Tests ---

func TestController_PressureHalves(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 32, Initial: 16, DecreaseFactor: 0.5, IncreaseAfter: 3})

	c.Report(SignalPressure)
	if c.Limit() != 8 {
		t.Errorf("expected 8, got %d", c.Limit())
	}
	c.Report(SignalPressure)
	if c.Limit() != 4 {
		t.Errorf("expected 4, got %d", c.Limit())
	}
}

func TestController_PressureConvergesToFloor(t *testing.T) {
	c, _ := newTestController(Config{Floor: 2, Ceiling: 64, Initial: 64, DecreaseFactor: 0.9, IncreaseAfter: 3})

	// 0.9 от 64 даёт медленное снижение, но оно всегда строго убывает
	for i := 0; i < 64; i++ {
		c.Report(SignalPressure)
	}
	if c.Limit() != 2 {
		t.Errorf("expected floor 2, got %d", c.Limit())
	}
}

func TestController_AdditiveIncreaseAfterStreak(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 10, Initial: 2, IncreaseAfter: 3})

	c.Report(SignalSuccess)
	c.Report(SignalSuccess)
	if c.Limit() != 2 {
		t.Errorf("expected 2 before streak completes, got %d", c.Limit())
	}
	c.Report(SignalSuccess)
	if c.Limit() != 3 {
		t.Errorf("expected 3, got %d", c.Limit())
	}
}

func TestController_NeutralDoesNotBreakStreak(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 10, Initial: 2, IncreaseAfter: 2})

	c.Report(SignalSuccess)
	c.Report(SignalNeutral)
	c.Report(SignalSuccess)
	if c.Limit() != 3 {
		t.Errorf("expected 3, got %d", c.Limit())
	}
}

func TestController_CooldownBlocksIncrease(t *testing.T) {
	c, clock := newTestController(Config{Floor: 1, Ceiling: 10, Initial: 8, IncreaseAfter: 1, Cooldown: time.Minute})

	c.Report(SignalPressure)
	c.Report(SignalSuccess)
	c.Report(SignalSuccess)
	if c.Limit() != 4 {
		t.Errorf("increase must wait for cooldown, got %d", c.Limit())
	}

	clock.Advance(time.Minute)
	c.Report(SignalSuccess)
	if c.Limit() != 5 {
		t.Errorf("expected 5 after cooldown, got %d", c.Limit())
	}
}

func TestController_DecreaseDuringCooldown(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 16, Initial: 16, Cooldown: time.Hour})

	c.Report(SignalPressure)
	c.Report(SignalPressure)
	if c.Limit() != 4 {
		t.Errorf("decreases are never suppressed, got %d", c.Limit())
	}
}

func TestController_BoundsUnderRandomSignals(t *testing.T) {
	c, clock := newTestController(Config{Floor: 2, Ceiling: 12, Initial: 6, IncreaseAfter: 2, Cooldown: time.Second})
	r := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 5000; i++ {
		switch r.IntN(3) {
		case 0:
			c.Report(SignalPressure)
		case 1:
			c.Report(SignalSuccess)
		default:
			c.Report(SignalNeutral)
		}
		clock.Advance(time.Duration(r.IntN(500)) * time.Millisecond)

		if l := c.Limit(); l < 2 || l > 12 {
			t.Fatalf("step %d: limit %d out of bounds", i, l)
		}
	}
}

// --- Permit Tests ---

func TestController_AcquireBlocksAtLimit(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 4, Initial: 2})
	ctx := context.Background()

	p1, _ := c.Acquire(ctx)
	p2, _ := c.Acquire(ctx)

	got := make(chan *Permit, 1)
	go func() {
		p, err := c.Acquire(ctx)
		if err == nil {
			got <- p
		}
	}()

	select {
	case <-got:
		t.Fatal("third acquire should block")
	case <-time.After(20 * time.Millisecond):
	}

	p1.Release(SignalNeutral)

	select {
	case p3 := <-got:
		p3.Release(SignalNeutral)
	case <-time.After(time.Second):
		t.Fatal("third acquire should proceed after release")
	}
	p2.Release(SignalNeutral)

	if s := c.Snapshot(); s.InFlight != 0 || s.Waiting != 0 {
		t.Errorf("unexpected snapshot %+v", s)
	}
}

func TestController_ReleaseIsIdempotent(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 4, Initial: 2})

	p, _ := c.Acquire(context.Background())
	p.Release(SignalNeutral)
	p.Release(SignalNeutral)

	if s := c.Snapshot(); s.InFlight != 0 {
		t.Errorf("expected 0 in flight, got %d", s.InFlight)
	}
}

func TestController_AcquireCancelled(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 1, Initial: 1})

	p, _ := c.Acquire(context.Background())
	defer p.Release(SignalNeutral)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if s := c.Snapshot(); s.Waiting != 0 {
		t.Errorf("cancelled waiter must be removed, got %d", s.Waiting)
	}
}

func TestController_DecreaseKeepsInFlight(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 8, Initial: 4})
	ctx := context.Background()

	var permits []*Permit
	for i := 0; i < 4; i++ {
		p, _ := c.Acquire(ctx)
		permits = append(permits, p)
	}

	c.Report(SignalPressure)

	s := c.Snapshot()
	if s.Limit != 2 || s.InFlight != 4 {
		t.Fatalf("expected limit 2 with 4 in flight, got %+v", s)
	}

	// Освобождение двух разрешений ещё не даёт места новому
	permits[0].Release(SignalNeutral)
	permits[1].Release(SignalNeutral)

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(tctx); err == nil {
		t.Error("acquire should block while in-flight >= limit")
	}

	permits[2].Release(SignalNeutral)
	p, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release(SignalNeutral)
	permits[3].Release(SignalNeutral)
}

func TestController_FIFO(t *testing.T) {
	c, _ := newTestController(Config{Floor: 1, Ceiling: 1, Initial: 1})
	ctx := context.Background()

	holder, _ := c.Acquire(ctx)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			p, err := c.Acquire(ctx)
			if err != nil {
				return
			}
			order <- i
			p.Release(SignalNeutral)
		}()
		// Дожидаемся постановки в очередь
		for c.Snapshot().Waiting != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	holder.Release(SignalNeutral)

	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("expected waiter %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("waiters did not proceed")
		}
	}
}

func TestController_OnChange(t *testing.T) {
	var mu sync.Mutex
	var last Snapshot
	c := New(Config{Floor: 1, Ceiling: 4, Initial: 4, OnChange: func(s Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	}})

	c.Report(SignalPressure)

	mu.Lock()
	defer mu.Unlock()
	if last.Limit != 2 {
		t.Errorf("expected hook with limit 2, got %+v", last)
	}
}
