package admission

import (
	"context"
	"math"
	"sync"
	"time"
)

// Signal — исход задачи, влияющий на лимит.
type Signal int

const (
	// SignalNeutral — лимит не меняется (фатальная ошибка, open breaker).
	SignalNeutral Signal = iota

	// SignalSuccess — задача завершилась успешно, зависимость не перегружена.
	SignalSuccess

	// SignalPressure — зависимость сообщила о перегрузке (HTTP 429/503).
	SignalPressure
)

// String возвращает имя сигнала.
func (s Signal) String() string {
	switch s {
	case SignalSuccess:
		return "success"
	case SignalPressure:
		return "pressure"
	default:
		return "neutral"
	}
}

// Config — параметры AIMD.
type Config struct {
	// Floor — минимальный лимит, не меньше 1.
	Floor int `yaml:"floor"`

	// Ceiling — максимальный лимит.
	Ceiling int `yaml:"ceiling"`

	// Initial — стартовый лимит.
	Initial int `yaml:"initial"`

	// IncreaseAfter — сколько успехов подряд нужно для +1.
	IncreaseAfter int `yaml:"increase_after"`

	// DecreaseFactor — множитель при давлении, в (0, 1).
	DecreaseFactor float64 `yaml:"decrease_factor"`

	// Cooldown — пауза после снижения, в течение которой лимит не растёт.
	Cooldown time.Duration `yaml:"cooldown"`

	// Now — источник времени (для тестов).
	Now func() time.Time `yaml:"-"`

	// OnChange вызывается после каждого изменения состояния, вне блокировки.
	OnChange func(Snapshot) `yaml:"-"`
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		Floor:          1,
		Ceiling:        16,
		Initial:        4,
		IncreaseAfter:  10,
		DecreaseFactor: 0.5,
		Cooldown:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Floor < 1 {
		c.Floor = d.Floor
	}
	if c.Ceiling <= 0 {
		c.Ceiling = d.Ceiling
	}
	if c.Ceiling < c.Floor {
		c.Ceiling = c.Floor
	}
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	c.Initial = clamp(c.Initial, c.Floor, c.Ceiling)
	if c.IncreaseAfter <= 0 {
		c.IncreaseAfter = d.IncreaseAfter
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = d.DecreaseFactor
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Snapshot — текущее состояние контроллера.
type Snapshot struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
	Waiting  int `json:"waiting"`
	Floor    int `json:"floor"`
	Ceiling  int `json:"ceiling"`
}

// Controller — пул разрешений с AIMD-лимитом.
//
// Снижение лимита не прерывает уже выданные разрешения:
// оно влияет только на следующие Acquire.
type Controller struct {
	cfg Config

	mu            sync.Mutex
	limit         int
	inFlight      int
	streak        int
	cooldownUntil time.Time
	waiters       []chan struct{} // FIFO
}

// New создаёт контроллер.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:   cfg,
		limit: cfg.Initial,
	}
}

// Permit — выданное разрешение. Release освобождает его ровно один раз.
type Permit struct {
	c    *Controller
	once sync.Once
}

// Release возвращает разрешение и сообщает исход задачи.
// Повторные вызовы игнорируются.
func (p *Permit) Release(sig Signal) {
	p.once.Do(func() {
		p.c.release(sig)
	})
}

// Acquire блокируется до появления свободного разрешения или отмены ctx.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.inFlight < c.limit && len(c.waiters) == 0 {
		c.inFlight++
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return &Permit{c: c}, nil
	}

	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return &Permit{c: c}, nil
	case <-ctx.Done():
		c.mu.Lock()
		if !c.removeWaiterLocked(ch) {
			// Разрешение уже выдано одновременно с отменой: возвращаем
			c.inFlight--
			c.dispatchLocked()
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return nil, ctx.Err()
	}
}

// Report сообщает сигнал вне жизненного цикла разрешения.
func (c *Controller) Report(sig Signal) {
	c.mu.Lock()
	c.applyLocked(sig)
	c.dispatchLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// Limit возвращает текущий лимит.
func (c *Controller) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Snapshot возвращает текущее состояние.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) release(sig Signal) {
	c.mu.Lock()
	c.inFlight--
	c.applyLocked(sig)
	c.dispatchLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// applyLocked применяет сигнал к лимиту.
func (c *Controller) applyLocked(sig Signal) {
	now := c.cfg.Now()

	switch sig {
	case SignalPressure:
		next := int(math.Floor(float64(c.limit) * c.cfg.DecreaseFactor))
		if next >= c.limit {
			next = c.limit - 1
		}
		c.limit = clamp(next, c.cfg.Floor, c.cfg.Ceiling)
		c.streak = 0
		c.cooldownUntil = now.Add(c.cfg.Cooldown)

	case SignalSuccess:
		c.streak++
		if c.streak >= c.cfg.IncreaseAfter && !now.Before(c.cooldownUntil) {
			if c.limit < c.cfg.Ceiling {
				c.limit++
			}
			c.streak = 0
		}
	}
}

// dispatchLocked выдаёт разрешения ожидающим в порядке очереди.
func (c *Controller) dispatchLocked() {
	for c.inFlight < c.limit && len(c.waiters) > 0 {
		ch := c.waiters[0]
		c.waiters[0] = nil
		c.waiters = c.waiters[1:]
		c.inFlight++
		close(ch)
	}
}

func (c *Controller) removeWaiterLocked(ch chan struct{}) bool {
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Limit:    c.limit,
		InFlight: c.inFlight,
		Waiting:  len(c.waiters),
		Floor:    c.cfg.Floor,
		Ceiling:  c.cfg.Ceiling,
	}
}

func (c *Controller) notify(s Snapshot) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(s)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
