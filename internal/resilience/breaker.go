package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// State — состояние circuit breaker.
//
// Жизненный цикл:
//
//	Closed → Open (FailureThreshold ошибок в окне FailureWindow)
//	Open → HalfOpen (прошёл OpenTimeout)
//	HalfOpen → Closed (SuccessThreshold успехов подряд)
//	HalfOpen → Open (любая ошибка)
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String возвращает имя состояния.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig — конфигурация breaker'а.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`

	// Now — источник времени (для тестов). По умолчанию time.Now.
	Now func() time.Time `yaml:"-"`

	// OnStateChange вызывается после каждого перехода, вне блокировки.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// DefaultBreakerConfig возвращает конфигурацию по умолчанию.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		OpenTimeout:      15 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// BreakerSnapshot — снимок состояния для API и метрик.
type BreakerSnapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
}

// Breaker — circuit breaker одной внешней зависимости.
// Потокобезопасен.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     State
	failures  []time.Time // времена учтённых ошибок в Closed
	successes int         // успехи подряд в HalfOpen
	trials    int         // активные пробные вызовы в HalfOpen
	openedAt  time.Time
	gen       uint64 // растёт при каждом переходе
}

// NewBreaker создаёт breaker в состоянии Closed.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
	}
}

// Name возвращает имя зависимости.
func (b *Breaker) Name() string {
	return b.name
}

// State возвращает текущее состояние с учётом истёкшего OpenTimeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	var tr *transition
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		tr = b.setState(StateHalfOpen)
	}
	state := b.state
	b.mu.Unlock()

	b.notify(tr)
	return state
}

// Snapshot возвращает снимок состояния.
func (b *Breaker) Snapshot() BreakerSnapshot {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:                 b.name,
		State:                state.String(),
		ConsecutiveFailures:  len(b.failures),
		ConsecutiveSuccesses: b.successes,
		OpenedAt:             b.openedAt,
	}
}

// Call выполняет op через breaker.
//
// В состоянии Open возвращает ошибку класса CircuitOpen, не вызывая op.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	gen, trial, err := b.allow()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.record(gen, trial, opErr)
	return opErr
}

type transition struct {
	from, to State
}

// allow решает, пропускать ли вызов.
func (b *Breaker) allow() (gen uint64, trial bool, err error) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return 0, false, &Error{Kind: KindCircuitOpen, Op: b.name, Err: ErrCircuitOpen}
		}
		tr = b.setState(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.trials >= b.cfg.HalfOpenMaxCalls {
			return 0, false, &Error{Kind: KindCircuitOpen, Op: b.name, Err: ErrCircuitOpen}
		}
		b.trials++
		return b.gen, true, nil
	}

	return b.gen, false, nil
}

// record учитывает результат вызова.
// Результаты вызовов, начатых до последнего перехода, игнорируются.
func (b *Breaker) record(gen uint64, trial bool, err error) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	if gen != b.gen {
		return
	}

	counted := countsAsFailure(err)

	switch b.state {
	case StateClosed:
		if counted {
			now := b.cfg.Now()
			b.failures = append(b.failures, now)
			b.pruneFailures(now)
			if len(b.failures) >= b.cfg.FailureThreshold {
				tr = b.setState(StateOpen)
			}
		} else if err == nil {
			b.failures = b.failures[:0]
		}

	case StateHalfOpen:
		if trial && b.trials > 0 {
			b.trials--
		}
		if counted {
			tr = b.setState(StateOpen)
			return
		}
		if err == nil {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				tr = b.setState(StateClosed)
			}
		}
	}
}

// pruneFailures оставляет только ошибки внутри скользящего окна.
func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// setState выполняет переход. Вызывается под блокировкой.
func (b *Breaker) setState(to State) *transition {
	from := b.state
	if from == to {
		return nil
	}

	b.state = to
	b.gen++
	b.successes = 0
	b.trials = 0
	b.failures = b.failures[:0]

	if to == StateOpen {
		b.openedAt = b.cfg.Now()
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(tr *transition) {
	if tr != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, tr.from, tr.to)
	}
}

// countsAsFailure определяет, учитывается ли ошибка в пороге breaker'а.
// Invalid, CircuitOpen и отмена контекста — нейтральны.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindExhausted:
		return true
	default:
		return false
	}
}

// BreakerRegistry — набор breaker'ов по имени зависимости.
//
// Создаётся один раз на процесс и передаётся в Worker явно.
type BreakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry создаёт пустой реестр.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get возвращает breaker зависимости, создавая его при первом обращении.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Call выполняет op через breaker зависимости name.
func (r *BreakerRegistry) Call(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.Get(name).Call(ctx, op)
}

// Snapshots возвращает снимки всех breaker'ов, отсортированные по имени.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
