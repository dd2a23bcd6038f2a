package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy — параметры ограниченного экспоненциального backoff.
type RetryPolicy struct {
	// MaxAttempts — общее количество попыток, включая первую.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay — задержка перед второй попыткой.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay — верхняя граница задержки.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier — множитель роста задержки.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter — доля случайного разброса, задержка умножается на [1-Jitter, 1+Jitter].
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy возвращает политику по умолчанию.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// withDefaults подставляет значения по умолчанию для нулевых полей.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// jitterSource — источник случайных чисел в [0, 1). Подменяется в тестах.
var jitterSource = rand.Float64

// Backoff вычисляет задержку перед попыткой attempt+1:
// min(MaxDelay, InitialDelay * Multiplier^(attempt-1)) * (1 ± Jitter).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*(2*jitterSource()-1)
	}

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retry выполняет op, повторяя временные ошибки согласно политике.
//
// Ошибки Invalid, Exhausted, CircuitOpen и ошибки контекста
// возвращаются сразу. При исчерпании попыток возвращается последняя
// ошибка без изменений: решение о redelivery принимает вызывающий.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryValue — вариант Retry для операций, возвращающих значение.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()

	var zero T
	var lastErr error

	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}

		if attempt >= policy.MaxAttempts {
			return zero, lastErr
		}

		// Ждём с учётом context
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}
