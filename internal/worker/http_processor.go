package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/resilience"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPProcessorConfig — конфигурация HTTPProcessor.
type HTTPProcessorConfig struct {
	// Name — имя зависимости для circuit breaker'а (default: host из URL).
	Name string `yaml:"name"`

	// URL — endpoint обработчика (обязательно).
	URL string `yaml:"url"`

	// Headers — дополнительные заголовки запроса.
	Headers map[string]string `yaml:"headers"`

	// Timeout — таймаут одного запроса (default: 30s).
	Timeout time.Duration `yaml:"timeout"`

	// Retry — локальные повторы временных ошибок.
	Retry resilience.RetryPolicy `yaml:"retry"`

	// Client — HTTP-клиент (для тестов).
	Client *http.Client `yaml:"-"`
}

// HTTPProcessor — KindProcessor, отправляющий job POST-запросом
// во внешний сервис.
//
// Тело запроса — JSON job. Заголовки:
//   - Content-Type: application/json
//   - Idempotency-Key: dedup key job
//   - X-Conveyor-Attempt: номер повторной отправки из pending ledger
//
// Классификация ответа:
//   - 2xx — успех
//   - 429, 503 — Overloaded (временная, сигнал давления)
//   - прочие 5xx и сетевые ошибки — Transient
//   - прочие 4xx — Invalid
type HTTPProcessor struct {
	name    string
	url     string
	headers map[string]string
	timeout time.Duration
	retry   resilience.RetryPolicy
	client  *http.Client
}

// NewHTTPProcessor создаёт HTTPProcessor.
func NewHTTPProcessor(cfg HTTPProcessorConfig) (*HTTPProcessor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrProcessorRequest)
	}

	name := cfg.Name
	if name == "" {
		req, err := http.NewRequest(http.MethodPost, cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: parse url: %v", ErrProcessorRequest, err)
		}
		name = req.URL.Host
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPProcessor{
		name:    name,
		url:     cfg.URL,
		headers: cfg.Headers,
		timeout: timeout,
		retry:   cfg.Retry,
		client:  client,
	}, nil
}

// Dependency возвращает имя зависимости.
func (p *HTTPProcessor) Dependency() string {
	return p.name
}

// Process отправляет job, повторяя временные ошибки согласно Retry.
func (p *HTTPProcessor) Process(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return resilience.Invalid("marshal job", err)
	}

	return resilience.Retry(ctx, p.retry, func(ctx context.Context) error {
		return p.post(ctx, job, body)
	})
}

// post выполняет один запрос.
func (p *HTTPProcessor) post(ctx context.Context, job *domain.Job, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return resilience.Invalid("create request", fmt.Errorf("%w: %v", ErrProcessorRequest, err))
	}

	for key, val := range p.headers {
		req.Header.Set(key, val)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.DedupKey)
	if job.AttemptHint > 0 {
		req.Header.Set("X-Conveyor-Attempt", fmt.Sprint(job.AttemptHint))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Отмена вызывающим — не ошибка зависимости
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		return resilience.Transient("post "+p.name, fmt.Errorf("%w: %v", ErrProcessorRequest, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyStatus(p.name, resp.StatusCode, respBody)
}

// classifyStatus переводит HTTP-код ответа в класс ошибки.
func classifyStatus(name string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	op := "post " + name
	err := fmt.Errorf("%w: HTTP %d: %s", ErrProcessorRequest, code, truncate(string(body), 200))

	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return resilience.Overloaded(op, err)
	case code >= 500:
		return resilience.Transient(op, err)
	default:
		return resilience.Invalid(op, err)
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
