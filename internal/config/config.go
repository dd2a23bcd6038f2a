package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Conveyor/internal/admission"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/reconcile"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

// EnvConfigPath — переменная окружения с путём к YAML-файлу.
const EnvConfigPath = "CONVEYOR_CONFIG"

var ErrInvalidConfig = errors.New("invalid config")

// Config — корневая конфигурация всех процессов Conveyor.
type Config struct {
	Database   repo.Config         `yaml:"database"`
	Broker     BrokerConfig        `yaml:"broker"`
	Scanner    ScannerConfig       `yaml:"scanner"`
	Reconciler ReconcilerConfig    `yaml:"reconciler"`
	Worker     WorkerConfig        `yaml:"worker"`
	Status     StatusConfig        `yaml:"status"`
	HTTP       HTTPConfig          `yaml:"http"`
	Log        telemetry.LogConfig `yaml:"log"`

	// LeaderLock — выполнять циклы scheduler только держателем advisory lock.
	LeaderLock bool `yaml:"leader_lock"`
}

// BrokerConfig — подключение к RabbitMQ и настройки очередей.
type BrokerConfig struct {
	URL            string        `yaml:"url"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// Queues — настройки work.{kind} по имени kind.
	Queues map[string]mq.QueueConfig `yaml:"queues"`
}

// ScannerConfig — параметры цикла scanner.
type ScannerConfig struct {
	Schedule     string                 `yaml:"schedule"`
	BatchSize    int                    `yaml:"batch_size"`
	MaxRetries   int                    `yaml:"max_retries"`
	PublishRetry resilience.RetryPolicy `yaml:"publish_retry"`
	FetchRetry   resilience.RetryPolicy `yaml:"fetch_retry"`
}

// ReconcilerConfig — параметры цикла reconciliation.
type ReconcilerConfig struct {
	Schedule           string                 `yaml:"schedule"`
	BatchSize          int                    `yaml:"batch_size"`
	Lease              time.Duration          `yaml:"lease"`
	PublishTimeout     time.Duration          `yaml:"publish_timeout"`
	StalenessThreshold time.Duration          `yaml:"staleness_threshold"`
	Retention          time.Duration          `yaml:"retention"`
	OrphanPolicy       string                 `yaml:"orphan_policy"`
	Backoff            resilience.RetryPolicy `yaml:"backoff"`
}

// WorkerConfig — параметры worker.
type WorkerConfig struct {
	Admission       admission.Config         `yaml:"admission"`
	Breaker         resilience.BreakerConfig `yaml:"breaker"`
	Retry           resilience.RetryPolicy   `yaml:"retry"`
	ShutdownGrace   time.Duration            `yaml:"shutdown_grace"`
	DeadLetterFatal bool                     `yaml:"dead_letter_fatal"`

	// Processors — HTTP endpoint обработчика по имени kind.
	Processors map[string]worker.HTTPProcessorConfig `yaml:"processors"`
}

// StatusConfig — параметры status-событий.
type StatusConfig struct {
	MessageTTL     time.Duration `yaml:"message_ttl"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// HTTPConfig — порты HTTP-серверов процессов.
type HTTPConfig struct {
	APIPort       string `yaml:"api_port"`
	SchedulerPort string `yaml:"scheduler_port"`
	WorkerPort    string `yaml:"worker_port"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	queues := make(map[string]mq.QueueConfig, len(domain.Kinds()))
	for _, kind := range domain.Kinds() {
		queues[string(kind)] = mq.DefaultQueueConfig()
	}

	return &Config{
		Database: repo.Config{
			URL:               repo.DefaultURL(),
			MaxConns:          10,
			HealthCheckPeriod: 30 * time.Second,
			ConnectTimeout:    5 * time.Second,
		},
		Broker: BrokerConfig{
			URL:            mq.DefaultURL(),
			DedupWindow:    time.Hour,
			PublishTimeout: 5 * time.Second,
			Queues:         queues,
		},
		Scanner: ScannerConfig{
			Schedule:     "@every 30s",
			BatchSize:    100,
			MaxRetries:   5,
			PublishRetry: resilience.RetryPolicy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.2},
			FetchRetry:   resilience.DefaultRetryPolicy(),
		},
		Reconciler: ReconcilerConfig{
			Schedule:           "@every 1m",
			BatchSize:          100,
			Lease:              5 * time.Minute,
			PublishTimeout:     10 * time.Second,
			StalenessThreshold: 30 * time.Minute,
			Retention:          7 * 24 * time.Hour,
			OrphanPolicy:       string(reconcile.OrphanReport),
			Backoff:            reconcile.DefaultBackoff(),
		},
		Worker: WorkerConfig{
			Admission:       admission.DefaultConfig(),
			Breaker:         resilience.DefaultBreakerConfig(),
			Retry:           resilience.DefaultRetryPolicy(),
			ShutdownGrace:   30 * time.Second,
			DeadLetterFatal: true,
			Processors:      map[string]worker.HTTPProcessorConfig{},
		},
		Status: StatusConfig{
			MessageTTL:     time.Minute,
			PublishTimeout: 500 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			APIPort:       "8080",
			SchedulerPort: "8081",
			WorkerPort:    "8082",
		},
		Log: telemetry.LogConfig{
			Level:  "INFO",
			Format: "json",
		},
		LeaderLock: true,
	}
}

// Load собирает конфигурацию: значения по умолчанию, затем YAML-файл,
// затем переменные окружения. Файл .env в рабочем каталоге загружается,
// если существует.
//
// path пустой — берётся из CONVEYOR_CONFIG; если и он пуст, файл не читается.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile накладывает YAML-файл поверх текущих значений.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Database.URL == "" {
		invalid("database.url is required")
	}
	if c.Broker.URL == "" {
		invalid("broker.url is required")
	}
	if c.Broker.DedupWindow < 0 {
		invalid("broker.dedup_window must not be negative")
	}

	for name, q := range c.Broker.Queues {
		if _, err := domain.ParseJobKind(name); err != nil {
			invalid("broker.queues: unknown kind %q", name)
		}
		if q.MaxDeliver < 0 {
			invalid("broker.queues.%s.max_deliver must not be negative", name)
		}
	}

	if err := scheduler.ValidateSchedule(c.Scanner.Schedule); err != nil {
		invalid("scanner.schedule: %v", err)
	}
	if c.Scanner.BatchSize < 0 || c.Scanner.MaxRetries < 0 {
		invalid("scanner.batch_size and scanner.max_retries must not be negative")
	}

	if err := scheduler.ValidateSchedule(c.Reconciler.Schedule); err != nil {
		invalid("reconciler.schedule: %v", err)
	}
	if _, err := reconcile.ParseOrphanPolicy(c.Reconciler.OrphanPolicy); err != nil {
		invalid("reconciler.orphan_policy: %v", err)
	}
	if c.Reconciler.BatchSize < 0 {
		invalid("reconciler.batch_size must not be negative")
	}

	a := c.Worker.Admission
	if a.Floor < 0 || a.Ceiling < 0 {
		invalid("worker.admission floor and ceiling must not be negative")
	}
	if a.Ceiling > 0 && a.Floor > a.Ceiling {
		invalid("worker.admission.floor %d exceeds ceiling %d", a.Floor, a.Ceiling)
	}
	if a.DecreaseFactor < 0 || a.DecreaseFactor >= 1 {
		invalid("worker.admission.decrease_factor must be in [0, 1)")
	}

	for name, p := range c.Worker.Processors {
		if _, err := domain.ParseJobKind(name); err != nil {
			invalid("worker.processors: unknown kind %q", name)
		}
		if p.URL == "" {
			invalid("worker.processors.%s.url is required", name)
		}
	}

	return errors.Join(errs...)
}

// QueueConfigs возвращает настройки очередей всех kinds.
// Kinds без явных настроек получают значения по умолчанию.
func (c *Config) QueueConfigs() map[domain.JobKind]mq.QueueConfig {
	out := make(map[domain.JobKind]mq.QueueConfig, len(domain.Kinds()))
	for _, kind := range domain.Kinds() {
		out[kind] = mq.DefaultQueueConfig()
	}
	for name, q := range c.Broker.Queues {
		kind, err := domain.ParseJobKind(name)
		if err != nil {
			continue
		}
		out[kind] = q.WithDefaults()
	}
	return out
}

// OrphanPolicy возвращает разобранную политику orphaned трансформаций.
func (c *Config) OrphanPolicy() reconcile.OrphanPolicy {
	p, err := reconcile.ParseOrphanPolicy(c.Reconciler.OrphanPolicy)
	if err != nil {
		return reconcile.OrphanReport
	}
	return p
}

// ProcessorConfigs возвращает endpoint'ы обработчиков по kind.
// Незаданный Retry наследует worker.retry.
func (c *Config) ProcessorConfigs() map[domain.JobKind]worker.HTTPProcessorConfig {
	out := make(map[domain.JobKind]worker.HTTPProcessorConfig, len(c.Worker.Processors))
	for name, p := range c.Worker.Processors {
		kind, err := domain.ParseJobKind(name)
		if err != nil {
			continue
		}
		if p.Retry == (resilience.RetryPolicy{}) {
			p.Retry = c.Worker.Retry
		}
		out[kind] = p
	}
	return out
}
