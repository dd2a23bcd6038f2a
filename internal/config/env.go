package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/worker"
)

// LookupFunc — источник переменных окружения (os.LookupEnv).
type LookupFunc func(key string) (string, bool)

// applyEnv накладывает переменные окружения поверх текущих значений.
//
// Поддерживаемые переменные:
//
//	DB_URL, RABBITMQ_URL, LOG_LEVEL, LOG_FORMAT,
//	API_PORT, SCHED_PORT, WORKER_PORT, LEADER_LOCK,
//	SCANNER_SCHEDULE, RECONCILER_SCHEDULE, ORPHAN_POLICY,
//	DEDUP_WINDOW, WORKER_SHUTDOWN_GRACE, DEAD_LETTER_FATAL,
//	PROCESSOR_URL_{KIND} (например PROCESSOR_URL_EMBEDDING).
func (c *Config) applyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	var errs []string
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
			return
		}
		*dst = b
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q is not a duration", key, v))
			return
		}
		*dst = d
	}

	str("DB_URL", &c.Database.URL)
	str("RABBITMQ_URL", &c.Broker.URL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("API_PORT", &c.HTTP.APIPort)
	str("SCHED_PORT", &c.HTTP.SchedulerPort)
	str("WORKER_PORT", &c.HTTP.WorkerPort)
	str("SCANNER_SCHEDULE", &c.Scanner.Schedule)
	str("RECONCILER_SCHEDULE", &c.Reconciler.Schedule)
	str("ORPHAN_POLICY", &c.Reconciler.OrphanPolicy)
	boolean("LEADER_LOCK", &c.LeaderLock)
	boolean("DEAD_LETTER_FATAL", &c.Worker.DeadLetterFatal)
	duration("DEDUP_WINDOW", &c.Broker.DedupWindow)
	duration("WORKER_SHUTDOWN_GRACE", &c.Worker.ShutdownGrace)

	for _, kind := range domain.Kinds() {
		key := "PROCESSOR_URL_" + strings.ToUpper(string(kind))
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if c.Worker.Processors == nil {
			c.Worker.Processors = map[string]worker.HTTPProcessorConfig{}
		}
		p := c.Worker.Processors[string(kind)]
		p.URL = v
		c.Worker.Processors[string(kind)] = p
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
