// Conveyor Worker — обрабатывает jobs из очередей work.{kind}.
//
// Worker:
//   - Получает jobs из RabbitMQ для kinds с настроенным processor'ом
//   - Вызывает внешний обработчик через circuit breaker и admission controller
//   - Записывает результат в счётчики прогона (первый результат выигрывает)
//   - Публикует status-события в conveyor.status
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/admission"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/status"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/worker"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "conveyor-worker",
		Short:         "Conveyor job worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config (default $CONVEYOR_CONFIG)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conveyor-worker")

	// Processors по kind
	processors := worker.NewProcessorRegistry()
	for kind, pcfg := range cfg.ProcessorConfigs() {
		p, err := worker.NewHTTPProcessor(pcfg)
		if err != nil {
			return fmt.Errorf("processor %s: %w", kind, err)
		}
		processors.Register(kind, p)
		logger.Info("processor registered", "kind", kind, "url", pcfg.URL, "dependency", p.Dependency())
	}
	kinds := processors.Kinds()
	if len(kinds) == 0 {
		return errors.New("no processors configured: set worker.processors or PROCESSOR_URL_{KIND}")
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.Broker.URL, logger)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	queues := cfg.QueueConfigs()
	if err := mq.SetupTopology(ctx, mqConn, queues); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}

	publisher := mq.NewPublisher(mqConn, logger, cfg.Broker.PublishTimeout)
	workQueue := mq.NewWorkQueue(mq.WorkQueueConfig{
		Conn:        mqConn,
		Publisher:   publisher,
		Deduper:     repo.NewDedupRepo(pool),
		DedupWindow: cfg.Broker.DedupWindow,
		Queues:      queues,
		Logger:      logger,
	})

	statusPublisher := status.NewPublisher(status.PublisherConfig{
		Publisher: publisher,
		Timeout:   cfg.Status.PublishTimeout,
		Logger:    logger,
	})

	breakerCfg := cfg.Worker.Breaker
	breakerCfg.OnStateChange = worker.ObserveBreakers(logger)

	admissionCfg := cfg.Worker.Admission
	admissionCfg.OnChange = worker.ObserveAdmission(logger)

	// Создаём worker
	w := worker.New(worker.Config{
		Queue:           workQueue,
		Outcomes:        repo.NewStatsRepo(pool),
		Processor:       processors,
		Status:          statusPublisher,
		Breakers:        resilience.NewBreakerRegistry(breakerCfg),
		Limiter:         admission.New(admissionCfg),
		Kinds:           kinds,
		ShutdownGrace:   cfg.Worker.ShutdownGrace,
		DeadLetterFatal: cfg.Worker.DeadLetterFatal,
		Logger:          logger,
	})

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker started", "kinds", kinds)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(rw, "broker disconnected", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":" + cfg.HTTP.WorkerPort, Handler: mux}
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	select {
	case <-ctx.Done():
	case <-w.Done():
		logger.Warn("worker consumers exited")
	}

	// Останавливаем worker: in-flight jobs получают ShutdownGrace
	w.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("conveyor-worker stopped")
	return nil
}
