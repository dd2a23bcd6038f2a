// Conveyor Scheduler — периодические циклы scanner и reconciliation.
//
// Scheduler:
//   - Находит необработанные единицы работы и публикует jobs
//   - Переотправляет pending ledger, ищет orphaned трансформации
//   - Выполняет циклы только держателем advisory lock (leader_lock)
//
// С флагом --once выполняет один tick scanner'а и один ручной
// прогон reconciliation и завершается.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/reconcile"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scanner"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	var configPath string
	var once bool
	var transformID string

	rootCmd := &cobra.Command{
		Use:           "conveyor-scheduler",
		Short:         "Conveyor scanner and reconciliation loops",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var scope *uuid.UUID
			if transformID != "" {
				id, err := uuid.Parse(transformID)
				if err != nil {
					return fmt.Errorf("invalid --transform-id: %w", err)
				}
				scope = &id
			}
			return run(cfg, once, scope)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config (default $CONVEYOR_CONFIG)")
	rootCmd.Flags().BoolVar(&once, "once", false, "Run one scan and one manual reconciliation, then exit")
	rootCmd.Flags().StringVar(&transformID, "transform-id", "", "Limit --once reconciliation to one transform")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, once bool, scope *uuid.UUID) error {
	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conveyor-scheduler", "once", once, "leader_lock", cfg.LeaderLock)

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

	transformRepo := repo.NewTransformRepo(pool)
	unitRepo := repo.NewUnitRepo(pool)
	ledgerRepo := repo.NewLedgerRepo(pool)
	statsRepo := repo.NewStatsRepo(pool)
	runsRepo := repo.NewReconciliationRepo(pool)
	dedupRepo := repo.NewDedupRepo(pool)

	// RabbitMQ. Без брокера scanner всё равно работает:
	// неопубликованные batches уходят в pending ledger.
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

	workQueue := mq.NewWorkQueue(mq.WorkQueueConfig{
		Conn:        mqConn,
		Publisher:   mq.NewPublisher(mqConn, logger, cfg.Broker.PublishTimeout),
		Deduper:     dedupRepo,
		DedupWindow: cfg.Broker.DedupWindow,
		Queues:      queues,
		Logger:      logger,
	})

	scan := scanner.New(scanner.Config{
		Transforms:   transformRepo,
		Enumerator:   unitRepo,
		Dispatcher:   workQueue,
		Ledger:       ledgerRepo,
		Stats:        statsRepo,
		Logger:       logger,
		BatchSize:    cfg.Scanner.BatchSize,
		PublishRetry: cfg.Scanner.PublishRetry,
		FetchRetry:   cfg.Scanner.FetchRetry,
		MaxRetries:   cfg.Scanner.MaxRetries,
	})

	runner := reconcile.New(reconcile.Config{
		Ledger:             ledgerRepo,
		Stats:              statsRepo,
		Runs:               runsRepo,
		Dedup:              dedupRepo,
		Queue:              workQueue,
		Logger:             logger,
		BatchSize:          cfg.Reconciler.BatchSize,
		Lease:              cfg.Reconciler.Lease,
		Backoff:            cfg.Reconciler.Backoff,
		PublishTimeout:     cfg.Reconciler.PublishTimeout,
		StalenessThreshold: cfg.Reconciler.StalenessThreshold,
		Retention:          cfg.Reconciler.Retention,
		OrphanPolicy:       cfg.OrphanPolicy(),
	})

	if once {
		return runOnce(ctx, logger, scan, runner, scope)
	}

	scanLoop, err := scheduler.NewLoop("scanner", cfg.Scanner.Schedule, func(ctx context.Context) error {
		_, err := scan.Tick(ctx)
		return err
	})
	if err != nil {
		return err
	}
	reconcileLoop, err := scheduler.NewLoop("reconciler", cfg.Reconciler.Schedule, func(ctx context.Context) error {
		_, err := runner.Sweep(ctx, reconcile.SweepOptions{RunType: domain.RunTypeScheduled})
		return err
	})
	if err != nil {
		return err
	}
	scanLoop.Logger = logger
	reconcileLoop.Logger = logger

	if cfg.LeaderLock {
		scanLoop.Locker = repo.NewAdvisoryLock(pool, repo.ScannerLockKey)
		reconcileLoop.Locker = repo.NewAdvisoryLock(pool, repo.ReconcilerLockKey)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(w, "broker disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":" + cfg.HTTP.SchedulerPort, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scanLoop.Start(gctx) })
	g.Go(func() error { return reconcileLoop.Start(gctx) })
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("conveyor-scheduler stopped")
	return err
}

// runOnce выполняет один проход без leader lock.
func runOnce(ctx context.Context, logger *slog.Logger, scan *scanner.Scanner, runner *reconcile.Runner, scope *uuid.UUID) error {
	res, err := scan.Tick(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	logger.Info("scan finished",
		"transforms", res.Transforms,
		"published", res.Published,
		"deferred", res.Deferred,
		"lost", res.Lost,
	)

	run, err := runner.Sweep(ctx, reconcile.SweepOptions{RunType: domain.RunTypeManual, TransformID: scope})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.Info("reconciliation finished",
		"run_id", run.ID,
		"recovered", run.Recovered,
		"expired", run.Expired,
		"orphaned", run.OrphanedFound,
		"cleaned_up", run.CleanedUp,
	)
	return nil
}
