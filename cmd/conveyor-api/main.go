// Conveyor API — административный HTTP API.
//
// API:
//   - Регистрирует трансформации и единицы работы
//   - Отдаёт счётчики прогонов, pending ledger и журнал reconciliation
//   - Транслирует status-события в websocket (/api/v1/events)
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/status"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

var startTime = time.Now()

func main() {
	var configPath string
	var migrate bool

	rootCmd := &cobra.Command{
		Use:           "conveyor-api",
		Short:         "Conveyor administrative API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg, migrate)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config (default $CONVEYOR_CONFIG)")
	rootCmd.Flags().BoolVar(&migrate, "migrate", true, "Apply database schema on startup")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, migrate bool) error {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log)
	logger.Info("starting conveyor-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if migrate {
		if err := repo.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("schema applied")
	}

	// Создаём репозитории
	transformRepo := repo.NewTransformRepo(pool)
	unitRepo := repo.NewUnitRepo(pool)
	statsRepo := repo.NewStatsRepo(pool)
	ledgerRepo := repo.NewLedgerRepo(pool)
	runsRepo := repo.NewReconciliationRepo(pool)

	// RabbitMQ нужен только для потока событий
	var events status.Source
	mqConn, err := mq.NewConnection(cfg.Broker.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, event stream disabled", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")
		events = status.NewSubscriber(mqConn, cfg.Status.MessageTTL, logger)
	}

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Transforms: transformRepo,
		Units:      unitRepo,
		Stats:      statsRepo,
		Ledger:     ledgerRepo,
		Runs:       runsRepo,
		Events:     events,
		Logger:     logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := ":" + cfg.HTTP.APIPort
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Ожидаем сигнал завершения
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
	return nil
}
