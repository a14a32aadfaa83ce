package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/forensicflow/internal/custody"
	"github.com/your-org/forensicflow/internal/intake"
	"github.com/your-org/forensicflow/internal/notify"
	"github.com/your-org/forensicflow/internal/reports"
	"github.com/your-org/forensicflow/pkg/config"
	"github.com/your-org/forensicflow/pkg/kafka"
	"github.com/your-org/forensicflow/pkg/logger"
	"github.com/your-org/forensicflow/pkg/storage/objectstore"
	"github.com/your-org/forensicflow/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  parseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	store, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logr.Fatal("ensure evidence bucket", zap.Error(err))
	}

	ledgerStore, err := custody.NewPostgresStore(ctx, cfg.Ledger.PostgresDSN)
	if err != nil {
		logr.Fatal("init custody ledger store", zap.Error(err))
	}
	ledger := custody.NewLedger([]byte(cfg.Ledger.SigningSecret), ledgerStore, logr)

	reportStore, err := reports.NewStore(ctx, ledgerStore.DB())
	if err != nil {
		logr.Fatal("init report store", zap.Error(err))
	}

	dispatcher := kafka.NewDispatcher(kafka.DispatcherConfig{
		Brokers:           cfg.Kafka.Brokers,
		Topic:             cfg.Kafka.TaskTopic,
		Partitions:        cfg.Kafka.Partitions,
		ReplicationFactor: cfg.Kafka.ReplicationFct,
		MaxAttempts:       cfg.Kafka.Retries,
		ReconnectBackoff:  cfg.Kafka.ReconnectBackoff,
		DialTimeout:       cfg.Kafka.DialTimeout,
		Priority:          cfg.Kafka.TaskPriority,
	}, logr)
	// A broker outage at startup is not fatal; the dispatcher keeps
	// reconnecting and uploads fail individually until it recovers.
	if err := dispatcher.Connect(ctx); err != nil {
		logr.Warn("task broker not reachable yet", zap.Error(err))
	}

	hub := notify.NewHub()

	service := intake.NewService(intake.Params{
		Store:          store,
		Ledger:         ledger,
		Dispatcher:     dispatcher,
		Reports:        reportStore,
		Notifier:       hub,
		Logger:         logr,
		EvidencePrefix: cfg.Storage.EvidencePrefix,
	})

	handler := intake.NewHTTPHandler(service, hub, logr, cfg.Upload.MaxSizeBytes, cfg.Upload.MultipartMemBytes)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logr.Error("dispatcher shutdown failed", zap.Error(err))
		}
		if err := service.Close(shutdownCtx); err != nil {
			logr.Error("service shutdown failed", zap.Error(err))
		}
		if err := ledger.Close(); err != nil {
			logr.Error("ledger shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("intake service starting", zap.String("addr", cfg.HTTP.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}

func parseResourceAttributes(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	attrs := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" || !strings.Contains(pair, "=") {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		attrs[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return attrs
}
