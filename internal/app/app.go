package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"agent-mail-gateway/internal/config"
	"agent-mail-gateway/internal/db"
	"agent-mail-gateway/internal/executor"
	"agent-mail-gateway/internal/handler"
	"agent-mail-gateway/internal/metrics"
	"agent-mail-gateway/internal/provider"
	"agent-mail-gateway/internal/provider/outlook"
	"agent-mail-gateway/internal/repository"
	"agent-mail-gateway/internal/router"
	"agent-mail-gateway/internal/scheduler"
	"agent-mail-gateway/internal/service"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Agent Mail Gateway")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("Unknown log level %q, using info", cfg.Log.Level)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := dbConn.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	defer sqlDB.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	ledger := repository.NewLedger(dbConn)
	subscriptions := repository.NewSubscriptionStore(dbConn)
	directory := repository.NewDirectory(dbConn)

	holder := provider.NewHolder(providerFactory(cfg.Email, subscriptions))
	exec := executor.NewOpenAIExecutor(cfg.Executor, directory)
	pipeline := service.NewPipeline(holder, ledger, directory, exec, m)

	sched := scheduler.New(&cfg.Scheduler, cfg.Email.Outlook.WebhookURL, ledger, holder, m)

	h := handler.NewHandlers(sqlDB, holder, pipeline, sched, directory, m, reg, cfg.Email.Outlook.WebhookURL)
	r := router.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Started after the listener so the webhook can answer Graph's
	// validation request during subscription setup.
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}
	h.Wait()

	if err := holder.Reset(ctx); err != nil {
		logrus.Errorf("Failed to clean up email provider: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

// providerFactory builds the configured provider. An empty provider name
// disables incoming email.
func providerFactory(cfg config.EmailConfig, store outlook.SubscriptionStore) provider.Factory {
	return func() (provider.IncomingEmailProvider, error) {
		switch cfg.Provider {
		case "":
			logrus.Info("Incoming email disabled")
			return nil, nil
		case config.ProviderOutlook:
			return outlook.New(cfg.Outlook, store), nil
		default:
			return nil, fmt.Errorf("unsupported incoming email provider %q", cfg.Provider)
		}
	}
}
