package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihttp "device-association/internal/api/http"
	assocapp "device-association/internal/association/application"
	assochttp "device-association/internal/association/interfaces/http"
	"device-association/internal/audit"
	"device-association/internal/auth"
	"device-association/internal/config"
	lifecycleapp "device-association/internal/lifecycle/application"
	lifecyclehttp "device-association/internal/lifecycle/interfaces/http"
	"device-association/internal/notify"
	"device-association/internal/observability/metrics"
	provisioningapp "device-association/internal/provisioning/application"
	provisioninghttp "device-association/internal/provisioning/interfaces/http"
	"device-association/internal/qualifier"
	readinessapp "device-association/internal/readiness/application"
	readinesshttp "device-association/internal/readiness/interfaces/http"
	"device-association/internal/registry"
	"device-association/internal/store/postgres"
	syncapp "device-association/internal/vehiclesync/application"
	synchttp "device-association/internal/vehiclesync/interfaces/http"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(2)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}

	st, err := postgres.New(db,
		postgres.WithMaxAttempts(cfg.Database.TxMaxAttempts),
		postgres.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	go postgres.NewPoolMonitor(db, cfg.Database.MonitorInterval, logger).Start(ctx)
	metrics.Init(db, logger)

	auditor := apihttp.NewAuditor(audit.NewRepository(db), logger)

	notifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		return err
	}
	manager, err := assocapp.NewManager(st,
		assocapp.WithNotifier(notifier),
		assocapp.WithNotifyTimeout(cfg.Notify.Timeout),
		assocapp.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	readinessService, err := readinessapp.NewService(st, readinessapp.WithLogger(logger))
	if err != nil {
		return err
	}
	lifecycleService, err := lifecycleapp.NewService(st, lifecycleapp.WithLogger(logger))
	if err != nil {
		return err
	}

	registryClient, err := registry.NewClient(cfg.Registry.BaseURL, cfg.Registry.Username, cfg.Registry.Password,
		registry.WithTimeout(cfg.Registry.Timeout),
	)
	if err != nil {
		return err
	}
	syncOpts := []syncapp.Option{
		syncapp.WithDefaultModelID(cfg.Registry.DefaultModelID),
		syncapp.WithLogger(logger),
	}
	if cfg.Registry.AlreadyExistsMessage != "" {
		syncOpts = append(syncOpts, syncapp.WithAlreadyExistsMessage(cfg.Registry.AlreadyExistsMessage))
	}
	synchronizer, err := syncapp.NewSynchronizer(registryClient, syncOpts...)
	if err != nil {
		return err
	}

	generator, err := qualifier.NewGenerator(cfg.Qualifier.KeyPrefix, qualifier.WithVersion(cfg.Qualifier.Version))
	if err != nil {
		return err
	}
	provisioningService, err := provisioningapp.NewService(st, generator, synchronizer, provisioningapp.WithLogger(logger))
	if err != nil {
		return err
	}

	associationHandler, err := assochttp.NewHandler(manager, auditor, logger)
	if err != nil {
		return err
	}
	readinessHandler, err := readinesshttp.NewHandler(readinessService, auditor)
	if err != nil {
		return err
	}
	lifecycleHandler, err := lifecyclehttp.NewHandler(lifecycleService, auditor)
	if err != nil {
		return err
	}
	provisioningHandler, err := provisioninghttp.NewDeviceProvisioningHandler(provisioningService, auditor)
	if err != nil {
		return err
	}
	vehicleHandler, err := synchttp.NewHandler(synchronizer, auditor)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/associations", associationHandler)
	mux.Handle("/api/v1/associations/", associationHandler)
	mux.Handle("/api/v1/readiness", readinessHandler)
	mux.Handle("/api/v1/readiness/", readinessHandler)
	mux.Handle("/api/v1/devices", lifecycleHandler)
	mux.Handle("/api/v1/devices/", lifecycleHandler)
	mux.Handle("/api/v1/provisioning/devices", provisioningHandler)
	mux.Handle("/api/v1/vehicles", vehicleHandler)
	mux.Handle("/api/v1/vehicles/", vehicleHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
		auth.WithLeeway(cfg.Auth.Leeway),
	)
	if err != nil {
		return err
	}
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware, err := auth.NewMiddleware(verifier, policy, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	manager.Wait()
	return nil
}

func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) (assocapp.Notifier, error) {
	var notifiers []assocapp.Notifier
	if cfg.LogEvents {
		notifiers = append(notifiers, notify.NewLogNotifier(logger))
	}
	if cfg.WebhookURL != "" {
		tpl, err := notify.NewTemplate(cfg.Template)
		if err != nil {
			return nil, fmt.Errorf("notify template: %w", err)
		}
		webhook, err := notify.NewWebhookNotifier(cfg.WebhookURL,
			notify.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			notify.WithTemplate(tpl),
		)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	if len(notifiers) == 0 {
		return nil, nil
	}
	return notify.NewMultiNotifier(notifiers...), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", resp.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
