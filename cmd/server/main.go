package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/aliuygur/analytics-broker/internal/catalog"
	"github.com/aliuygur/analytics-broker/internal/cloudflare"
	"github.com/aliuygur/analytics-broker/internal/config"
	"github.com/aliuygur/analytics-broker/internal/deploy"
	"github.com/aliuygur/analytics-broker/internal/handler"
	"github.com/aliuygur/analytics-broker/internal/idpool"
	"github.com/aliuygur/analytics-broker/internal/installer"
	"github.com/aliuygur/analytics-broker/internal/logging"
	"github.com/aliuygur/analytics-broker/internal/metrics"
	"github.com/aliuygur/analytics-broker/internal/orchestrator"
	"github.com/aliuygur/analytics-broker/internal/sharedstore"
	"github.com/aliuygur/analytics-broker/internal/sshfetch"
	"github.com/aliuygur/analytics-broker/internal/store"
	"github.com/aliuygur/analytics-broker/internal/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger, err := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server exited gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tp, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Server.Env,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tracing.Shutdown(context.Background(), tp); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	// Connect to database
	st, err := store.Open(ctx, store.Config{Driver: cfg.Database.Driver, URL: cfg.Database.URL})
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("Database connection established", "driver", cfg.Database.Driver)

	shared, err := sharedstore.Open(ctx, sharedstore.Config{
		URL:      cfg.SharedStore.URL,
		Host:     cfg.SharedStore.Host,
		Port:     cfg.SharedStore.Port,
		Name:     cfg.SharedStore.Name,
		User:     cfg.SharedStore.User,
		Password: cfg.SharedStore.Password,
	})
	if err != nil {
		return err
	}
	defer shared.Close()

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	driver, err := newDriver(cfg)
	if err != nil {
		return err
	}

	pool, err := idpool.New(cfg.Pool.Capacity)
	if err != nil {
		return err
	}

	m := metrics.New()
	orch := orchestrator.New(st, pool, cat, driver, installer.New(), shared, orchestrator.Config{
		NamePrefix:        cfg.Kubernetes.NamePrefix,
		AppDomain:         cfg.Kubernetes.AppDomain,
		Memory:            cfg.Kubernetes.Memory,
		Instances:         cfg.Kubernetes.Instances,
		Timezone:          cfg.Kubernetes.Timezone,
		PhaseTimeout:      cfg.Workflow.PhaseTimeout,
		ResumeConcurrency: cfg.Workflow.ResumeConcurrency,
	}, orchestrator.WithMetrics(m), orchestrator.WithLogger(logger))

	if err := orch.Start(ctx); err != nil {
		return err
	}

	h := handler.New(orch, cat, m, logger, st.Ping)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Workflow.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Workflows interrupted, they resume on next start", "error", err)
	}
	return nil
}

func newDriver(cfg *config.Config) (*deploy.KubeDriver, error) {
	restCfg, err := deploy.RESTConfig(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	applier, err := deploy.NewServerSideApplier(restCfg, cfg.Kubernetes.FieldManager)
	if err != nil {
		return nil, err
	}
	fetcher, err := sshfetch.New(sshfetch.Config{
		Port:       cfg.SSH.Port,
		User:       cfg.SSH.User,
		PrivateKey: cfg.SSH.PrivateKey,
		Password:   cfg.SSH.Password,
		KnownHosts: cfg.SSH.KnownHosts,
		RemotePath: cfg.SSH.RemotePath,
		Timeout:    cfg.SSH.Timeout,
	})
	if err != nil {
		return nil, err
	}

	var opts []deploy.KubeOption
	if cfg.Cloudflare.Enabled() {
		opts = append(opts, deploy.WithRoutes(cloudflare.NewClient(cloudflare.Config{
			APIToken:  cfg.Cloudflare.APIToken,
			TunnelID:  cfg.Cloudflare.TunnelID,
			AccountID: cfg.Cloudflare.AccountID,
			ZoneID:    cfg.Cloudflare.ZoneID,
		})))
	}

	return deploy.NewKubeDriver(clientset, applier, fetcher, deploy.KubeConfig{
		AppDomain:     cfg.Kubernetes.AppDomain,
		IngressClass:  cfg.Kubernetes.IngressClass,
		TLSSecretName: cfg.Kubernetes.TLSSecretName,
		SSHDomain:     cfg.SSH.Domain,
		RouteService:  cfg.Cloudflare.Service,
	}, opts...), nil
}
