// Command gateway is the sole composition root for the medical research
// gateway: it wires every component from internal/config, starts the HTTP
// Surface, and shuts everything down in order on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/async"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/audit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/config"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/cryptoservice"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/federation"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/httpapi"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/imaging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/intent"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/llmadapter"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/phi"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/ratelimit"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/session"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/toolpool"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Medical research gateway HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	cmd.AddCommand(newServeCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := logging.NewComponentLogger("gateway")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	scrubber := phi.New(phi.DefaultToken)

	var registerer prometheus.Registerer
	if cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registerer = registry
		stopMetrics := serveMetrics(registry, cfg.MetricsPort, logger)
		defer stopMetrics()
	}

	auditSink, err := audit.New(audit.Config{
		Scrubber:       scrubber,
		Logger:         logging.NewComponentLogger("audit"),
		LogDir:         cfg.AuditLogDir,
		MaxFileBytes:   cfg.AuditMaxFileBytes,
		MaxFiles:       cfg.AuditMaxFiles,
		RecentCapacity: 4096,
		Registerer:     registerer,
	})
	if err != nil {
		return fmt.Errorf("start audit sink: %w", err)
	}
	defer auditSink.Close()

	crypto, err := cryptoservice.New(cfg)
	if err != nil {
		return fmt.Errorf("build crypto service: %w", err)
	}

	sessions := session.New(session.Config{
		Crypto: crypto,
		Sink:   auditSink,
		Logger: logging.NewComponentLogger("session"),
		TTL:    cfg.SessionTTL,
	})
	stopSweep := startSessionSweeper(sessions, cfg.SweepInterval, logger)
	defer stopSweep()

	limiter := ratelimit.New(ratelimit.Config{
		Sink: auditSink,
		Caps: map[ratelimit.Class]int{
			ratelimit.ClassAPI:     cfg.APIRateLimitMaxRequests,
			ratelimit.ClassMedical: cfg.MedicalAPIRateLimitMax,
		},
		Window:     time.Duration(cfg.APIRateLimitWindowMS) * time.Millisecond,
		Registerer: registerer,
	})

	classifier, err := intent.New(intent.Config{})
	if err != nil {
		return fmt.Errorf("build intent classifier: %w", err)
	}

	preprocessor := imaging.New(imaging.Config{
		ScratchDir:     cfg.ImageScratchDir,
		MaxSizeBytes:   int64(cfg.MaxImageSizeMB) * 1024 * 1024,
		AllowedFormats: cfg.SupportedImageFormats,
		ArtifactTTL:    cfg.ImageArtifactTTL,
		Logger:         logging.NewComponentLogger("imaging"),
	})
	defer preprocessor.Close()
	preprocessor.Sweep()

	pool, err := toolpool.New(toolpool.Config{
		ManifestPath: cfg.ToolManifestPath,
		PathOverride: cfg.ToolPaths,
		Logger:       logging.NewComponentLogger("toolpool"),
		Registerer:   registerer,
	})
	if err != nil {
		return fmt.Errorf("build tool pool: %w", err)
	}
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	pool.ConnectAll(connectCtx)
	cancelConnect()
	defer pool.Shutdown()

	adapter := llmadapter.New(llmadapter.Config{
		PrimaryAPIKey:     cfg.LLMPrimaryAPIKey,
		PrimaryBaseURL:    cfg.LLMPrimaryBaseURL,
		PrimaryModel:      cfg.LLMPrimaryModel,
		FallbackAPIKey:    cfg.LLMFallbackAPIKey,
		FallbackBaseURL:   cfg.LLMFallbackBaseURL,
		FallbackModel:     cfg.LLMFallbackModel,
		CallTimeout:       cfg.LLMCallTimeout,
		RequireDisclaimer: cfg.RequireMedicalDisclaimer,
		Logger:            logging.NewComponentLogger("llmadapter"),
	})

	var tracer *federation.TracerProvider
	if cfg.TracingEnabled {
		tracer = federation.NewTracerProvider()
	}
	orchestrator := federation.New(federation.Config{
		Pool:      pool,
		Adapter:   adapter,
		Scrubber:  scrubber,
		AuditSink: auditSink,
		Tracer:    tracer,
		Logger:    logging.NewComponentLogger("federation"),
	})
	defer func() {
		if tracer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracer.Shutdown(shutdownCtx)
		}
	}()

	engine := httpapi.NewServer(httpapi.Dependencies{
		Sessions:       sessions,
		Crypto:         crypto,
		RateLimiter:    limiter,
		Scrubber:       scrubber,
		AuditSink:      auditSink,
		Classifier:     classifier,
		Preprocessor:   preprocessor,
		Pool:           pool,
		Orchestrator:   orchestrator,
		Logger:         logging.NewComponentLogger("httpapi"),
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.LLMCallTimeout,
	})

	server := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      engine,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return serveUntilSignal(server, logger)
}

// startSessionSweeper schedules session.Store.Sweep on a fixed interval.
// The returned func stops the scheduler and waits for a running job to
// return. Each job only launches the sweep in its own goroutine, so a
// sweep already in progress is not waited for.
func startSessionSweeper(store *session.Store, interval time.Duration, logger logging.Logger) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		async.Go(logger, "session.sweep", store.Sweep)
	})
	if err != nil {
		logger.Error("session sweep schedule rejected, falling back to no sweeping: %v", err)
		return func() {}
	}
	c.Start()
	return func() {
		<-c.Stop().Done()
	}
}

// serveMetrics starts a dedicated Prometheus scrape endpoint on its own
// listener, separate from the main API server, so scraping never competes
// with the medical-chat request path for gin's router. The returned func
// shuts the listener down.
func serveMetrics(registry *prometheus.Registry, port string, logger logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: ":" + port, Handler: mux}

	async.Go(logger, "metrics.listen", func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed: %v", err)
		}
	})

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

func serveUntilSignal(server *http.Server, logger logging.Logger) error {
	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("gateway listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("shutting down gateway")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := server.Shutdown(ctx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}

		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}
		logger.Info("gateway stopped")
		return nil
	}
}
