package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"voucher-service/config"
	"voucher-service/handlers"
	"voucher-service/logging"
	"voucher-service/monitoring"
	"voucher-service/ratelimit"
	"voucher-service/voucher"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "voucher-service",
		Short:   "Mobile money payments to WiFi vouchers",
		Version: Version,
		RunE:    runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(resendCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()

	// Initialize structured logging
	if err := logging.InitLogger(cfg.ServiceName, cfg.OTELEndpoint); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logging.Sync()
	defer func() {
		if err := logging.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry
	tp, tracer, err := monitoring.InitTracer(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	mp, _, err := monitoring.InitMeter(cfg.ServiceName, cfg.OTELEndpoint, cfg.PrometheusEnabled)
	if err != nil {
		return fmt.Errorf("failed to initialize meter: %w", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	app, err := newApp(cmd.Context(), cfg, tracer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(cfg.RateLimit.Retention)
	go limiter.Run(ctx, cfg.RateLimit.SweepInterval)
	go voucher.RunExpiry(ctx, app.store, cfg.VoucherExpirySweep)

	paymentHandler := handlers.NewPaymentHandler(app.payments)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r, err := handlers.NewEngine(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	// OpenTelemetry middleware
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpMetricsMiddleware())
	r.Use(handlers.CORS(cfg.AllowedOrigins))
	r.Use(handlers.SecurityHeaders(cfg.IsProduction()))

	// Routes
	r.GET("/health", paymentHandler.HealthCheck)
	if cfg.PrometheusEnabled {
		r.GET("/metrics", gin.WrapH(monitoring.MetricsHandler()))
	}

	api := r.Group("/api")
	api.Use(ratelimit.Middleware(limiter, "api", cfg.RateLimit.MaxRequests, cfg.RateLimit.Window, ratelimit.ByClientIP))
	paymentHandler.Register(api.Group("/payments"),
		ratelimit.Middleware(limiter, "initiate", cfg.RateLimit.InitiateRequests, cfg.RateLimit.InitiateWindow, ratelimit.ByClientIP))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Voucher service starting",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment),
			zap.Strings("sms_providers", app.chain.Providers()),
			zap.Bool("omada", app.provisioner != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		logging.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// httpMetricsMiddleware records HTTP request metrics
func httpMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Process request
		c.Next()

		// Record duration
		duration := float64(time.Since(start).Milliseconds())

		monitoring.HTTPServerDuration.Record(c.Request.Context(), duration,
			metric.WithAttributes(
				attribute.String("http_method", c.Request.Method),
				attribute.String("http_route", c.FullPath()),
				attribute.String("http_status_code", strconv.Itoa(c.Writer.Status())),
			),
		)
	}
}
