package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/byok-gateway/internal/alerting"
	"github.com/kenneth/byok-gateway/internal/api"
	"github.com/kenneth/byok-gateway/internal/audit"
	"github.com/kenneth/byok-gateway/internal/cache"
	"github.com/kenneth/byok-gateway/internal/certcache"
	"github.com/kenneth/byok-gateway/internal/config"
	"github.com/kenneth/byok-gateway/internal/keyops"
	"github.com/kenneth/byok-gateway/internal/kms"
	"github.com/kenneth/byok-gateway/internal/metrics"
	"github.com/kenneth/byok-gateway/internal/middleware"
	"github.com/kenneth/byok-gateway/internal/s3"
	"github.com/kenneth/byok-gateway/internal/saga"
	"github.com/kenneth/byok-gateway/internal/signature"
	"github.com/kenneth/byok-gateway/internal/tracing"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version":  version.Version,
		"revision": version.Revision,
		"branch":   version.Branch,
	}).Info("Starting BYOK gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = version.Version
	}
	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	m := metrics.NewMetrics()
	metricsDone := make(chan struct{})
	m.StartSystemMetricsCollector(metricsDone)

	auditLogger, archive := newAuditLogger(ctx, cfg, m, logger)

	// Certificate cache, seeded from disk when configured.
	certOpts := certcache.Options{ExpectedSubject: cfg.Certificate.ExpectedSubject}
	if cfg.Certificate.RootsFile != "" {
		roots, err := loadRoots(cfg.Certificate.RootsFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load certificate roots")
		}
		certOpts.Roots = roots
	}
	certs := certcache.New(certOpts, logger)

	var watcher *certcache.Watcher
	if cfg.Certificate.File != "" {
		err := certcache.LoadFile(certs, cfg.Certificate.File, cfg.Certificate.Password)
		recordCertificateUpdate(certs, "file", err, m, auditLogger)
		if err != nil {
			logger.WithError(err).WithField("file", cfg.Certificate.File).
				Warn("Initial certificate load failed; waiting for an upload")
		}
		if cfg.Certificate.Watch {
			watcher = certcache.NewWatcher(certs, cfg.Certificate.File, cfg.Certificate.Password, logger, func(err error) {
				recordCertificateUpdate(certs, "file", err, m, auditLogger)
			})
			if err := watcher.Start(ctx); err != nil {
				logger.WithError(err).Fatal("Failed to watch certificate file")
			}
		}
	}

	// Collaborators
	kmsService, err := kms.New(kms.Options{
		Provider:           cfg.KMS.Provider,
		Endpoint:           cfg.KMS.Endpoint,
		Token:              cfg.KMS.Token,
		Timeout:            cfg.KMS.Timeout,
		KEKSize:            cfg.KMS.KEKSize,
		InsecureSkipVerify: cfg.KMS.InsecureSkipVerify,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create KMS client")
	}
	alertService, err := alerting.New(alerting.Options{
		Provider:         cfg.Alerting.Provider,
		Endpoint:         cfg.Alerting.Endpoint,
		Token:            cfg.Alerting.Token,
		Timeout:          cfg.Alerting.Timeout,
		VaultAlertName:   cfg.Alerting.VaultAlertName,
		ActionGroups:     cfg.Alerting.ActionGroups,
		VaultAlertExists: cfg.Alerting.VaultAlertExists,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create alerting client")
	}
	logger.WithFields(logrus.Fields{
		"kms_provider":      kmsService.Provider(),
		"alerting_provider": cfg.Alerting.Provider,
	}).Info("Collaborators configured")

	// Request authentication
	tsFormat, err := signature.ParseTimestampFormat(cfg.Signature.TimestampFormat)
	if err != nil {
		logger.WithError(err).Fatal("Invalid signature timestamp format")
	}
	verifierOpts := signature.Options{Format: tsFormat, Window: cfg.Signature.Window}
	var replay *cache.ReplayCache
	if cfg.Signature.ReplayGuard {
		replay = cache.NewReplayCache(2 * cfg.Signature.Window)
		verifierOpts.Replay = replay
	}
	verifier := signature.NewVerifier(certs, verifierOpts, logger)

	orchestrator := saga.New(saga.Config{
		KMS:       kmsService,
		Alerts:    alertService,
		Verifier:  verifier,
		Validator: keyops.NewValidator(cfg.KeyOperations.Allowed),
		Audit:     auditLogger,
		Metrics:   m,
		Logger:    logger,
	})

	if cfg.Admin.APIKey == "" {
		logger.Warn("admin.api_key is not set; certificate administration routes are unauthenticated")
	}

	handler := api.NewHandler(api.Options{
		Keys:            orchestrator,
		KMS:             kmsService,
		Certificates:    certs,
		TimestampFormat: tsFormat,
		AdminAPIKey:     cfg.Admin.APIKey,
		Audit:           auditLogger,
		Metrics:         m,
		Logger:          logger,
	})

	// Setup router
	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(middleware.MetricsMiddleware(m, api.RouteTemplate)))
	router.Handle("/metrics", m.Handler()).Methods("GET")
	handler.RegisterRoutes(router)

	// Apply middleware, innermost first
	httpHandler := middleware.KeyNameValidationMiddleware(logger)(router)
	httpHandler = middleware.BodyLimitMiddleware(cfg.Server.MaxBodyBytes)(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)
	if cfg.Tracing.Enabled {
		httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)
	}
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// In-flight imports finish before collaborators and sinks are torn down.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop certificate watcher")
		}
	}
	if replay != nil {
		stats := replay.Stats()
		logger.WithFields(logrus.Fields{
			"claims":  stats.Claims,
			"replays": stats.Replays,
			"items":   stats.Items,
		}).Info("Replay cache statistics")
		replay.Flush()
	}
	if err := kmsService.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to close KMS client")
	}
	if archive != nil {
		if err := archive.Close(shutdownCtx); err != nil {
			logger.WithError(err).WithField("pending", archive.Pending()).Error("Failed to flush audit archive")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
	close(metricsDone)
}

// newAuditLogger returns a nil Logger when auditing is disabled. The archive writer is returned
// separately so that shutdown can flush it.
func newAuditLogger(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *logrus.Logger) (audit.Logger, *audit.ArchiveWriter) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}

	var writer audit.EventWriter = audit.NewLogrusWriter(logger)
	var archive *audit.ArchiveWriter
	if cfg.Audit.Archive.Enabled {
		client, err := s3.NewClient(ctx, &cfg.Audit.Archive)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create audit archive client")
		}
		archive = audit.NewArchiveWriter(client, &cfg.Audit.Archive, m, logger)
		archive.Start(ctx)
		writer = audit.MultiWriter{writer, archive}
		logger.WithFields(logrus.Fields{
			"bucket":         cfg.Audit.Archive.Bucket,
			"prefix":         cfg.Audit.Archive.Prefix,
			"flush_interval": cfg.Audit.Archive.FlushInterval,
		}).Info("Audit archive enabled")
	}

	logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	return audit.NewLogger(cfg.Audit.MaxEvents, writer, logger), archive
}

func recordCertificateUpdate(certs *certcache.Cache, source string, err error, m *metrics.Metrics, auditLogger audit.Logger) {
	m.RecordCertificateUpdate(source, err)
	if auditLogger == nil {
		return
	}
	subject, thumbprint := "", ""
	if err == nil {
		if cert, ok := certs.Get(); ok {
			subject, thumbprint = cert.Subject(), cert.Thumbprint()
		}
	}
	auditLogger.LogCertificateUpdate(source, subject, thumbprint, err)
}

func loadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roots file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no PEM certificates in %s", path)
	}
	return pool, nil
}

func init() {
	if version.Version == "" {
		version.Version = "dev"
	}
}
