package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamscao/fairaudit/internal/api"
	"github.com/adamscao/fairaudit/internal/ca"
	"github.com/adamscao/fairaudit/internal/config"
	"github.com/adamscao/fairaudit/internal/coordinator"
	"github.com/adamscao/fairaudit/internal/db"
	"github.com/adamscao/fairaudit/internal/db/repository"
	"github.com/adamscao/fairaudit/internal/engine"
	"github.com/adamscao/fairaudit/internal/issuer"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/policy"
	"github.com/adamscao/fairaudit/internal/ratelimit"
	"github.com/adamscao/fairaudit/internal/sweeper"
	"github.com/adamscao/fairaudit/internal/verifier"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "/etc/fairaudit/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("FairAudit Server\n")
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Commit:     %s\n", Commit)
		fmt.Printf("Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.ComponentLogger("main")
	defer logger.Logger.Sync()

	if err := run(cfg); err != nil {
		log.Errorw("Server exited with error", logger.FieldError, err)
		logger.Logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.ComponentLogger("main")
	log.Infow("Starting FairAudit server", "version", Version, "commit", Commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Admin.Token == config.DefaultAdminToken {
		log.Warnw("Admin token is the shipped placeholder; set FAIRAUDIT_ADMIN_TOKEN", "security_event", true)
	}

	// Initialize database
	log.Infow("Connecting to database", "path", cfg.Database.Path)
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.RunMigrations(ctx, database); err != nil {
		return err
	}

	// Load or generate signing key pair
	keyPair, err := ca.LoadOrGenerateKeyPair(cfg.CA.PrivateKeyPath, cfg.CA.PublicKeyPath, cfg.CA.KeyType)
	if err != nil {
		return fmt.Errorf("failed to load/generate signing key pair: %w", err)
	}
	log.Infow("Signing key loaded", "key_type", keyPair.KeyType, "fingerprint", keyPair.Fingerprint)

	// Initialize repositories
	certRepo := repository.NewCertRepository(database.DB)
	jobRepo := repository.NewJobRepository(database.DB)
	auditRepo := repository.NewAuditRepository(database.DB)

	serial, err := certRepo.NextSerialNumber(ctx)
	if err != nil {
		return err
	}
	certIssuer := issuer.New(keyPair, certRepo, cfg.CertificateValidity(), serial)

	// Start the audit coordinator
	coord := coordinator.New(coordinator.Config{
		Workers:       cfg.Coordinator.Workers,
		QueueSize:     cfg.Coordinator.QueueSize,
		EngineTimeout: cfg.EngineTimeout(),
		CancelGrace:   cfg.CancelGrace(),
		IssueRetries:  cfg.Coordinator.IssueRetries,
		Thresholds:    cfg.Classifier,
	}, engine.NewTabular(), jobRepo, certIssuer, policy.NewValidator(cfg.Upload.MaxBytes), auditRepo)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	// Start the expiry sweeper
	sweep := sweeper.New(sweeper.Config{
		Interval:     cfg.SweepInterval(),
		JobRetention: cfg.JobRetention(),
		LogRetention: cfg.LogRetention(),
	}, certRepo, jobRepo, auditRepo)
	go sweep.Run(ctx)

	deps := api.Deps{
		KeyPair:     keyPair,
		Coordinator: coord,
		Certs:       certRepo,
		Events:      auditRepo,
		Verifier:    verifier.New(certRepo, keyPair.PublicKey, auditRepo),
		Sweeper:     sweep,
		Version:     Version,
	}
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.New(ratelimit.Options{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			RedisAddr:         cfg.RateLimit.RedisAddr,
			RedisPassword:     cfg.RateLimit.RedisPassword,
			RedisDB:           cfg.RateLimit.RedisDB,
		})
		if err != nil {
			return err
		}
		if closer, ok := limiter.(interface{ Close() error }); ok {
			defer closer.Close()
		}
		deps.Limiter = limiter
	}

	server := api.NewServer(cfg, deps)

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Infow("Starting HTTP server", "addr", cfg.Server.ListenAddr)
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Infow("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown did not complete", logger.FieldError, err)
	}

	log.Infow("Server stopped")
	return nil
}
