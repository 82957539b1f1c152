// Package api wires the HTTP surface of the audit service.
package api

import (
	"context"
	"net/http"

	"github.com/adamscao/fairaudit/internal/api/handlers"
	"github.com/adamscao/fairaudit/internal/api/middleware"
	"github.com/adamscao/fairaudit/internal/auth"
	"github.com/adamscao/fairaudit/internal/ca"
	"github.com/adamscao/fairaudit/internal/config"
	"github.com/adamscao/fairaudit/internal/coordinator"
	"github.com/adamscao/fairaudit/internal/db/repository"
	"github.com/adamscao/fairaudit/internal/ratelimit"
	"github.com/adamscao/fairaudit/internal/sweeper"
	"github.com/adamscao/fairaudit/internal/verifier"
	"github.com/gin-gonic/gin"
)

// Deps are the components the HTTP handlers call into
type Deps struct {
	KeyPair     *ca.KeyPair
	Coordinator *coordinator.Coordinator
	Certs       *repository.CertRepository
	Events      *repository.AuditRepository
	Verifier    *verifier.Verifier
	Sweeper     *sweeper.Sweeper

	// Limiter is optional; nil disables rate limiting
	Limiter ratelimit.Limiter
	Version string
}

// Server represents the HTTP server
type Server struct {
	router *gin.Engine
	config *config.Config
	http   *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.MaxMultipartMemory = cfg.Upload.MaxBytes

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	// Create handlers
	auditHandler := handlers.NewAuditHandler(deps.Coordinator, deps.Certs, cfg.Upload.MaxBytes)
	certHandler := handlers.NewCertHandler(deps.Certs)
	verifyHandler := handlers.NewVerifyHandler(deps.Verifier)
	caHandler := handlers.NewCAHandler(deps.KeyPair)
	adminHandler := handlers.NewAdminHandler(deps.Certs, deps.Sweeper, deps.Events)
	healthHandler := handlers.NewHealthHandler(deps.Coordinator, deps.Version)

	authenticator := auth.NewAdminAuthenticator(cfg.Admin.Token, cfg.Admin.TOTPSecret)

	// API v1 routes
	v1 := router.Group("/v1")
	if deps.Limiter != nil {
		v1.Use(middleware.RateLimit(deps.Limiter, false))
	}
	{
		// Audit endpoints
		audit := v1.Group("/audit")
		{
			audit.POST("", auditHandler.SubmitAudit)
			audit.GET("/:id", auditHandler.GetAudit)
			audit.DELETE("/:id", auditHandler.CancelAudit)
			audit.GET("/:id/events", auditHandler.StreamEvents)
		}

		// Public certificate endpoints
		certs := v1.Group("/certificates")
		{
			certs.GET("", certHandler.SearchCertificates)
			certs.GET("/:id", certHandler.GetCertificate)
		}
		v1.POST("/verify", verifyHandler.Verify)
		v1.GET("/ca/public-key", caHandler.GetPublicKey)

		// Admin endpoints (require admin token and TOTP when configured)
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(authenticator, deps.Events))
		{
			admin.POST("/certificates/:id/revoke", adminHandler.RevokeCertificate)
			admin.POST("/sweep", adminHandler.RunSweep)
			admin.GET("/events", adminHandler.ListEvents)
			admin.GET("/stats", adminHandler.Stats)
		}
	}

	// Health check
	router.GET("/health", healthHandler.Health)

	return &Server{
		router: router,
		config: cfg,
		http: &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: router,
		},
	}
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router returns the underlying Gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}
