package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adamscao/fairaudit/internal/classifier"
)

// DefaultAdminToken is the placeholder shipped in the example configuration
const DefaultAdminToken = "change-me-admin-token"

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig          `yaml:"server"`
	Database    DatabaseConfig        `yaml:"database"`
	CA          CAConfig              `yaml:"ca"`
	Certificate CertificateConfig     `yaml:"certificate"`
	Classifier  classifier.Thresholds `yaml:"classifier"`
	Coordinator CoordinatorConfig     `yaml:"coordinator"`
	Sweeper     SweeperConfig         `yaml:"sweeper"`
	Upload      UploadConfig          `yaml:"upload"`
	Admin       AdminConfig           `yaml:"admin"`
	Logging     LoggingConfig         `yaml:"logging"`
	RateLimit   RateLimitConfig       `yaml:"rate_limit"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CAConfig contains signing key configuration
type CAConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
	KeyType        string `yaml:"key_type"`
}

// CertificateConfig contains certificate issuance settings
type CertificateConfig struct {
	Validity string `yaml:"validity"`
}

// CoordinatorConfig contains audit job scheduling settings
type CoordinatorConfig struct {
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
	EngineTimeout string `yaml:"engine_timeout"`
	CancelGrace   string `yaml:"cancel_grace"`
	IssueRetries  int    `yaml:"issue_retries"`
	JobRetention  string `yaml:"job_retention"`
}

// SweeperConfig contains expiry sweep settings
type SweeperConfig struct {
	Interval     string `yaml:"interval"`
	LogRetention string `yaml:"log_retention"`
}

// UploadConfig limits submitted artifacts
type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// AdminConfig contains admin configuration
type AdminConfig struct {
	Token      string `yaml:"token"`
	TOTPSecret string `yaml:"totp_secret"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisDB           int    `yaml:"redis_db"`
}

// Default returns a complete configuration suitable for local use
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: "15s",
		},
		Database: DatabaseConfig{Path: "data/fairaudit.db"},
		CA: CAConfig{
			PrivateKeyPath: "data/ca_key",
			PublicKeyPath:  "data/ca_key.pub",
			KeyType:        "ed25519",
		},
		Certificate: CertificateConfig{Validity: "365d"},
		Classifier:  classifier.DefaultThresholds(),
		Coordinator: CoordinatorConfig{
			Workers:       4,
			QueueSize:     64,
			EngineTimeout: "5m",
			CancelGrace:   "10s",
			IssueRetries:  3,
			JobRetention:  "30d",
		},
		Sweeper: SweeperConfig{
			Interval:     "1h",
			LogRetention: "90d",
		},
		Upload: UploadConfig{MaxBytes: 64 << 20},
		Admin:  AdminConfig{Token: DefaultAdminToken},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Burst:             20,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if _, err := ParseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server.shutdown_timeout is invalid: %w", err)
	}

	// Database validation
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// CA validation
	if c.CA.PrivateKeyPath == "" {
		return fmt.Errorf("ca.private_key_path is required")
	}
	if c.CA.PublicKeyPath == "" {
		return fmt.Errorf("ca.public_key_path is required")
	}
	if c.CA.KeyType != "ed25519" && c.CA.KeyType != "rsa" {
		return fmt.Errorf("ca.key_type must be 'ed25519' or 'rsa'")
	}

	// Certificate validation
	if d, err := ParseDuration(c.Certificate.Validity); err != nil {
		return fmt.Errorf("certificate.validity is invalid: %w", err)
	} else if d <= 0 {
		return fmt.Errorf("certificate.validity must be positive")
	}

	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	// Coordinator validation
	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("coordinator.workers must be positive")
	}
	if c.Coordinator.QueueSize <= 0 {
		return fmt.Errorf("coordinator.queue_size must be positive")
	}
	if c.Coordinator.IssueRetries <= 0 {
		return fmt.Errorf("coordinator.issue_retries must be positive")
	}
	for name, v := range map[string]string{
		"coordinator.engine_timeout": c.Coordinator.EngineTimeout,
		"coordinator.cancel_grace":   c.Coordinator.CancelGrace,
		"coordinator.job_retention":  c.Coordinator.JobRetention,
		"sweeper.interval":           c.Sweeper.Interval,
		"sweeper.log_retention":      c.Sweeper.LogRetention,
	} {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}

	// Admin validation
	if c.Admin.Token == "" {
		return fmt.Errorf("admin.token is required")
	}
	if c.Admin.Token == DefaultAdminToken {
		fmt.Fprintf(os.Stderr, "WARNING: Using default admin token. Please change it in production!\n")
	}

	// Logging validation
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}

	// Rate limit validation
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limit.requests_per_minute must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be positive")
		}
	}

	return nil
}

// CertificateValidity returns the certificate validity window
func (c *Config) CertificateValidity() time.Duration {
	d, _ := ParseDuration(c.Certificate.Validity)
	return d
}

// EngineTimeout returns the per-job engine deadline
func (c *Config) EngineTimeout() time.Duration {
	d, _ := ParseDuration(c.Coordinator.EngineTimeout)
	return d
}

// CancelGrace returns how long a cancelled running job may take to stop
func (c *Config) CancelGrace() time.Duration {
	d, _ := ParseDuration(c.Coordinator.CancelGrace)
	return d
}

// JobRetention returns how long finished jobs are kept
func (c *Config) JobRetention() time.Duration {
	d, _ := ParseDuration(c.Coordinator.JobRetention)
	return d
}

// SweepInterval returns the expiry sweep period
func (c *Config) SweepInterval() time.Duration {
	d, _ := ParseDuration(c.Sweeper.Interval)
	return d
}

// LogRetention returns how long event log entries are kept
func (c *Config) LogRetention() time.Duration {
	d, _ := ParseDuration(c.Sweeper.LogRetention)
	return d
}

// ShutdownTimeout returns the graceful shutdown deadline
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := ParseDuration(c.Server.ShutdownTimeout)
	return d
}

// ParseDuration parses duration with support for days (e.g., "90d")
func ParseDuration(s string) (time.Duration, error) {
	// Handle "d" suffix for days
	if len(s) > 1 && s[len(s)-1] == 'd' {
		d, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: whole days expected", s)
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
