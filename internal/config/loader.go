package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file. Keys missing from the file keep their Default values.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadWithEnv loads configuration from a file and applies environment variable overrides.
// An empty path starts from Default.
func LoadWithEnv(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = read(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Validate after env overrides
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"FAIRAUDIT_LISTEN_ADDR":      &cfg.Server.ListenAddr,
		"FAIRAUDIT_DB_PATH":          &cfg.Database.Path,
		"FAIRAUDIT_PRIVATE_KEY":      &cfg.CA.PrivateKeyPath,
		"FAIRAUDIT_PUBLIC_KEY":       &cfg.CA.PublicKeyPath,
		"FAIRAUDIT_CERT_VALIDITY":    &cfg.Certificate.Validity,
		"FAIRAUDIT_ENGINE_TIMEOUT":   &cfg.Coordinator.EngineTimeout,
		"FAIRAUDIT_ADMIN_TOKEN":      &cfg.Admin.Token,
		"FAIRAUDIT_TOTP_SECRET":      &cfg.Admin.TOTPSecret,
		"FAIRAUDIT_LOG_LEVEL":        &cfg.Logging.Level,
		"FAIRAUDIT_LOG_FORMAT":       &cfg.Logging.Format,
		"FAIRAUDIT_REDIS_ADDR":       &cfg.RateLimit.RedisAddr,
		"FAIRAUDIT_REDIS_PASSWORD":   &cfg.RateLimit.RedisPassword,
		"FAIRAUDIT_SWEEP_INTERVAL":   &cfg.Sweeper.Interval,
		"FAIRAUDIT_JOB_RETENTION":    &cfg.Coordinator.JobRetention,
		"FAIRAUDIT_SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("FAIRAUDIT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FAIRAUDIT_WORKERS: %w", err)
		}
		cfg.Coordinator.Workers = n
	}

	if v := os.Getenv("FAIRAUDIT_RATE_LIMIT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FAIRAUDIT_RATE_LIMIT_ENABLED: %w", err)
		}
		cfg.RateLimit.Enabled = b
	}

	return nil
}
