package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logging.
const (
	FieldJobID         = "job_id"
	FieldSubmissionID  = "submission_id"
	FieldFingerprint   = "fingerprint"
	FieldCertificateID = "certificate_id"
	FieldHash          = "hash"
	FieldStatus        = "status"
	FieldAttempt       = "attempt"
	FieldComponent     = "component"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldClientIP      = "client_ip"
	FieldDurationMS    = "duration_ms"
	FieldError         = "error"
	FieldCount         = "count"
)

// Global logger instance. Starts as a no-op so packages can log before
// Initialize runs (and in tests).
var Logger = zap.NewNop().Sugar()

// New builds a sugared logger for the given level and format ("json" or "text").
func New(level, format string) (*zap.SugaredLogger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "text", "":
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}

// Initialize sets the global logger.
func Initialize(level, format string) error {
	l, err := New(level, format)
	if err != nil {
		return err
	}
	Logger = l
	return nil
}

// ComponentLogger returns a named child of the global logger.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level: %s", level)
	}
}
