// Package logger provides the global zerolog-based logger for cmux.
//
// Logging is file-only: the proxy shares stdout/stderr with whatever
// supervises it, so log output goes to a rotated file under the logs
// directory. Before Init or NewLogger is called the logger is a nop.
package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/bridges/otelzerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Log is the global logger instance (file-only; nop before Init/NewLogger)
	Log zerolog.Logger

	// fileWriter is the file output for logging (with rotation)
	fileWriter *lumberjack.Logger

	// loggerProvider is the OTEL log provider (nil when OTEL is not enabled)
	loggerProvider *sdklog.LoggerProvider
)

// FileConfig holds rotation settings for the log file.
type FileConfig struct {
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// OtelConfig configures the OTEL zerolog bridge.
type OtelConfig struct {
	Endpoint       string        // e.g. "localhost:4318"
	Insecure       bool          // plain HTTP, e.g. a local collector; false when unset
	Timeout        time.Duration // export timeout
	ExportInterval time.Duration // batch export interval
}

// Options configures the logger via NewLogger.
type Options struct {
	LogsDir    string      // directory for log files
	FileConfig *FileConfig // rotation settings; nil uses defaults
	OtelConfig *OtelConfig // nil = file-only, no OTEL bridge
}

// Init initializes the global logger as a nop logger.
// All log output is discarded until NewLogger is called.
func Init() {
	Log = zerolog.Nop()
}

// NewLogger initializes the global logger with file output and optional OTEL bridge.
//
// With OtelConfig nil: file-only logging via lumberjack.
// With OtelConfig set: file logging + OTEL hook that streams to the collector.
// The OTEL SDK handles resilience natively — buffer, retry, drop on overflow.
//
// If opts is nil or LogsDir is empty, the logger becomes a nop.
func NewLogger(opts *Options) error {
	if opts == nil || opts.LogsDir == "" {
		Log = zerolog.Nop()
		return nil
	}

	if err := os.MkdirAll(opts.LogsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	fc := opts.FileConfig
	if fc == nil {
		fc = &FileConfig{}
	}
	maxSize := fc.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxAge := fc.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 7
	}
	maxBackups := fc.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(opts.LogsDir, "cmux.log"),
		MaxSize:    maxSize,
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		LocalTime:  true,
		Compress:   fc.Compress,
	}

	log := zerolog.New(fileWriter).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger()

	if opts.OtelConfig != nil {
		provider, err := createOtelProvider(opts.OtelConfig)
		if err != nil {
			// OTEL failure is non-fatal — log to file only
			log.Warn().Err(err).Msg("OTEL bridge unavailable, continuing with file-only logging")
		} else {
			loggerProvider = provider
			hook := otelzerolog.NewHook("cmux",
				otelzerolog.WithLoggerProvider(provider),
			)
			log = log.Hook(hook)
		}
	}

	Log = log
	return nil
}

// createOtelProvider creates an OTLP HTTP log exporter and batch processor.
func createOtelProvider(cfg *OtelConfig) (*sdklog.LoggerProvider, error) {
	// Redirect OTEL SDK internal errors to the file logger instead of stderr.
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		Log.Warn().Err(err).Msg("otel sdk error")
	}))

	exporterOpts := []otlploghttp.Option{
		otlploghttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlploghttp.WithInsecure())
	}
	if cfg.Timeout > 0 {
		exporterOpts = append(exporterOpts, otlploghttp.WithTimeout(cfg.Timeout))
	}

	exporter, err := otlploghttp.New(context.Background(), exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	var processorOpts []sdklog.BatchProcessorOption
	if cfg.ExportInterval > 0 {
		processorOpts = append(processorOpts, sdklog.WithExportInterval(cfg.ExportInterval))
	}

	processor := sdklog.NewBatchProcessor(exporter, processorOpts...)
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(processor)), nil
}

// Close shuts down the logger, flushing pending OTEL logs and closing the file writer.
// Call this on program shutdown for clean resource cleanup.
func Close() error {
	var firstErr error

	if loggerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := loggerProvider.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("failed to shutdown OTEL provider: %w", err)
		}
		loggerProvider = nil
	}

	if fileWriter != nil {
		if err := fileWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		fileWriter = nil
	}

	return firstErr
}

// GetLogFilePath returns the path to the current log file, or empty string if
// file logging is disabled.
func GetLogFilePath() string {
	if fileWriter != nil {
		return fileWriter.Filename
	}
	return ""
}

// Debug logs a debug message (developer diagnostics, file-only)
func Debug() *zerolog.Event {
	return Log.Debug()
}

// Info logs an info message (file-only)
func Info() *zerolog.Event {
	return Log.Info()
}

// Warn logs a warning message (file-only)
func Warn() *zerolog.Event {
	return Log.Warn()
}

// Error logs an error message (file-only)
func Error() *zerolog.Event {
	return Log.Error()
}

// Fatal logs a fatal message and exits (file-only).
// NEVER use in Cobra hooks — return errors instead.
func Fatal() *zerolog.Event {
	return Log.Fatal()
}

// WithField returns a logger with an additional field
func WithField(key string, value interface{}) zerolog.Logger {
	return Log.With().Interface(key, value).Logger()
}
