package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"squeezer-go/internal/config"
)

// Options adjusts the configured logging for one run.
type Options struct {
	Console bool // mirror entries to stderr
	Verbose bool // force debug level
	Quiet   bool // force error level, wins over Verbose
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds a JSON logger from the logging settings. Entries go to a
// size-rotated file when a path is configured, and to stderr when asked or
// when there is no file. Closing the returned closer releases the file.
func NewLogger(cfg config.LoggingConfig, opts Options) (*logrus.Logger, io.Closer, error) {
	level, err := logrus.ParseLevel(effectiveLevel(cfg.Level, opts))
	if err != nil {
		return nil, nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
		},
	})

	var closer io.Closer = nopCloser{}
	var writers []io.Writer

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, nil, err
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotated)
		closer = rotated
	}
	if opts.Console || cfg.FilePath == "" {
		writers = append(writers, os.Stderr)
	}
	log.SetOutput(io.MultiWriter(writers...))

	return log, closer, nil
}

func effectiveLevel(level string, opts Options) string {
	switch {
	case opts.Quiet:
		return "error"
	case opts.Verbose:
		return "debug"
	case level == "":
		return "info"
	}
	return strings.ToLower(level)
}

// Discard returns a logger that drops every entry. Used by tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// WithFile tags entries with the image file they concern.
func WithFile(log logrus.FieldLogger, filePath string) *logrus.Entry {
	return log.WithField("file", filePath)
}

// WithOperation tags entries with the pipeline stage.
func WithOperation(log logrus.FieldLogger, operation string) *logrus.Entry {
	return log.WithField("operation", operation)
}

func WithFileOperation(log logrus.FieldLogger, filePath, operation string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"file":      filePath,
		"operation": operation,
	})
}

// WithImage tags entries with a listed image.
func WithImage(log logrus.FieldLogger, id, filePath string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"image_id": id,
		"file":     filePath,
	})
}
