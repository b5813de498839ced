package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *logrus.Logger

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// InitLogger initializes the global logger with the specified configuration.
// Any output other than stdout or stderr is a file rotated by size, count and age.
func InitLogger(level, format, output string, maxSize, maxBackups, maxAge int) error {
	l, err := New(level, format, output, maxSize, maxBackups, maxAge)
	if err != nil {
		return err
	}
	Logger = l
	return nil
}

// New builds a logger without touching the global one
func New(level, format, output string, maxSize, maxBackups, maxAge int) (*logrus.Logger, error) {
	l := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	l.SetLevel(logLevel)

	switch format {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	}

	out, err := writerFor(output, maxSize, maxBackups, maxAge)
	if err != nil {
		return nil, err
	}
	l.SetOutput(out)
	return l, nil
}

func writerFor(output string, maxSize, maxBackups, maxAge int) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   output,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}, nil
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if Logger == nil {
		// Initialize with default settings if not already initialized
		InitLogger("info", "json", "stdout", 100, 3, 28)
	}
	return Logger
}
