package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger settings loaded from the application config.
type Config struct {
	Level      string
	Output     string // "console", "file" or "both"
	FilePath   string
	MaxSize    int // MB per file
	MaxBackups int
	MaxAge     int // days
}

// New builds a zap logger according to cfg. File output rotates through
// lumberjack and gets a date-stamped filename so each day starts a new file.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	var core zapcore.Core

	switch cfg.Output {
	case "file":
		writer, err := fileWriter(cfg)
		if err != nil {
			return nil, err
		}
		core = zapcore.NewCore(fileEncoder, zapcore.AddSync(writer), level)
	case "both":
		writer, err := fileWriter(cfg)
		if err != nil {
			return nil, err
		}
		core = zapcore.NewTee(
			zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
			zapcore.NewCore(fileEncoder, zapcore.AddSync(writer), level),
		)
	default:
		core = zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level)
	}

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// fileWriter creates the rotating log file writer.
func fileWriter(cfg Config) (*lumberjack.Logger, error) {
	logDir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   dailyFilePath(cfg.FilePath),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		LocalTime:  true,
		Compress:   true,
	}, nil
}

// dailyFilePath inserts the current date into the configured file name.
// logs/camagent.log -> logs/camagent-2026-01-02.log
func dailyFilePath(basePath string) string {
	ext := filepath.Ext(basePath)
	nameWithoutExt := strings.TrimSuffix(basePath, ext)
	today := time.Now().Format("2006-01-02")
	return fmt.Sprintf("%s-%s%s", nameWithoutExt, today, ext)
}
