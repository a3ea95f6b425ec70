// Package logger provides the process-wide structured logger used across the gateway.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Laisky/zap"
	"github.com/Laisky/zap/zapcore"
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/conduit-gateway/common/config"
)

var (
	// Logger is the process-wide structured logger. SetupLogger may replace its
	// output sink; callers should hold a reference rather than re-reading the var
	// mid-request.
	Logger *zap.Logger

	// LogDir enables file-based logging in addition to stdout when non-empty.
	// Mirrors config.LogDir but may be overridden directly by tests.
	LogDir = config.LogDir

	setupLogOnce sync.Once
	initLogOnce  sync.Once
)

func init() {
	initLogger()
}

func initLogger() {
	initLogOnce.Do(func() {
		Logger = zap.New(consoleCore())
	})
}

func consoleCore() zapcore.Core {
	level := zapcore.InfoLevel
	if config.DebugEnabled {
		level = zapcore.DebugLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stdout), level)
}

// SetupLogger wires file-based logging (in addition to stdout) when LogDir is configured.
// It also tees gin's own writers so framework-level request logs land in the same file.
func SetupLogger() {
	setupLogOnce.Do(func() {
		if LogDir == "" {
			return
		}

		var logPath string
		if config.OnlyOneLogFile {
			logPath = filepath.Join(LogDir, "gateway.log")
		} else {
			logPath = filepath.Join(LogDir, fmt.Sprintf("gateway-%s.log", time.Now().Format("20060102")))
		}
		fd, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			Logger.Fatal("failed to open log file", zap.Error(err), zap.String("path", logPath))
		}

		gin.DefaultWriter = io.MultiWriter(os.Stdout, fd)
		gin.DefaultErrorWriter = io.MultiWriter(os.Stderr, fd)

		level := zapcore.InfoLevel
		if config.DebugEnabled {
			level = zapcore.DebugLevel
		}
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewTee(
			consoleCore(),
			zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(fd), level),
		)
		Logger = zap.New(core)

		if config.LogRetentionDays > 0 {
			StartLogRetentionCleaner(context.Background(), config.LogRetentionDays, LogDir)
		}
	})
}
