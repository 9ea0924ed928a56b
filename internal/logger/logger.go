package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 控制日志级别、格式与可选的文件输出。
type Config struct {
	Level      string `toml:"level"`
	Pretty     bool   `toml:"pretty"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

var (
	mu   sync.RWMutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	closer io.Closer
)

// Init 重建全局 logger；可重复调用。
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	var fileOut io.WriteCloser
	if path := strings.TrimSpace(cfg.File); path != "" {
		fileOut = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 7),
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, fileOut)
	}

	mu.Lock()
	prev := closer
	base = zerolog.New(out).With().Timestamp().Logger()
	closer = fileOut
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

// Close 释放文件输出。
func Close() {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// ParseLevel 将 debug|info|warn|error 转换为 zerolog 级别，未知值回落到 info。
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With 返回带 component 字段的子 logger。
func With(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := base
	return &l
}

func Debugf(format string, args ...any) { current().Debug().Msg(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { current().Info().Msg(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { current().Warn().Msg(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { current().Error().Msg(fmt.Sprintf(format, args...)) }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
