package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envLogFormat = "PB_LOG_FORMAT"
	envLogLevel  = "PB_LOG_LEVEL"
	envLogOutput = "PB_LOG_OUTPUT"

	encodingJSON    = "json"
	encodingConsole = "console"
)

var (
	SetupLogger = NewLogger

	once   sync.Once
	logger *zap.Logger
)

// GetLogger 进程级 logger，第一次调用时按环境变量构建
func GetLogger() *zap.Logger {
	once.Do(func() {
		logger = SetupLogger()
	})
	return logger
}

func NewLogger() *zap.Logger {
	zc := zap.NewProductionConfig()
	lvl := ParseLevel(os.Getenv(envLogLevel), zap.InfoLevel)
	if lvl >= zap.InfoLevel {
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	output := os.Getenv(envLogOutput)
	if output != "" {
		zc.OutputPaths = []string{output}
	}

	if strings.ToLower(os.Getenv(envLogFormat)) == encodingJSON {
		zc.Encoding = encodingJSON
		zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		zc.EncoderConfig.TimeKey = "@timestamp"
		zc.EncoderConfig.MessageKey = "message"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		zc.Encoding = encodingConsole
		zc.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if output == "" {
			zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}

	z, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return z
}

var levels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// ParseLevel 未识别的级别返回 defaultLevel
func ParseLevel(s string, defaultLevel zapcore.Level) zapcore.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return defaultLevel
}
