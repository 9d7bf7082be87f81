package vuload

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIdType int

const (
	runIdKey correlationIdType = iota
	vuKey
	runScopeKey
)

type Logger struct {
	*zap.SugaredLogger
}

var log = mustLogger("info", "console", nil)

// WithRunId returns a context which knows its run ID
func WithRunId(ctx context.Context, runId string) context.Context {
	return context.WithValue(ctx, runIdKey, runId)
}

// WithVU returns a context which knows the virtual user executing it
func WithVU(ctx context.Context, vu int) context.Context {
	return context.WithValue(ctx, vuKey, vu)
}

// VUFromCtx returns the virtual user number stored by WithVU, 0 if absent
func VUFromCtx(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	vu, _ := ctx.Value(vuKey).(int)
	return vu
}

// FromCtx returns a zap logger with as much context as possible
func (m *Logger) FromCtx(ctx context.Context) *Logger {
	newLogger := m
	if ctx != nil {
		if ctxRunId, ok := ctx.Value(runIdKey).(string); ok {
			newLogger = &Logger{newLogger.With(zap.String("runId", ctxRunId))}
		}
		if ctxVU, ok := ctx.Value(vuKey).(int); ok {
			newLogger = &Logger{newLogger.With(zap.Int("vu", ctxVU))}
		}
	}
	return newLogger
}

func setupLogger(encoding string, level string, outputs []string) (*Logger, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	paths, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	rawJSON := []byte(fmt.Sprintf(`{
	  "level": "%s",
	  "encoding": "%s",
	  "outputPaths": %s,
	  "errorOutputPaths": ["stderr"],
	  "encoderConfig": {
	    "messageKey": "message",
	    "levelKey": "level",
		"levelEncoder": "uppercase",
        "timeKey": "time",
		"timeEncoder": "ISO8601",
		"callerKey": "caller",
		"callerEncoder": "short"
	  }
	}`, level, encoding, paths))

	var cfg zap.Config
	if err := json.Unmarshal(rawJSON, &cfg); err != nil {
		return nil, fmt.Errorf("bad logging config: %w", err)
	}
	if encoding == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{logger.Sugar()}, nil
}

func mustLogger(level, encoding string, outputs []string) *Logger {
	l, err := setupLogger(encoding, level, outputs)
	if err != nil {
		panic(err)
	}
	return l
}

// NewLogger builds the package logger from the logging section of the generator config
// and makes it the default for the package.
func NewLogger(c LoggingConfig) (*Logger, error) {
	lvl := strings.ToLower(c.Level)
	if lvl == "" {
		lvl = "info"
	}
	encoding := c.Encoding
	if encoding == "" {
		encoding = "console"
	}
	l, err := setupLogger(encoding, lvl, c.OutputPaths)
	if err != nil {
		return nil, err
	}
	log = l
	return l, nil
}

// Log returns the package logger.
func Log() *Logger {
	return log
}
