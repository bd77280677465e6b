// Package obslog builds the process-wide zap logger. All output goes to
// stderr: an MCP stdio server's stdout carries JSON-RPC frames and must
// never be polluted by incidental log lines.
package obslog

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger. debug selects a human-readable, debug-level
// development encoder; otherwise a JSON production encoder at info level is
// used. Both write exclusively to stderr.
func New(debug bool) *zap.Logger {
	var encoderCfg zapcore.EncoderConfig
	level := zapcore.InfoLevel
	var encoder zapcore.Encoder

	if debug {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		level = zapcore.DebugLevel
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller())
}

// ForRequest returns a child logger scoped to a single dispatch request,
// carrying a correlation id so that every log line from a request's
// Query Compiler -> Script Builder -> Runner -> Cache Manager path can be
// grepped together.
func ForRequest(base *zap.Logger, requestID string) *zap.Logger {
	return base.With(zap.String("request_id", requestID))
}

// Timer measures an operation's duration and logs it at Debug on Stop, or
// at Warn if it exceeds threshold via StopWithThreshold.
type Timer struct {
	logger *zap.Logger
	op     string
	start  time.Time
}

func StartTimer(logger *zap.Logger, op string) *Timer {
	return &Timer{logger: logger, op: op, start: time.Now()}
}

func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.logger.Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	return elapsed
}

func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		t.logger.Warn("operation exceeded threshold",
			zap.String("op", t.op), zap.Duration("elapsed", elapsed), zap.Duration("threshold", threshold))
	} else {
		t.logger.Debug("operation completed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	}
	return elapsed
}
