// Package logging builds the zap.Logger every component in this repository
// embeds, the same thin-wrapper shape as the teacher's internal/libs/logger
// package (New for file-backed production logging, NewDev for console
// development logging) — except every logger produced here is first routed
// through the redacting zapcore.Core from internal/security, so secrets
// never reach a sink regardless of call site (spec.md §4.5).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradecore/safetycore/internal/security"
)

// Logger embeds *zap.Logger the way the teacher's Logger does, so callers
// keep using the familiar zap.String/zap.Error field helpers.
type Logger struct {
	*zap.Logger
}

// New builds a production JSON logger writing to file, wrapped with secret
// redaction and mirrored to security.AuditSink on every blocked attempt.
func New(file string, audit *security.AuditSink) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{file}
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.DisableStacktrace = true

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	redacted := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return security.NewRedactingCore(core, audit)
	}))

	return &Logger{Logger: redacted}, nil
}

// NewDev builds a console development logger with the same redaction
// wrapping as New, used in tests and local runs the way the teacher's
// NewDev is used from TestMain fixtures.
func NewDev(audit *security.AuditSink) *Logger {
	base, _ := zap.NewDevelopment()

	redacted := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return security.NewRedactingCore(core, audit)
	}))

	return &Logger{Logger: redacted}
}
