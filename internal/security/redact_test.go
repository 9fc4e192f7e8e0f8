package security

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactingCoreMasksSensitiveField(t *testing.T) {
	observed, logs := observer.New(zapcore.InfoLevel)
	audit := NewAuditSink("", nil)
	core := NewRedactingCore(observed, audit)
	logger := zap.New(core)

	logger.Info("created order", zap.String("api_secret", "supersecretvalue12345"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}

	field := entries[0].Context[0]
	if field.String == "supersecretvalue12345" {
		t.Fatalf("expected api_secret to be masked, got raw value")
	}
	if audit.BlockedCount() == 0 {
		t.Fatalf("expected audit sink to record the blocked attempt")
	}
}

func TestRedactingCoreMasksMessagePattern(t *testing.T) {
	observed, logs := observer.New(zapcore.InfoLevel)
	audit := NewAuditSink("", nil)
	core := NewRedactingCore(observed, audit)
	logger := zap.New(core)

	logger.Info("telegram token 123456789:AAEhBOweik9ai9dhfoaibdfhoiabfoai leaked in message")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message == "telegram token 123456789:AAEhBOweik9ai9dhfoaibdfhoiabfoai leaked in message" {
		t.Fatalf("expected message to be redacted")
	}
}

func TestMaskValueKeepsBreadcrumb(t *testing.T) {
	masked := maskValue("abcdefgh")
	if masked != "[MASKED:ab****gh]" {
		t.Fatalf("unexpected mask: %s", masked)
	}
}
