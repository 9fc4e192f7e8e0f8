// Package security implements the secret-redacting log core and the
// companion source-tree scanner described in spec.md §4.5. It is
// generalized from original_source/bot/core/secure_logger.py's
// logging.Filter subclass: instead of filtering after formatting, it is a
// zapcore.Core decorator so no code path can bypass it by constructing its
// own logger.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"
)

// sensitiveKeyFragments mark a field/map key as sensitive regardless of its
// value's shape; matching keys are masked structurally (spec.md §4.5).
var sensitiveKeyFragments = []string{
	"api_key", "api_secret", "secret", "password", "token",
	"key", "signature", "sign", "auth", "credential", "private",
}

// sensitivePatterns match raw string *values* that look like credentials
// even when the carrying field/key name gives no hint.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]+?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{30,40}\b`),                     // telegram bot token
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),                               // generic secret-key prefix
	regexp.MustCompile(`\b[A-Fa-f0-9]{64}\b`),                                   // hex signature / hmac digest
	regexp.MustCompile(`\b[A-Za-z0-9+/]{32,}={0,2}\b`),                          // base64-ish blob, 32+ chars
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func looksSensitive(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

// maskValue replaces a sensitive string with [MASKED:xx****yy], keeping the
// first/last two characters as a breadcrumb the way spec.md §4.5 specifies.
func maskValue(raw string) string {
	if raw == "" {
		return "[MASKED:****]"
	}
	if len(raw) <= 4 {
		return "[MASKED:****]"
	}
	return fmt.Sprintf("[MASKED:%s****%s]", raw[:2], raw[len(raw)-2:])
}

// hashMessage returns a short hex digest used by the audit log so an
// operator can correlate blocked attempts without recovering the payload.
func hashMessage(msg string) string {
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:])[:16]
}

// AuditSink records blocked-leak attempts to a dedicated log, never the
// sensitive payload itself (spec.md §4.5, §6 "Security audit log").
type AuditSink struct {
	mu      sync.Mutex
	path    string
	writer  func(line string)
	blocked int64
}

// NewAuditSink creates a sink that appends to path via writeLine (injected
// so tests can capture output without touching the filesystem).
func NewAuditSink(path string, writeLine func(line string)) *AuditSink {
	return &AuditSink{path: path, writer: writeLine}
}

// Record appends one audit line and increments the blocked counter.
func (a *AuditSink) Record(loggerName, function string, line int, rawMessage string) {
	atomic.AddInt64(&a.blocked, 1)

	entry := fmt.Sprintf("%s logger=%s func=%s line=%d hash=%s",
		time.Now().UTC().Format(time.RFC3339Nano), loggerName, function, line, hashMessage(rawMessage))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer != nil {
		a.writer(entry)
	}
}

// BlockedCount returns the total number of blocked leak attempts.
func (a *AuditSink) BlockedCount() int64 {
	return atomic.LoadInt64(&a.blocked)
}

// RedactingCore wraps a zapcore.Core, masking sensitive values in the
// message and every field (including nested maps/slices/structs) before
// delegating to the wrapped core.
type RedactingCore struct {
	zapcore.Core
	audit *AuditSink
}

// NewRedactingCore decorates core with redaction, mirroring blocked
// attempts into audit.
func NewRedactingCore(core zapcore.Core, audit *AuditSink) *RedactingCore {
	return &RedactingCore{Core: core, audit: audit}
}

func (c *RedactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &RedactingCore{Core: c.Core.With(redactFields(fields, c.audit)), audit: c.audit}
}

func (c *RedactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *RedactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	redactedMessage, blocked := redactString(ent.Message)
	if blocked {
		c.audit.Record(ent.LoggerName, ent.Caller.Function, ent.Caller.Line, ent.Message)
	}
	ent.Message = redactedMessage

	return c.Core.Write(ent, redactFields(fields, c.audit))
}

func redactFields(fields []zapcore.Field, audit *AuditSink) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f, audit)
	}
	return out
}

func redactField(f zapcore.Field, audit *AuditSink) zapcore.Field {
	if isSensitiveKey(f.Key) {
		recordBlocked(audit, f.Key, fmt.Sprint(f.Interface))
		return zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: maskValue(fmt.Sprint(fieldRawValue(f)))}
	}

	switch f.Type {
	case zapcore.StringType:
		redacted, blocked := redactString(f.String)
		if blocked {
			recordBlocked(audit, f.Key, f.String)
		}
		f.String = redacted
		return f
	case zapcore.ReflectType, zapcore.ErrorType:
		redactedValue, blocked := redactReflectValue(reflect.ValueOf(f.Interface))
		if blocked {
			recordBlocked(audit, f.Key, fmt.Sprint(f.Interface))
		}
		f.Interface = redactedValue
		return f
	default:
		return f
	}
}

func fieldRawValue(f zapcore.Field) interface{} {
	if f.Interface != nil {
		return f.Interface
	}
	if f.String != "" {
		return f.String
	}
	return f.Integer
}

func recordBlocked(audit *AuditSink, loggerName, rawMessage string) {
	if audit == nil {
		return
	}
	audit.Record(loggerName, "", 0, rawMessage)
}

// redactString masks a bare message/value string if it matches a
// sensitive pattern, reporting whether anything was blocked.
func redactString(s string) (string, bool) {
	blocked := false
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(s) {
			s = pattern.ReplaceAllStringFunc(s, func(match string) string {
				blocked = true
				return maskValue(match)
			})
		}
	}
	return s, blocked
}

// redactReflectValue walks maps, slices, and structs masking sensitive
// keys structurally and sensitive-looking string values in place,
// returning a redacted copy and whether anything was blocked.
func redactReflectValue(v reflect.Value) (interface{}, bool) {
	blockedAny := false

	var walk func(reflect.Value) interface{}
	walk = func(v reflect.Value) interface{} {
		if !v.IsValid() {
			return nil
		}
		switch v.Kind() {
		case reflect.Interface, reflect.Ptr:
			if v.IsNil() {
				return nil
			}
			return walk(v.Elem())
		case reflect.Map:
			out := make(map[string]interface{}, v.Len())
			for _, key := range v.MapKeys() {
				k := fmt.Sprint(key.Interface())
				val := v.MapIndex(key)
				if isSensitiveKey(k) {
					blockedAny = true
					out[k] = maskValue(fmt.Sprint(val.Interface()))
					continue
				}
				out[k] = walk(val)
			}
			return out
		case reflect.Slice, reflect.Array:
			out := make([]interface{}, v.Len())
			for i := 0; i < v.Len(); i++ {
				out[i] = walk(v.Index(i))
			}
			return out
		case reflect.Struct:
			out := make(map[string]interface{}, v.NumField())
			t := v.Type()
			for i := 0; i < v.NumField(); i++ {
				field := t.Field(i)
				if !field.IsExported() {
					continue
				}
				if isSensitiveKey(field.Name) {
					blockedAny = true
					out[field.Name] = maskValue(fmt.Sprint(v.Field(i).Interface()))
					continue
				}
				out[field.Name] = walk(v.Field(i))
			}
			return out
		case reflect.String:
			redacted, blocked := redactString(v.String())
			if blocked {
				blockedAny = true
			}
			return redacted
		default:
			if v.CanInterface() {
				return v.Interface()
			}
			return nil
		}
	}

	result := walk(v)
	return result, blockedAny
}
