package resilience

import (
	"context"
	"sync"
)

// logEntry captures one logged call for assertion in table-driven tests.
type logEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

// TestLogger is a core.Logger that records every call instead of writing
// anywhere, so tests can assert on exact messages/fields logged by circuit
// breaker operations (force-open, reset, validation, orphan cleanup).
type TestLogger struct {
	mu   sync.Mutex
	logs []logEntry
}

func (l *TestLogger) record(level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, logEntry{Level: level, Message: msg, Fields: fields})
}

func (l *TestLogger) Info(msg string, fields map[string]interface{})  { l.record("INFO", msg, fields) }
func (l *TestLogger) Error(msg string, fields map[string]interface{}) { l.record("ERROR", msg, fields) }
func (l *TestLogger) Warn(msg string, fields map[string]interface{})  { l.record("WARN", msg, fields) }
func (l *TestLogger) Debug(msg string, fields map[string]interface{}) { l.record("DEBUG", msg, fields) }

func (l *TestLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}
func (l *TestLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}
func (l *TestLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}
func (l *TestLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}

// Clear resets recorded logs between assertions within the same test.
func (l *TestLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = nil
}
