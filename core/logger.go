// Package core provides ambient abstractions shared by every component of
// the task orchestration core: logging, error taxonomy, and configuration.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger is the minimal logging interface every component depends on.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger decorates Logger with a component tag that shows up
// in every structured log line, so logs can be filtered per subsystem:
//
//	... | jq 'select(.component == "scheduler")'
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// contextKey correlates a task/step/attempt triple across a call chain
// without threading them as extra function parameters.
type contextKey string

const (
	ctxTaskID  contextKey = "task_id"
	ctxStepID  contextKey = "step_id"
	ctxAttempt contextKey = "attempt"
)

// WithTaskContext stamps correlation ids onto ctx for downstream logging.
func WithTaskContext(ctx context.Context, taskID, stepID string, attempt int) context.Context {
	if taskID != "" {
		ctx = context.WithValue(ctx, ctxTaskID, taskID)
	}
	if stepID != "" {
		ctx = context.WithValue(ctx, ctxStepID, stepID)
	}
	if attempt > 0 {
		ctx = context.WithValue(ctx, ctxAttempt, attempt)
	}
	return ctx
}

func correlationFields(ctx context.Context) map[string]interface{} {
	fields := map[string]interface{}{}
	if v, ok := ctx.Value(ctxTaskID).(string); ok && v != "" {
		fields["task_id"] = v
	}
	if v, ok := ctx.Value(ctxStepID).(string); ok && v != "" {
		fields["step_id"] = v
	}
	if v, ok := ctx.Value(ctxAttempt).(int); ok && v > 0 {
		fields["attempt"] = v
	}
	return fields
}

// Level controls the minimum severity a ProductionLogger will emit.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ProductionLogger writes one structured JSON object per line to a writer
// (stdout by default). It is the core's only logging implementation; no
// third-party logging library is used anywhere in this module (see
// DESIGN.md).
type ProductionLogger struct {
	mu        sync.Mutex
	out       *os.File
	service   string
	component string
	minLevel  Level
}

// NewProductionLogger builds the root logger for a service name.
func NewProductionLogger(service string, minLevel Level) *ProductionLogger {
	return &ProductionLogger{
		out:      os.Stdout,
		service:  service,
		minLevel: minLevel,
	}
}

// WithComponent returns a logger that tags every line with component.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		out:       l.out,
		service:   l.service,
		component: component,
		minLevel:  l.minLevel,
	}
}

func (l *ProductionLogger) log(level Level, msg string, fields map[string]interface{}) {
	if level < l.minLevel {
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level.String(),
		"service":   l.service,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"level":"error","message":"log marshal failed: %v"}`, err))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(line))
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{})  { l.log(LevelInfo, msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{})  { l.log(LevelWarn, msg, fields) }
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) { l.log(LevelError, msg, fields) }
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) { l.log(LevelDebug, msg, fields) }

func (l *ProductionLogger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LevelInfo, msg, merge(correlationFields(ctx), fields))
}
func (l *ProductionLogger) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LevelWarn, msg, merge(correlationFields(ctx), fields))
}
func (l *ProductionLogger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LevelError, msg, merge(correlationFields(ctx), fields))
}
func (l *ProductionLogger) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LevelDebug, msg, merge(correlationFields(ctx), fields))
}

func merge(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// NoOpLogger discards everything; used by tests that don't care about logs.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})                             {}
func (NoOpLogger) Warn(string, map[string]interface{})                             {}
func (NoOpLogger) Error(string, map[string]interface{})                            {}
func (NoOpLogger) Debug(string, map[string]interface{})                            {}
func (NoOpLogger) InfoContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) WarnContext(context.Context, string, map[string]interface{})      {}
func (NoOpLogger) ErrorContext(context.Context, string, map[string]interface{})     {}
func (NoOpLogger) DebugContext(context.Context, string, map[string]interface{})     {}
func (NoOpLogger) WithComponent(string) Logger                                      { return NoOpLogger{} }
