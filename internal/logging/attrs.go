package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent names the subsystem emitting the record; the console
	// handler renders it as a line prefix.
	FieldComponent = "component"
	// FieldPartition is the queue partition key.
	FieldPartition = "partition"
	// FieldWorkflowID identifies the pipeline run owning an entry.
	FieldWorkflowID = "workflow_id"
	// FieldCommit is the source-control revision of the run.
	FieldCommit = "commit"
	// FieldCommittedAt is the entry sort key in epoch seconds.
	FieldCommittedAt = "committed_at"
	// FieldAttempt is the 1-based admission attempt number.
	FieldAttempt = "attempt"
	// FieldStatus is an entry status.
	FieldStatus = "status"
)

func String(key, value string) slog.Attr { return slog.String(key, value) }

func Int(key string, value int) slog.Attr { return slog.Int(key, value) }

func Int64(key string, value int64) slog.Attr { return slog.Int64(key, value) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// NewNop returns a logger that discards every record.
func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NewComponentLogger creates a logger with a standardized component attribute.
// If logger is nil, a no-op logger is used as the base.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h NoopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h NoopHandler) WithGroup(string) slog.Handler           { return h }
