// Package logging assembles structured slog loggers used across
// workflow-queue commands.
//
// It owns the console and JSON handlers, level parsing, and the standard field
// keys (partition, workflow_id, commit, attempt) so admission, release, and
// cancellation lines carry the same shape. Loggers write to stderr by default
// because stdout is reserved for command output such as queue tables.
package logging
