// Package config loads, normalizes, and validates workflow-queue configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CIRCLE_TOKEN and WORKFLOW_QUEUE_REDIS_ADDR. The Config type centralizes the
// store connection, admission defaults, cancellation policy, and logging knobs
// so every CLI step of a pipeline run resolves settings the same way.
//
// Validation failures are tagged with faults.ErrConfiguration so the CLI can
// exit before any store mutation is attempted.
package config
