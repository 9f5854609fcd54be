// Package logging provides structured logging for packflow.
//
// This package wraps Go's standard log/slog package so every component logs
// through the same handler chain.
//
// # Features
//
//   - JSON output for production, text output for development
//   - Default fields (service, version) on all log entries
//   - trace_id and span_id on records logged with a traced context
//   - Level-based filtering (debug, info, warn, error)
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "packflow", "1.0.0")
//	logger.Info("starting service", "port", 8080)
//	logger.ErrorContext(ctx, "step failed", "error", err)
//
// Never log provider API keys, bearer tokens or full prompts at info level.
package logging
