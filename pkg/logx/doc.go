// Package logx configures remindd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Loggers derived from a Service follow its level and sinks across
// Service.Apply calls, so config reloads never need to rebuild them.
package logx
