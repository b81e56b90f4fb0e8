// Package logging provides structured logging utilities for mcpgate.
//
// All components log through log/slog. This package installs the process-wide
// handler and centralizes attribute naming so that log lines from the broker,
// the session manager and the transports can be joined on the same keys.
//
// # Usage Patterns
//
//	logger := logging.WithOperation(slog.Default(), "oauth.complete")
//	logger.Info("authorization completed",
//	    logging.Provider("slack"),
//	    logging.SubjectHash(subject))
//
// # Security Considerations
//
//   - Subjects are hashed so entries can be correlated without exposing account ids
//   - Tokens are never logged, only their length
package logging
