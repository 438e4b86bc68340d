// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Every bridge component takes a *Logger and derives a named child from it:
//
//	logger := logging.NewDefault()
//	dispatcher := bridge.NewDispatcher(registry, logger.Named("dispatcher"), ...)
//	logger.Warn("response dropped", zap.String("callback_id", id), zap.Error(err))
package logging
