// Package logging provides structured logging using uber/zap.
//
// Two modes are offered:
//   - Production: JSON output for machine parsing
//   - Development: colored console output at debug level
//
// Components take a *Logger that may be nil; OrNop turns it into a no-op
// logger so library code never checks.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Named("cache").Info("store opened", zap.String("dir", dir))
package logging
