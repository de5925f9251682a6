// Package logger builds the application's zap logger.
//
// Production mode writes JSON with ISO8601 timestamps, development mode a
// colored console format. Both write to stderr so the stdio transport keeps
// stdout for protocol messages.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    return err
//	}
//	log.Info("validation finished", zap.Int("risk_score", score))
package logger
