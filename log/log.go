package log

import (
	"context"
	"log/slog"

	"github.com/recomma/flipledger/pkg/sqllogger"
)

type ctxLoggerKey struct{}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// ForOwner tags logger with the owner id so journal handlers can attribute
// its records.
func ForOwner(logger *slog.Logger, ownerID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ownerID == "" {
		return logger
	}
	return logger.With(slog.String(sqllogger.OwnerKey, ownerID))
}
