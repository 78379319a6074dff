package httpapi

import (
	"context"

	"github.com/essentialpopstar/powerd/pkg/power"
	"go.uber.org/zap"
)

// OperationZapLogger bridges power.OperationLogger onto a zap logger.
type OperationZapLogger struct {
	logger *zap.Logger
}

// NewOperationZapLogger wraps a zap logger for service operation callbacks.
func NewOperationZapLogger(logger *zap.Logger) *OperationZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationZapLogger{logger: logger}
}

// LogOperation records one service operation with its outcome.
func (adapter *OperationZapLogger) LogOperation(_ context.Context, entry power.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", entry.Reason),
		zap.String("idempotency_key", entry.IdempotencyKey),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		adapter.logger.Warn("power operation", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("power operation", fields...)
}
