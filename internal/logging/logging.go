// Package logging builds the zap logger and bridges ledger operations into it.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger, or a console logger when development is set.
func New(level string, development bool) (*zap.Logger, error) {
	parsedLevel, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	config := zap.NewProductionConfig()
	if development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(parsedLevel)
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("zap init: %w", err)
	}
	return logger, nil
}

// OperationLogger writes every ledger operation as one structured entry.
type OperationLogger struct {
	logger *zap.Logger
}

func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger")}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if transactionID := entry.TransactionID.String(); transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if entry.CreditType != "" {
		fields = append(fields, zap.String("credit_type", entry.CreditType.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Actor != "" {
		fields = append(fields, zap.String("actor", entry.Actor))
	}
	fields = append(fields,
		zap.Int64("paid", entry.Balance.Paid.Int64()),
		zap.Int64("free", entry.Balance.Free.Int64()),
	)
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
