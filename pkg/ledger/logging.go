package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	TransactionID TransactionID
	CreditType    CreditType
	Amount        Amount
	Balance       Balance
	Actor         string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// Passing the option more than once fans every entry out to all loggers.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithUsagePolicy selects how usage beyond the current balance is handled.
func WithUsagePolicy(policy UsagePolicy) ServiceOption {
	return func(service *Service) {
		service.usagePolicy = policy
	}
}

// WithConflictBackoff overrides the base delay between conflict retries.
func WithConflictBackoff(backoff func(attempt int) time.Duration) ServiceOption {
	return func(service *Service) {
		if backoff != nil {
			service.backoff = backoff
		}
	}
}
