package ledger

import "time"

const (
	operationCreate        = "create"
	operationGrant         = "grant"
	operationApply         = "apply"
	operationReverse       = "reverse"
	operationMutate        = "mutate"
	operationRefresh       = "refresh"
	operationArchiveWallet = "archive_wallet"
	operationPurgeWallet   = "purge_wallet"
	operationArchiveTx     = "archive_transaction"
	operationPurgeTx       = "purge_transaction"

	OperationStatusOK    = "ok"
	OperationStatusNoop  = "noop"
	OperationStatusError = "error"

	maxConflictAttempts       = 3
	defaultConflictBackoff    = 20 * time.Millisecond
	sweepPageSize             = 200
	sweepActor                = "sweep"
	errorOperationService     = "service"
	errorSubjectRetry         = "retry"
	errorCodeAttemptsExceeded = "attempts_exceeded"
)
