package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service.
// Conditional updates report a lost race as ErrPersistenceConflict.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// EnsureWallet inserts wallet unless a row for its user already exists.
	EnsureWallet(ctx context.Context, wallet Wallet) error
	GetWallet(ctx context.Context, userID UserID) (Wallet, error)
	// LockWallet reads the wallet row and holds a row lock until the transaction ends.
	LockWallet(ctx context.Context, userID UserID) (Wallet, error)
	UpdateWalletCredits(ctx context.Context, walletID WalletID, paid Credits, free Credits) error
	// ResetFreeCredits swaps the free bucket only while last_free_credit_date still equals expected.
	ResetFreeCredits(ctx context.Context, walletID WalletID, expected Day, next Day, amount Credits) error
	ListActiveWallets(ctx context.Context, afterUserID UserID, limit int) ([]Wallet, error)
	UpdateWalletLifecycle(ctx context.Context, userID UserID, from Lifecycle, to Lifecycle, at time.Time) error
	// DeleteWallet removes an archived wallet row.
	DeleteWallet(ctx context.Context, userID UserID) error

	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	LockTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	FindTransactionBySession(ctx context.Context, externalSessionID string) (Transaction, error)
	// UpdateTransactionStatus moves from -> to; a non-empty confirmationID is recorded in the same write.
	UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, from TransactionStatus, to TransactionStatus, confirmationID string, at time.Time) error
	ListTransactions(ctx context.Context, query TransactionQuery) ([]Transaction, int64, error)
	UpdateTransactionLifecycle(ctx context.Context, transactionID TransactionID, from Lifecycle, to Lifecycle, at time.Time) error
	// DeleteTransaction removes an archived transaction row.
	DeleteTransaction(ctx context.Context, transactionID TransactionID) error
}
