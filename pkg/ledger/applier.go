package ledger

import (
	"context"
	"fmt"
	"time"
)

// ApplyTransaction reconciles one pending transaction into its wallet.
// Applying a transaction that is no longer pending returns the current wallet unchanged.
func (service *Service) ApplyTransaction(ctx context.Context, transactionID TransactionID) (Wallet, error) {
	result, err := service.ApplyConfirmed(ctx, transactionID, "")
	if err != nil {
		return Wallet{}, err
	}
	return result.Wallet, nil
}

// ApplyConfirmed is ApplyTransaction that also records the external
// confirmation id in the same unit of work as the status flip.
func (service *Service) ApplyConfirmed(ctx context.Context, transactionID TransactionID, confirmationID string) (ApplyResult, error) {
	policy := service.refreshPolicy(ctx)
	var result ApplyResult
	operationError := service.retryOnConflict(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			applied, err := service.applyWithin(ctx, transactionStore, transactionID, confirmationID, policy, service.nowFn())
			if err != nil {
				return err
			}
			result = applied
			return nil
		})
	})
	service.logApply(ctx, operationApply, "", transactionID, result, operationError)
	if operationError != nil {
		return ApplyResult{}, operationError
	}
	return result, nil
}

// GrantCredits creates an admin grant and applies it in the same unit of work.
func (service *Service) GrantCredits(ctx context.Context, capability AdminCapability, request TransactionRequest) (ApplyResult, error) {
	if err := capability.check(); err != nil {
		return ApplyResult{}, err
	}
	if err := request.Validate(); err != nil {
		return ApplyResult{}, err
	}
	if request.CreditType == CreditTypeUsed {
		return ApplyResult{}, fmt.Errorf("%w: grants add paid or free credits", ErrInvalidCreditType)
	}
	policy := service.refreshPolicy(ctx)
	var result ApplyResult
	operationError := service.retryOnConflict(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			now := service.nowFn()
			transaction := newPendingTransaction(request, now)
			if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
			applied, err := service.applyWithin(ctx, transactionStore, transaction.ID, "", policy, now)
			if err != nil {
				return err
			}
			result = applied
			return nil
		})
	})
	service.logApply(ctx, operationGrant, capability.Actor().String(), result.Transaction.ID, result, operationError)
	if operationError != nil {
		return ApplyResult{}, operationError
	}
	return result, nil
}

// ReverseTransaction undoes a transaction. A successful one has its inverse delta
// applied; a pending one is cancelled without touching the wallet.
func (service *Service) ReverseTransaction(ctx context.Context, capability AdminCapability, transactionID TransactionID) (Wallet, error) {
	if err := capability.check(); err != nil {
		return Wallet{}, err
	}
	policy := service.refreshPolicy(ctx)
	var result ApplyResult
	operationError := service.retryOnConflict(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reversed, err := service.reverseWithin(ctx, transactionStore, transactionID, policy, service.nowFn())
			if err != nil {
				return err
			}
			result = reversed
			return nil
		})
	})
	service.logApply(ctx, operationReverse, capability.Actor().String(), transactionID, result, operationError)
	if operationError != nil {
		return Wallet{}, operationError
	}
	return result.Wallet, nil
}

// applyWithin runs inside a store transaction. The transaction row is locked
// before the wallet row on every path.
func (service *Service) applyWithin(ctx context.Context, store Store, transactionID TransactionID, confirmationID string, policy RefreshPolicy, now time.Time) (ApplyResult, error) {
	transaction, err := store.LockTransaction(ctx, transactionID)
	if err != nil {
		return ApplyResult{}, err
	}
	if transaction.Lifecycle != LifecycleActive {
		return ApplyResult{}, ErrTransactionNotFound
	}
	if transaction.Status != TransactionStatusPending {
		wallet, err := service.currentWallet(ctx, store, transaction.UserID, policy, now)
		if err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{Wallet: wallet, Transaction: transaction}, nil
	}
	wallet, err := service.lockActiveWallet(ctx, store, transaction.UserID, policy, now)
	if err != nil {
		return ApplyResult{}, err
	}
	next, err := MatchCreditType[Wallet](transaction.CreditType, applyCases{wallet: wallet, amount: transaction.Amount.Credits()})
	if err != nil {
		return ApplyResult{}, err
	}
	if err := store.UpdateWalletCredits(ctx, next.ID, next.PaidCredits, next.FreeCredits); err != nil {
		return ApplyResult{}, err
	}
	if err := store.UpdateTransactionStatus(ctx, transaction.ID, TransactionStatusPending, TransactionStatusSuccess, confirmationID, now); err != nil {
		return ApplyResult{}, err
	}
	next.UpdatedAt = now
	transaction.Status = TransactionStatusSuccess
	if confirmationID != "" {
		transaction.ExternalConfirmationID = confirmationID
	}
	transaction.UpdatedAt = now
	return ApplyResult{Wallet: next, Transaction: transaction, Applied: true}, nil
}

// reverseWithin takes its locks in the same order as applyWithin.
func (service *Service) reverseWithin(ctx context.Context, store Store, transactionID TransactionID, policy RefreshPolicy, now time.Time) (ApplyResult, error) {
	transaction, err := store.LockTransaction(ctx, transactionID)
	if err != nil {
		return ApplyResult{}, err
	}
	if transaction.Lifecycle != LifecycleActive {
		return ApplyResult{}, ErrTransactionNotFound
	}
	if !transaction.Status.CanTransitionTo(TransactionStatusReversed) {
		return ApplyResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, transaction.Status, TransactionStatusReversed)
	}
	wallet, err := service.lockActiveWallet(ctx, store, transaction.UserID, policy, now)
	if err != nil {
		return ApplyResult{}, err
	}
	next := wallet
	if transaction.Status == TransactionStatusSuccess {
		next, err = MatchCreditType[Wallet](transaction.CreditType, reverseCases{wallet: wallet, amount: transaction.Amount.Credits()})
		if err != nil {
			return ApplyResult{}, err
		}
		if err := store.UpdateWalletCredits(ctx, next.ID, next.PaidCredits, next.FreeCredits); err != nil {
			return ApplyResult{}, err
		}
		next.UpdatedAt = now
	}
	if err := store.UpdateTransactionStatus(ctx, transaction.ID, transaction.Status, TransactionStatusReversed, "", now); err != nil {
		return ApplyResult{}, err
	}
	transaction.Status = TransactionStatusReversed
	transaction.UpdatedAt = now
	return ApplyResult{Wallet: next, Transaction: transaction, Applied: true}, nil
}

// currentWallet returns the refreshed wallet for a no-op apply.
func (service *Service) currentWallet(ctx context.Context, store Store, userID UserID, policy RefreshPolicy, now time.Time) (Wallet, error) {
	if err := service.ensureWallet(ctx, store, userID, policy, now); err != nil {
		return Wallet{}, err
	}
	wallet, err := store.GetWallet(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	if wallet.Lifecycle != LifecycleActive {
		return Wallet{}, ErrWalletArchived
	}
	refreshed, _, err := resetIfStale(ctx, store, wallet, policy, now)
	if err != nil {
		return Wallet{}, err
	}
	return refreshed, nil
}

func (service *Service) logApply(ctx context.Context, operation string, actor string, transactionID TransactionID, result ApplyResult, operationError error) {
	entry := OperationLog{
		Operation:     operation,
		UserID:        result.Transaction.UserID,
		TransactionID: transactionID,
		CreditType:    result.Transaction.CreditType,
		Amount:        result.Transaction.Amount,
		Balance:       result.Wallet.Balance(),
		Actor:         actor,
		Error:         operationError,
	}
	if operationError == nil && !result.Applied {
		entry.Status = OperationStatusNoop
	}
	service.logOperation(ctx, entry)
}

// applyCases credits or debits one wallet by amount.
type applyCases struct {
	wallet Wallet
	amount Credits
}

func (cases applyCases) Paid() (Wallet, error) {
	return cases.wallet.WithDelta(cases.amount.Int64(), 0)
}

func (cases applyCases) Free() (Wallet, error) {
	return cases.wallet.WithDelta(0, cases.amount.Int64())
}

// Used deducts from paid first and takes the remainder from free, floored at zero.
func (cases applyCases) Used() (Wallet, error) {
	return deductUsage(cases.wallet, cases.amount), nil
}

func deductUsage(wallet Wallet, amount Credits) Wallet {
	fromPaid := min(wallet.PaidCredits, amount)
	remainder := amount - fromPaid
	wallet.PaidCredits -= fromPaid
	wallet.FreeCredits = max(wallet.FreeCredits-remainder, 0)
	return wallet
}

// reverseCases applies the inverse of applyCases. Reversing usage credits the
// amount back to paid without reconstructing the original split.
type reverseCases struct {
	wallet Wallet
	amount Credits
}

func (cases reverseCases) Paid() (Wallet, error) {
	cases.wallet.PaidCredits = max(cases.wallet.PaidCredits-cases.amount, 0)
	return cases.wallet, nil
}

func (cases reverseCases) Free() (Wallet, error) {
	cases.wallet.FreeCredits = max(cases.wallet.FreeCredits-cases.amount, 0)
	return cases.wallet, nil
}

func (cases reverseCases) Used() (Wallet, error) {
	return cases.wallet.WithDelta(cases.amount.Int64(), 0)
}
