package ledger

import (
	"context"
	"fmt"
	"time"
)

// Service contains the domain logic over a Store.
type Service struct {
	store       Store
	config      ConfigProvider
	nowFn       func() time.Time
	loggers     []OperationLogger
	usagePolicy UsagePolicy
	backoff     func(attempt int) time.Duration
}

// NewService wires a Service.
func NewService(store Store, config ConfigProvider, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if config == nil {
		return nil, fmt.Errorf("%w: config dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		config:      config,
		nowFn:       now,
		usagePolicy: UsagePolicyClamp,
		backoff:     exponentialBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetOrCreateWallet returns the user's active wallet, creating it on first access.
func (service *Service) GetOrCreateWallet(ctx context.Context, userID UserID) (Wallet, error) {
	policy := service.refreshPolicy(ctx)
	if err := service.ensureWallet(ctx, service.store, userID, policy, service.nowFn()); err != nil {
		return Wallet{}, err
	}
	wallet, err := service.store.GetWallet(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	if wallet.Lifecycle != LifecycleActive {
		return Wallet{}, ErrWalletArchived
	}
	return wallet, nil
}

// GetWalletBalance returns paid, free and total credits after the daily refresh check.
func (service *Service) GetWalletBalance(ctx context.Context, userID UserID) (Balance, error) {
	wallet, err := service.ReadWallet(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return wallet.Balance(), nil
}

// MutateWallet applies signed deltas outside the ledger. It never clamps:
// a result that would drive either bucket negative fails with ErrInvariantViolation.
func (service *Service) MutateWallet(ctx context.Context, capability AdminCapability, userID UserID, deltaPaid int64, deltaFree int64) (Wallet, error) {
	if err := capability.check(); err != nil {
		return Wallet{}, err
	}
	policy := service.refreshPolicy(ctx)
	now := service.nowFn()
	var mutated Wallet
	operationError := service.retryOnConflict(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			wallet, err := service.lockActiveWallet(ctx, transactionStore, userID, policy, now)
			if err != nil {
				return err
			}
			next, err := wallet.WithDelta(deltaPaid, deltaFree)
			if err != nil {
				return err
			}
			if err := transactionStore.UpdateWalletCredits(ctx, next.ID, next.PaidCredits, next.FreeCredits); err != nil {
				return err
			}
			next.UpdatedAt = now
			mutated = next
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationMutate,
		UserID:    userID,
		Balance:   mutated.Balance(),
		Actor:     capability.Actor().String(),
		Error:     operationError,
	})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return mutated, nil
}

// CreateTransaction records a pending ledger transaction.
func (service *Service) CreateTransaction(ctx context.Context, request TransactionRequest) (Transaction, error) {
	transaction, operationError := service.createTransaction(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:     operationCreate,
		UserID:        request.UserID,
		TransactionID: transaction.ID,
		CreditType:    request.CreditType,
		Amount:        request.Amount,
		Error:         operationError,
	})
	return transaction, operationError
}

func (service *Service) createTransaction(ctx context.Context, request TransactionRequest) (Transaction, error) {
	if err := request.Validate(); err != nil {
		return Transaction{}, err
	}
	if request.CreditType == CreditTypeUsed && service.usagePolicy == UsagePolicyReject {
		balance, err := service.GetWalletBalance(ctx, request.UserID)
		if err != nil {
			return Transaction{}, err
		}
		if balance.Total.Int64() < request.Amount.Int64() {
			return Transaction{}, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientCredits, request.Amount, balance.Total)
		}
	}
	transaction := newPendingTransaction(request, service.nowFn())
	if err := service.store.InsertTransaction(ctx, transaction); err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

// GetTransaction loads an active transaction.
func (service *Service) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	transaction, err := service.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if transaction.Lifecycle != LifecycleActive {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

// FindTransactionBySession loads the active transaction created for an external checkout session.
func (service *Service) FindTransactionBySession(ctx context.Context, externalSessionID string) (Transaction, error) {
	transaction, err := service.store.FindTransactionBySession(ctx, externalSessionID)
	if err != nil {
		return Transaction{}, err
	}
	if transaction.Lifecycle != LifecycleActive {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

// ListTransactions returns one page of active transactions, newest first.
func (service *Service) ListTransactions(ctx context.Context, query TransactionQuery) (TransactionPage, error) {
	if query.Limit <= 0 {
		query.Limit = int(service.config.GetInt(ctx, ConfigKeyPaginationLimit, DefaultPaginationLimit))
	}
	if query.Limit <= 0 {
		query.Limit = int(DefaultPaginationLimit)
	}
	if query.Limit > maxPaginationLimit {
		query.Limit = maxPaginationLimit
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	items, total, err := service.store.ListTransactions(ctx, query)
	if err != nil {
		return TransactionPage{}, err
	}
	totalPages := 1
	if total > 0 {
		totalPages = int((total + int64(query.Limit) - 1) / int64(query.Limit))
	}
	return TransactionPage{
		Items:      items,
		Page:       query.Page,
		Limit:      query.Limit,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// ArchiveWallet hides a wallet from normal flows.
func (service *Service) ArchiveWallet(ctx context.Context, capability AdminCapability, userID UserID) error {
	operationError := capability.check()
	if operationError == nil {
		operationError = service.store.UpdateWalletLifecycle(ctx, userID, LifecycleActive, LifecycleArchived, service.nowFn())
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationArchiveWallet,
		UserID:    userID,
		Actor:     capability.Actor().String(),
		Error:     operationError,
	})
	return operationError
}

// PurgeWallet hard-deletes an archived wallet.
func (service *Service) PurgeWallet(ctx context.Context, capability AdminCapability, userID UserID) error {
	operationError := capability.check()
	if operationError == nil {
		operationError = service.store.DeleteWallet(ctx, userID)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationPurgeWallet,
		UserID:    userID,
		Actor:     capability.Actor().String(),
		Error:     operationError,
	})
	return operationError
}

// ArchiveTransaction hides a transaction from listings and from the Applier.
func (service *Service) ArchiveTransaction(ctx context.Context, capability AdminCapability, transactionID TransactionID) error {
	operationError := capability.check()
	if operationError == nil {
		operationError = service.store.UpdateTransactionLifecycle(ctx, transactionID, LifecycleActive, LifecycleArchived, service.nowFn())
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationArchiveTx,
		TransactionID: transactionID,
		Actor:         capability.Actor().String(),
		Error:         operationError,
	})
	return operationError
}

// PurgeTransaction hard-deletes an archived transaction (audit purge).
func (service *Service) PurgeTransaction(ctx context.Context, capability AdminCapability, transactionID TransactionID) error {
	operationError := capability.check()
	if operationError == nil {
		operationError = service.store.DeleteTransaction(ctx, transactionID)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationPurgeTx,
		TransactionID: transactionID,
		Actor:         capability.Actor().String(),
		Error:         operationError,
	})
	return operationError
}

func (service *Service) refreshPolicy(ctx context.Context) RefreshPolicy {
	return LoadRefreshPolicy(ctx, service.config)
}

// ensureWallet creates the wallet with the configured defaults. A new wallet
// starts fresh for the current effective day.
func (service *Service) ensureWallet(ctx context.Context, store Store, userID UserID, policy RefreshPolicy, now time.Time) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return store.EnsureWallet(ctx, Wallet{
		ID:                 NewRandomWalletID(),
		UserID:             userID,
		PaidCredits:        0,
		FreeCredits:        policy.DailyAmount,
		LastFreeCreditDate: policy.Cutover.EffectiveDay(now),
		Lifecycle:          LifecycleActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

// lockActiveWallet loads-or-creates the wallet under a row lock and brings the
// free bucket up to date for the current effective day.
func (service *Service) lockActiveWallet(ctx context.Context, store Store, userID UserID, policy RefreshPolicy, now time.Time) (Wallet, error) {
	if err := service.ensureWallet(ctx, store, userID, policy, now); err != nil {
		return Wallet{}, err
	}
	wallet, err := store.LockWallet(ctx, userID)
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

func newPendingTransaction(request TransactionRequest, now time.Time) Transaction {
	return Transaction{
		ID:                NewRandomTransactionID(),
		UserID:            request.UserID,
		Amount:            request.Amount,
		CreditType:        request.CreditType,
		Reason:            request.Reason,
		ExternalPackID:    request.ExternalPackID,
		ExternalSessionID: request.ExternalSessionID,
		AmountPaidUSD:     request.AmountPaidUSD,
		Status:            TransactionStatusPending,
		Remarks:           request.Remarks,
		Lifecycle:         LifecycleActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
