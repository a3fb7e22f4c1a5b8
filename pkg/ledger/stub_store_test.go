package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type stubData struct {
	wallets        map[string]Wallet
	transactions   map[string]Transaction
	resetConflicts int
}

func (data *stubData) clone() stubData {
	wallets := make(map[string]Wallet, len(data.wallets))
	for key, value := range data.wallets {
		wallets[key] = value
	}
	transactions := make(map[string]Transaction, len(data.transactions))
	for key, value := range data.transactions {
		transactions[key] = value
	}
	return stubData{wallets: wallets, transactions: transactions}
}

// stubStore is an in-memory Store. WithTx serializes whole units of work and
// rolls the data back when fn fails.
type stubStore struct {
	mu   *sync.Mutex
	inTx bool
	data *stubData
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mu: &sync.Mutex{},
		data: &stubData{
			wallets:      map[string]Wallet{},
			transactions: map[string]Transaction{},
		},
	}
}

func (store *stubStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.data.clone()
	err := fn(ctx, &stubStore{mu: store.mu, inTx: true, data: store.data})
	if err != nil {
		conflicts := store.data.resetConflicts
		*store.data = snapshot
		store.data.resetConflicts = conflicts
	}
	return err
}

func (store *stubStore) EnsureWallet(_ context.Context, wallet Wallet) error {
	defer store.guard()()
	if _, ok := store.data.wallets[wallet.UserID.String()]; ok {
		return nil
	}
	store.data.wallets[wallet.UserID.String()] = wallet
	return nil
}

func (store *stubStore) GetWallet(_ context.Context, userID UserID) (Wallet, error) {
	defer store.guard()()
	wallet, ok := store.data.wallets[userID.String()]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (store *stubStore) LockWallet(ctx context.Context, userID UserID) (Wallet, error) {
	return store.GetWallet(ctx, userID)
}

func (store *stubStore) walletByID(walletID WalletID) (string, Wallet, bool) {
	for key, wallet := range store.data.wallets {
		if wallet.ID == walletID {
			return key, wallet, true
		}
	}
	return "", Wallet{}, false
}

func (store *stubStore) UpdateWalletCredits(_ context.Context, walletID WalletID, paid Credits, free Credits) error {
	defer store.guard()()
	key, wallet, ok := store.walletByID(walletID)
	if !ok {
		return ErrWalletNotFound
	}
	wallet.PaidCredits = paid
	wallet.FreeCredits = free
	store.data.wallets[key] = wallet
	return nil
}

func (store *stubStore) ResetFreeCredits(_ context.Context, walletID WalletID, expected Day, next Day, amount Credits) error {
	defer store.guard()()
	if store.data.resetConflicts > 0 {
		store.data.resetConflicts--
		return ErrPersistenceConflict
	}
	key, wallet, ok := store.walletByID(walletID)
	if !ok {
		return ErrWalletNotFound
	}
	if !wallet.LastFreeCreditDate.Equal(expected) {
		return ErrPersistenceConflict
	}
	wallet.FreeCredits = amount
	wallet.LastFreeCreditDate = next
	store.data.wallets[key] = wallet
	return nil
}

func (store *stubStore) ListActiveWallets(_ context.Context, afterUserID UserID, limit int) ([]Wallet, error) {
	defer store.guard()()
	wallets := make([]Wallet, 0, len(store.data.wallets))
	for _, wallet := range store.data.wallets {
		if wallet.Lifecycle == LifecycleActive && wallet.UserID.String() > afterUserID.String() {
			wallets = append(wallets, wallet)
		}
	}
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].UserID.String() < wallets[right].UserID.String()
	})
	if len(wallets) > limit {
		wallets = wallets[:limit]
	}
	return wallets, nil
}

func (store *stubStore) UpdateWalletLifecycle(_ context.Context, userID UserID, from Lifecycle, to Lifecycle, at time.Time) error {
	defer store.guard()()
	wallet, ok := store.data.wallets[userID.String()]
	if !ok {
		return ErrWalletNotFound
	}
	if wallet.Lifecycle != from {
		return ErrInvalidLifecycle
	}
	wallet.Lifecycle = to
	wallet.ArchivedAt = at
	store.data.wallets[userID.String()] = wallet
	return nil
}

func (store *stubStore) DeleteWallet(_ context.Context, userID UserID) error {
	defer store.guard()()
	wallet, ok := store.data.wallets[userID.String()]
	if !ok {
		return ErrWalletNotFound
	}
	if wallet.Lifecycle != LifecycleArchived {
		return ErrInvalidLifecycle
	}
	delete(store.data.wallets, userID.String())
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	defer store.guard()()
	if transaction.ExternalSessionID != "" {
		for _, existing := range store.data.transactions {
			if existing.ExternalSessionID == transaction.ExternalSessionID {
				return ErrDuplicateSession
			}
		}
	}
	store.data.transactions[transaction.ID.String()] = transaction
	return nil
}

func (store *stubStore) GetTransaction(_ context.Context, transactionID TransactionID) (Transaction, error) {
	defer store.guard()()
	transaction, ok := store.data.transactions[transactionID.String()]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *stubStore) LockTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return store.GetTransaction(ctx, transactionID)
}

func (store *stubStore) FindTransactionBySession(_ context.Context, externalSessionID string) (Transaction, error) {
	defer store.guard()()
	for _, transaction := range store.data.transactions {
		if transaction.ExternalSessionID == externalSessionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) UpdateTransactionStatus(_ context.Context, transactionID TransactionID, from TransactionStatus, to TransactionStatus, confirmationID string, at time.Time) error {
	defer store.guard()()
	transaction, ok := store.data.transactions[transactionID.String()]
	if !ok {
		return ErrTransactionNotFound
	}
	if transaction.Status != from {
		return ErrPersistenceConflict
	}
	transaction.Status = to
	if confirmationID != "" {
		transaction.ExternalConfirmationID = confirmationID
	}
	transaction.UpdatedAt = at
	store.data.transactions[transactionID.String()] = transaction
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, query TransactionQuery) ([]Transaction, int64, error) {
	defer store.guard()()
	matching := make([]Transaction, 0, len(store.data.transactions))
	for _, transaction := range store.data.transactions {
		if transaction.Lifecycle != LifecycleActive {
			continue
		}
		if !query.UserID.IsZero() && transaction.UserID != query.UserID {
			continue
		}
		matching = append(matching, transaction)
	}
	sort.Slice(matching, func(left, right int) bool {
		return matching[left].CreatedAt.After(matching[right].CreatedAt)
	})
	total := int64(len(matching))
	start := (query.Page - 1) * query.Limit
	if start >= len(matching) {
		return []Transaction{}, total, nil
	}
	end := min(start+query.Limit, len(matching))
	return matching[start:end], total, nil
}

func (store *stubStore) UpdateTransactionLifecycle(_ context.Context, transactionID TransactionID, from Lifecycle, to Lifecycle, at time.Time) error {
	defer store.guard()()
	transaction, ok := store.data.transactions[transactionID.String()]
	if !ok {
		return ErrTransactionNotFound
	}
	if transaction.Lifecycle != from {
		return ErrInvalidLifecycle
	}
	transaction.Lifecycle = to
	transaction.ArchivedAt = at
	store.data.transactions[transactionID.String()] = transaction
	return nil
}

func (store *stubStore) DeleteTransaction(_ context.Context, transactionID TransactionID) error {
	defer store.guard()()
	transaction, ok := store.data.transactions[transactionID.String()]
	if !ok {
		return ErrTransactionNotFound
	}
	if transaction.Lifecycle != LifecycleArchived {
		return ErrInvalidLifecycle
	}
	delete(store.data.transactions, transactionID.String())
	return nil
}

func (store *stubStore) seedWallet(test *testing.T, userID UserID, paid int64, free int64, lastFree Day) Wallet {
	test.Helper()
	wallet := Wallet{
		ID:                 NewRandomWalletID(),
		UserID:             userID,
		PaidCredits:        Credits(paid),
		FreeCredits:        Credits(free),
		LastFreeCreditDate: lastFree,
		Lifecycle:          LifecycleActive,
	}
	defer store.guard()()
	store.data.wallets[userID.String()] = wallet
	return wallet
}

func (store *stubStore) mustWallet(test *testing.T, userID UserID) Wallet {
	test.Helper()
	wallet, err := store.GetWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("wallet %s: %v", userID, err)
	}
	return wallet
}

func (store *stubStore) mustTransaction(test *testing.T, transactionID TransactionID) Transaction {
	test.Helper()
	transaction, err := store.GetTransaction(context.Background(), transactionID)
	if err != nil {
		test.Fatalf("transaction %s: %v", transactionID, err)
	}
	return transaction
}

func (store *stubStore) setResetConflicts(count int) {
	defer store.guard()()
	store.data.resetConflicts = count
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) snapshot() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return append([]OperationLog(nil), logger.entries...)
}

func fixedClock(instant time.Time) func() time.Time {
	return func() time.Time { return instant }
}

func noBackoff(int) time.Duration {
	return 0
}

func mustNewService(test *testing.T, store Store, config ConfigProvider, now time.Time, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithConflictBackoff(noBackoff)}, options...)
	service, err := NewService(store, config, fixedClock(now), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAdmin(test *testing.T) AdminCapability {
	test.Helper()
	capability, err := NewAdminCapability(mustUserID(test, "admin-1"))
	if err != nil {
		test.Fatalf("capability: %v", err)
	}
	return capability
}

func mustDay(test *testing.T, raw string) Day {
	test.Helper()
	day, err := ParseDay(raw)
	if err != nil {
		test.Fatalf("day: %v", err)
	}
	return day
}

func mustCreate(test *testing.T, service *Service, userID UserID, amount int64, creditType CreditType) Transaction {
	test.Helper()
	transaction, err := service.CreateTransaction(context.Background(), TransactionRequest{
		UserID:     userID,
		Amount:     Amount(amount),
		CreditType: creditType,
		Reason:     "test",
	})
	if err != nil {
		test.Fatalf("create transaction: %v", err)
	}
	return transaction
}
