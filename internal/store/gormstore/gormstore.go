package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionSession = "uniq_credit_transactions_session"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectWallet           = "wallet"
	errorSubjectTransaction      = "transaction"
	errorSubjectConfig           = "config"
	errorSubjectPack             = "pack"
	errorSubjectWebhook          = "webhook"
	errorCodeCreate              = "create"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeLookup              = "lookup"
	errorCodeReset               = "reset"
	errorCodeUpdate              = "update"
	errorCodeUpdateLifecycle     = "update_lifecycle"
	errorCodeUpdateStatus        = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) EnsureWallet(ctx context.Context, wallet ledger.Wallet) error {
	model := walletModel(wallet)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.loadWallet(store.db.WithContext(ctx), userID, errorCodeGet)
}

func (store *Store) LockWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.loadWallet(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, errorCodeLock)
}

func (store *Store) loadWallet(db *gorm.DB, userID ledger.UserID, code string) (ledger.Wallet, error) {
	var model Wallet
	err := db.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	wallet, err := mapWallet(model)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) UpdateWalletCredits(ctx context.Context, walletID ledger.WalletID, paid ledger.Credits, free ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("id = ?", walletID.String()).
		Updates(map[string]any{
			"paid_credits": paid.Int64(),
			"free_credits": free.Int64(),
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) ResetFreeCredits(ctx context.Context, walletID ledger.WalletID, expected ledger.Day, next ledger.Day, amount ledger.Credits) error {
	query := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("id = ? AND lifecycle = ?", walletID.String(), ledger.LifecycleActive.String())
	if expected.IsZero() {
		query = query.Where("last_free_credit_date IS NULL")
	} else {
		query = query.Where("last_free_credit_date = ?", expected.Time())
	}
	result := query.Updates(map[string]any{
		"free_credits":          amount.Int64(),
		"last_free_credit_date": next.Time(),
		"updated_at":            time.Now().UTC(),
	})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeReset, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeReset, ledger.ErrPersistenceConflict)
	}
	return nil
}

func (store *Store) ListActiveWallets(ctx context.Context, afterUserID ledger.UserID, limit int) ([]ledger.Wallet, error) {
	var rows []Wallet
	err := store.db.WithContext(ctx).
		Where("lifecycle = ? AND user_id > ?", ledger.LifecycleActive.String(), afterUserID.String()).
		Order("user_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	wallets := make([]ledger.Wallet, 0, len(rows))
	for _, row := range rows {
		wallet, err := mapWallet(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		wallets = append(wallets, wallet)
	}
	return wallets, nil
}

func (store *Store) UpdateWalletLifecycle(ctx context.Context, userID ledger.UserID, from ledger.Lifecycle, to ledger.Lifecycle, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ? AND lifecycle = ?", userID.String(), from.String()).
		Updates(lifecycleAssignments(to, at))
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdateLifecycle, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdateLifecycle, store.walletMissOrLifecycle(ctx, userID))
	}
	return nil
}

func (store *Store) DeleteWallet(ctx context.Context, userID ledger.UserID) error {
	result := store.db.WithContext(ctx).
		Where("user_id = ? AND lifecycle = ?", userID.String(), ledger.LifecycleArchived.String()).
		Delete(&Wallet{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, store.walletMissOrLifecycle(ctx, userID))
	}
	return nil
}

func (store *Store) walletMissOrLifecycle(ctx context.Context, userID ledger.UserID) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&Wallet{}).Where("user_id = ?", userID.String()).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ledger.ErrWalletNotFound
	}
	return ledger.ErrInvalidLifecycle
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := transactionModel(transaction)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintTransactionSession) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateSession)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	return store.loadTransaction(store.db.WithContext(ctx).Where("id = ?", transactionID.String()), errorCodeGet)
}

func (store *Store) LockTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	return store.loadTransaction(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", transactionID.String()), errorCodeLock)
}

func (store *Store) FindTransactionBySession(ctx context.Context, externalSessionID string) (ledger.Transaction, error) {
	return store.loadTransaction(store.db.WithContext(ctx).Where("external_session_id = ?", externalSessionID), errorCodeLookup)
}

func (store *Store) loadTransaction(db *gorm.DB, code string) (ledger.Transaction, error) {
	var model CreditTransaction
	err := db.Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, code, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, code, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID ledger.TransactionID, from ledger.TransactionStatus, to ledger.TransactionStatus, confirmationID string, at time.Time) error {
	assignments := map[string]any{
		"status":     to.String(),
		"updated_at": at.UTC(),
	}
	if confirmationID != "" {
		assignments["external_confirmation_id"] = confirmationID
	}
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND status = ?", transactionID.String(), from.String()).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetTransaction(ctx, transactionID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrPersistenceConflict)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, query ledger.TransactionQuery) ([]ledger.Transaction, int64, error) {
	base := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("lifecycle = ?", ledger.LifecycleActive.String())
	if !query.UserID.IsZero() {
		base = base.Where("user_id = ?", query.UserID.String())
	}
	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	var rows []CreditTransaction
	err := base.Session(&gorm.Session{}).
		Order("created_at DESC").
		Order("id DESC").
		Offset((query.Page - 1) * query.Limit).
		Limit(query.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, total, nil
}

func (store *Store) UpdateTransactionLifecycle(ctx context.Context, transactionID ledger.TransactionID, from ledger.Lifecycle, to ledger.Lifecycle, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND lifecycle = ?", transactionID.String(), from.String()).
		Updates(lifecycleAssignments(to, at))
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateLifecycle, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateLifecycle, store.transactionMissOrLifecycle(ctx, transactionID))
	}
	return nil
}

func (store *Store) DeleteTransaction(ctx context.Context, transactionID ledger.TransactionID) error {
	result := store.db.WithContext(ctx).
		Where("id = ? AND lifecycle = ?", transactionID.String(), ledger.LifecycleArchived.String()).
		Delete(&CreditTransaction{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeDelete, store.transactionMissOrLifecycle(ctx, transactionID))
	}
	return nil
}

func (store *Store) transactionMissOrLifecycle(ctx context.Context, transactionID ledger.TransactionID) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&CreditTransaction{}).Where("id = ?", transactionID.String()).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ledger.ErrTransactionNotFound
	}
	return ledger.ErrInvalidLifecycle
}

func lifecycleAssignments(to ledger.Lifecycle, at time.Time) map[string]any {
	assignments := map[string]any{
		"lifecycle":  to.String(),
		"updated_at": at.UTC(),
	}
	if to == ledger.LifecycleArchived {
		assignments["archived_at"] = at.UTC()
	} else {
		assignments["archived_at"] = nil
	}
	return assignments
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func walletModel(wallet ledger.Wallet) Wallet {
	return Wallet{
		ID:                 wallet.ID.String(),
		UserID:             wallet.UserID.String(),
		PaidCredits:        wallet.PaidCredits.Int64(),
		FreeCredits:        wallet.FreeCredits.Int64(),
		LastFreeCreditDate: dayPointer(wallet.LastFreeCreditDate),
		Lifecycle:          wallet.Lifecycle.String(),
		CreatedAt:          wallet.CreatedAt.UTC(),
		UpdatedAt:          wallet.UpdatedAt.UTC(),
	}
}

func mapWallet(model Wallet) (ledger.Wallet, error) {
	walletID, err := ledger.NewWalletID(model.ID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	paid, err := ledger.NewCredits(model.PaidCredits)
	if err != nil {
		return ledger.Wallet{}, err
	}
	free, err := ledger.NewCredits(model.FreeCredits)
	if err != nil {
		return ledger.Wallet{}, err
	}
	lifecycle, err := ledger.ParseLifecycle(model.Lifecycle)
	if err != nil {
		return ledger.Wallet{}, err
	}
	var lastFree ledger.Day
	if model.LastFreeCreditDate != nil {
		lastFree = ledger.DayOf(*model.LastFreeCreditDate)
	}
	return ledger.Wallet{
		ID:                 walletID,
		UserID:             userID,
		PaidCredits:        paid,
		FreeCredits:        free,
		LastFreeCreditDate: lastFree,
		Lifecycle:          lifecycle,
		ArchivedAt:         timeOrZero(model.ArchivedAt),
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}, nil
}

func transactionModel(transaction ledger.Transaction) CreditTransaction {
	var sessionID *string
	if transaction.ExternalSessionID != "" {
		value := transaction.ExternalSessionID
		sessionID = &value
	}
	return CreditTransaction{
		ID:                     transaction.ID.String(),
		UserID:                 transaction.UserID.String(),
		Amount:                 transaction.Amount.Int64(),
		CreditType:             transaction.CreditType.String(),
		Reason:                 transaction.Reason,
		ExternalPackID:         transaction.ExternalPackID,
		ExternalSessionID:      sessionID,
		ExternalConfirmationID: transaction.ExternalConfirmationID,
		AmountPaidUSD:          transaction.AmountPaidUSD,
		Status:                 transaction.Status.String(),
		Remarks:                transaction.Remarks,
		Lifecycle:              transaction.Lifecycle.String(),
		CreatedAt:              transaction.CreatedAt.UTC(),
		UpdatedAt:              transaction.UpdatedAt.UTC(),
	}
}

func mapTransaction(model CreditTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(model.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewAmount(model.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	creditType, err := ledger.ParseCreditType(model.CreditType)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(model.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	lifecycle, err := ledger.ParseLifecycle(model.Lifecycle)
	if err != nil {
		return ledger.Transaction{}, err
	}
	sessionID := ""
	if model.ExternalSessionID != nil {
		sessionID = *model.ExternalSessionID
	}
	return ledger.Transaction{
		ID:                     transactionID,
		UserID:                 userID,
		Amount:                 amount,
		CreditType:             creditType,
		Reason:                 model.Reason,
		ExternalPackID:         model.ExternalPackID,
		ExternalSessionID:      sessionID,
		ExternalConfirmationID: model.ExternalConfirmationID,
		AmountPaidUSD:          model.AmountPaidUSD,
		Status:                 status,
		Remarks:                model.Remarks,
		Lifecycle:              lifecycle,
		ArchivedAt:             timeOrZero(model.ArchivedAt),
		CreatedAt:              model.CreatedAt,
		UpdatedAt:              model.UpdatedAt,
	}, nil
}

func dayPointer(day ledger.Day) *time.Time {
	if day.IsZero() {
		return nil
	}
	value := day.Time()
	return &value
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
