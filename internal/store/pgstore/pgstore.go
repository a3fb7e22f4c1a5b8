package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const (
	constraintTransactionSession = "uniq_credit_transactions_session"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectWallet           = "wallet"
	errorSubjectTransaction      = "transaction"
	errorSubjectTx               = "tx"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
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

	walletColumns = `
		id::text, user_id, paid_credits, free_credits, last_free_credit_date,
		lifecycle, archived_at, created_at, updated_at
	`

	transactionColumns = `
		id::text, user_id, amount, credit_type, reason, external_pack_id,
		coalesce(external_session_id, ''), external_confirmation_id, amount_paid_usd,
		status, remarks, lifecycle, archived_at, created_at, updated_at
	`

	sqlEnsureWallet = `
		insert into wallets(id, user_id, paid_credits, free_credits, last_free_credit_date, lifecycle, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (user_id) do nothing
	`

	sqlSelectWallet = `select ` + walletColumns + ` from wallets where user_id = $1`

	sqlLockWallet = sqlSelectWallet + ` for update`

	sqlUpdateWalletCredits = `
		update wallets
		set paid_credits = $2, free_credits = $3, updated_at = now()
		where id = $1
	`

	sqlResetFreeCredits = `
		update wallets
		set free_credits = $3, last_free_credit_date = $4, updated_at = now()
		where id = $1 and lifecycle = 'active' and last_free_credit_date is not distinct from $2
	`

	sqlListActiveWallets = `
		select ` + walletColumns + `
		from wallets
		where lifecycle = 'active' and user_id > $1
		order by user_id
		limit $2
	`

	sqlUpdateWalletLifecycle = `
		update wallets
		set lifecycle = $3, archived_at = $4, updated_at = now()
		where user_id = $1 and lifecycle = $2
	`

	sqlDeleteWallet = `delete from wallets where user_id = $1 and lifecycle = 'archived'`

	sqlCountWallet = `select count(*) from wallets where user_id = $1`

	sqlInsertTransaction = `
		insert into credit_transactions(
			id, user_id, amount, credit_type, reason, external_pack_id, external_session_id,
			external_confirmation_id, amount_paid_usd, status, remarks, lifecycle, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, nullif($7, ''), $8, $9, $10, $11, $12, $13, $14)
	`

	sqlSelectTransaction = `select ` + transactionColumns + ` from credit_transactions where id = $1`

	sqlLockTransaction = sqlSelectTransaction + ` for update`

	sqlSelectTransactionBySession = `select ` + transactionColumns + ` from credit_transactions where external_session_id = $1`

	sqlUpdateTransactionStatus = `
		update credit_transactions
		set status = $3, external_confirmation_id = coalesce(nullif($4, ''), external_confirmation_id), updated_at = $5
		where id = $1 and status = $2
	`

	sqlCountTransactions = `
		select count(*) from credit_transactions
		where lifecycle = 'active' and ($1 = '' or user_id = $1)
	`

	sqlListTransactions = `
		select ` + transactionColumns + `
		from credit_transactions
		where lifecycle = 'active' and ($1 = '' or user_id = $1)
		order by created_at desc, id desc
		limit $2 offset $3
	`

	sqlUpdateTransactionLifecycle = `
		update credit_transactions
		set lifecycle = $3, archived_at = $4, updated_at = $5
		where id = $1 and lifecycle = $2
	`

	sqlDeleteTransaction = `delete from credit_transactions where id = $1 and lifecycle = 'archived'`

	sqlCountTransaction = `select count(*) from credit_transactions where id = $1`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool used by Store.
type Pool interface {
	querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store implements ledger.Store over pgx. Outside WithTx every statement autocommits.
type Store struct {
	pool Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) EnsureWallet(ctx context.Context, wallet ledger.Wallet) error {
	_, err := store.db.Exec(ctx, sqlEnsureWallet,
		wallet.ID.String(),
		wallet.UserID.String(),
		wallet.PaidCredits.Int64(),
		wallet.FreeCredits.Int64(),
		dateArgument(wallet.LastFreeCreditDate),
		wallet.Lifecycle.String(),
		wallet.CreatedAt.UTC(),
		wallet.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.selectWallet(ctx, sqlSelectWallet, userID, errorCodeGet)
}

func (store *Store) LockWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.selectWallet(ctx, sqlLockWallet, userID, errorCodeLock)
}

func (store *Store) selectWallet(ctx context.Context, query string, userID ledger.UserID, code string) (ledger.Wallet, error) {
	wallet, err := scanWallet(store.db.QueryRow(ctx, query, userID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, ledger.ErrWalletNotFound)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	return wallet, nil
}

func (store *Store) UpdateWalletCredits(ctx context.Context, walletID ledger.WalletID, paid ledger.Credits, free ledger.Credits) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWalletCredits, walletID.String(), paid.Int64(), free.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) ResetFreeCredits(ctx context.Context, walletID ledger.WalletID, expected ledger.Day, next ledger.Day, amount ledger.Credits) error {
	tag, err := store.db.Exec(ctx, sqlResetFreeCredits, walletID.String(), dateArgument(expected), amount.Int64(), dateArgument(next))
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeReset, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeReset, ledger.ErrPersistenceConflict)
	}
	return nil
}

func (store *Store) ListActiveWallets(ctx context.Context, afterUserID ledger.UserID, limit int) ([]ledger.Wallet, error) {
	rows, err := store.db.Query(ctx, sqlListActiveWallets, afterUserID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	defer rows.Close()
	var wallets []ledger.Wallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return wallets, nil
}

func (store *Store) UpdateWalletLifecycle(ctx context.Context, userID ledger.UserID, from ledger.Lifecycle, to ledger.Lifecycle, at time.Time) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWalletLifecycle, userID.String(), from.String(), to.String(), archivedAt(to, at))
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdateLifecycle, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdateLifecycle, store.missOrLifecycle(ctx, sqlCountWallet, userID.String(), ledger.ErrWalletNotFound))
	}
	return nil
}

func (store *Store) DeleteWallet(ctx context.Context, userID ledger.UserID) error {
	tag, err := store.db.Exec(ctx, sqlDeleteWallet, userID.String())
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, store.missOrLifecycle(ctx, sqlCountWallet, userID.String(), ledger.ErrWalletNotFound))
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.UserID.String(),
		transaction.Amount.Int64(),
		transaction.CreditType.String(),
		transaction.Reason,
		transaction.ExternalPackID,
		transaction.ExternalSessionID,
		transaction.ExternalConfirmationID,
		transaction.AmountPaidUSD,
		transaction.Status.String(),
		transaction.Remarks,
		transaction.Lifecycle.String(),
		transaction.CreatedAt.UTC(),
		transaction.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err, constraintTransactionSession) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateSession)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	return store.selectTransaction(ctx, sqlSelectTransaction, transactionID.String(), errorCodeGet)
}

func (store *Store) LockTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	return store.selectTransaction(ctx, sqlLockTransaction, transactionID.String(), errorCodeLock)
}

func (store *Store) FindTransactionBySession(ctx context.Context, externalSessionID string) (ledger.Transaction, error) {
	return store.selectTransaction(ctx, sqlSelectTransactionBySession, externalSessionID, errorCodeLookup)
}

func (store *Store) selectTransaction(ctx context.Context, query string, key string, code string) (ledger.Transaction, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, code, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, code, err)
	}
	return transaction, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID ledger.TransactionID, from ledger.TransactionStatus, to ledger.TransactionStatus, confirmationID string, at time.Time) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionStatus, transactionID.String(), from.String(), to.String(), confirmationID, at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		missing := store.missOrLifecycle(ctx, sqlCountTransaction, transactionID.String(), ledger.ErrTransactionNotFound)
		if errors.Is(missing, ledger.ErrInvalidLifecycle) {
			missing = ledger.ErrPersistenceConflict
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, missing)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, query ledger.TransactionQuery) ([]ledger.Transaction, int64, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlCountTransactions, query.UserID.String()).Scan(&total); err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	rows, err := store.db.Query(ctx, sqlListTransactions, query.UserID.String(), query.Limit, (query.Page-1)*query.Limit)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]ledger.Transaction, 0, query.Limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, total, nil
}

func (store *Store) UpdateTransactionLifecycle(ctx context.Context, transactionID ledger.TransactionID, from ledger.Lifecycle, to ledger.Lifecycle, at time.Time) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionLifecycle, transactionID.String(), from.String(), to.String(), archivedAt(to, at), at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateLifecycle, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateLifecycle, store.missOrLifecycle(ctx, sqlCountTransaction, transactionID.String(), ledger.ErrTransactionNotFound))
	}
	return nil
}

func (store *Store) DeleteTransaction(ctx context.Context, transactionID ledger.TransactionID) error {
	tag, err := store.db.Exec(ctx, sqlDeleteTransaction, transactionID.String())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeDelete, store.missOrLifecycle(ctx, sqlCountTransaction, transactionID.String(), ledger.ErrTransactionNotFound))
	}
	return nil
}

// missOrLifecycle tells an absent row apart from one in the wrong state.
func (store *Store) missOrLifecycle(ctx context.Context, query string, key string, notFound error) error {
	var count int64
	if err := store.db.QueryRow(ctx, query, key).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return ledger.ErrInvalidLifecycle
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		id, userID, lifecycleValue string
		paid, free                 int64
		lastFree                   pgtype.Date
		archived                   pgtype.Timestamptz
		createdAt, updatedAt       time.Time
	)
	if err := row.Scan(&id, &userID, &paid, &free, &lastFree, &lifecycleValue, &archived, &createdAt, &updatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	walletID, err := ledger.NewWalletID(id)
	if err != nil {
		return ledger.Wallet{}, err
	}
	owner, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	paidCredits, err := ledger.NewCredits(paid)
	if err != nil {
		return ledger.Wallet{}, err
	}
	freeCredits, err := ledger.NewCredits(free)
	if err != nil {
		return ledger.Wallet{}, err
	}
	lifecycle, err := ledger.ParseLifecycle(lifecycleValue)
	if err != nil {
		return ledger.Wallet{}, err
	}
	var lastFreeDay ledger.Day
	if lastFree.Valid {
		lastFreeDay = ledger.DayOf(lastFree.Time)
	}
	return ledger.Wallet{
		ID:                 walletID,
		UserID:             owner,
		PaidCredits:        paidCredits,
		FreeCredits:        freeCredits,
		LastFreeCreditDate: lastFreeDay,
		Lifecycle:          lifecycle,
		ArchivedAt:         timestampOrZero(archived),
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		id, userID, creditTypeValue, reason, packID, sessionID string
		confirmationID, statusValue, remarks, lifecycleValue   string
		amount                                                 int64
		amountPaid                                             decimal.NullDecimal
		archived                                               pgtype.Timestamptz
		createdAt, updatedAt                                   time.Time
	)
	err := row.Scan(&id, &userID, &amount, &creditTypeValue, &reason, &packID, &sessionID, &confirmationID,
		&amountPaid, &statusValue, &remarks, &lifecycleValue, &archived, &createdAt, &updatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionID, err := ledger.NewTransactionID(id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	owner, err := ledger.NewUserID(userID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	parsedAmount, err := ledger.NewAmount(amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	creditType, err := ledger.ParseCreditType(creditTypeValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(statusValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	lifecycle, err := ledger.ParseLifecycle(lifecycleValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:                     transactionID,
		UserID:                 owner,
		Amount:                 parsedAmount,
		CreditType:             creditType,
		Reason:                 reason,
		ExternalPackID:         packID,
		ExternalSessionID:      sessionID,
		ExternalConfirmationID: confirmationID,
		AmountPaidUSD:          amountPaid,
		Status:                 status,
		Remarks:                remarks,
		Lifecycle:              lifecycle,
		ArchivedAt:             timestampOrZero(archived),
		CreatedAt:              createdAt,
		UpdatedAt:              updatedAt,
	}, nil
}

func dateArgument(day ledger.Day) pgtype.Date {
	if day.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: day.Time(), Valid: true}
}

func archivedAt(to ledger.Lifecycle, at time.Time) pgtype.Timestamptz {
	if to != ledger.LifecycleArchived {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: at.UTC(), Valid: true}
}

func timestampOrZero(value pgtype.Timestamptz) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return value.Time
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
