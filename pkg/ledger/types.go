package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// WalletID identifies a stored wallet row.
type WalletID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// Credits is a non-negative quantity held in a wallet bucket.
type Credits int64

// Amount is the strictly positive quantity carried by a transaction.
type Amount int64

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewWalletID validates a wallet id (uuid).
func NewWalletID(raw string) (WalletID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return WalletID{}, fmt.Errorf("%w: %v", ErrInvalidWalletID, err)
	}
	return WalletID{value: parsed.String()}, nil
}

// NewRandomWalletID allocates a fresh wallet id.
func NewRandomWalletID() WalletID {
	return WalletID{value: uuid.NewString()}
}

// String returns the normalized identifier.
func (id WalletID) String() string {
	return id.value
}

// NewTransactionID validates a transaction id (uuid).
func NewTransactionID(raw string) (TransactionID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return TransactionID{}, fmt.Errorf("%w: %v", ErrInvalidTransactionID, err)
	}
	return TransactionID{value: parsed.String()}, nil
}

// NewRandomTransactionID allocates a fresh transaction id.
func NewRandomTransactionID() TransactionID {
	return TransactionID{value: uuid.NewString()}
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewCredits validates a bucket quantity.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw quantity.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewAmount validates a transaction amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 exposes the raw amount.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// Credits converts the amount into a bucket quantity.
func (amount Amount) Credits() Credits {
	return Credits(amount)
}

// TransactionStatus is the monotonic lifecycle of a ledger transaction.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusSuccess  TransactionStatus = "success"
	TransactionStatusReversed TransactionStatus = "reversed"
)

// ParseTransactionStatus validates a stored status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionStatusPending:
		return TransactionStatusPending, nil
	case TransactionStatusSuccess:
		return TransactionStatusSuccess, nil
	case TransactionStatusReversed:
		return TransactionStatusReversed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// CanTransitionTo reports whether moving to next keeps the status monotonic.
// pending -> success, pending -> reversed (cancelled before apply) and
// success -> reversed (admin reversal). reversed is terminal.
func (status TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch status {
	case TransactionStatusPending:
		return next == TransactionStatusSuccess || next == TransactionStatusReversed
	case TransactionStatusSuccess:
		return next == TransactionStatusReversed
	default:
		return false
	}
}

// Lifecycle replaces the soft-delete flag and timestamp pair.
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "active"
	LifecycleArchived Lifecycle = "archived"
)

// ParseLifecycle validates a stored lifecycle value.
func ParseLifecycle(raw string) (Lifecycle, error) {
	switch Lifecycle(strings.ToLower(strings.TrimSpace(raw))) {
	case LifecycleActive:
		return LifecycleActive, nil
	case LifecycleArchived:
		return LifecycleArchived, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLifecycleStatus, raw)
	}
}

// String returns the stored representation.
func (lifecycle Lifecycle) String() string {
	return string(lifecycle)
}

// Wallet is the per-user balance split into paid and free buckets.
// A zero LastFreeCreditDate means the wallet never received a daily allotment.
type Wallet struct {
	ID                 WalletID
	UserID             UserID
	PaidCredits        Credits
	FreeCredits        Credits
	LastFreeCreditDate Day
	Lifecycle          Lifecycle
	ArchivedAt         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Total is always derived from the two buckets.
func (wallet Wallet) Total() Credits {
	return wallet.PaidCredits + wallet.FreeCredits
}

// Balance returns the read view of the wallet.
func (wallet Wallet) Balance() Balance {
	return Balance{
		Paid:  wallet.PaidCredits,
		Free:  wallet.FreeCredits,
		Total: wallet.Total(),
	}
}

// WithDelta applies signed deltas and rejects results that would drive a bucket negative.
func (wallet Wallet) WithDelta(deltaPaid int64, deltaFree int64) (Wallet, error) {
	paid := wallet.PaidCredits.Int64() + deltaPaid
	free := wallet.FreeCredits.Int64() + deltaFree
	if paid < 0 || free < 0 {
		return Wallet{}, fmt.Errorf("%w: paid=%d free=%d", ErrInvariantViolation, paid, free)
	}
	wallet.PaidCredits = Credits(paid)
	wallet.FreeCredits = Credits(free)
	return wallet, nil
}

// Balance is the read view of a wallet.
type Balance struct {
	Paid  Credits
	Free  Credits
	Total Credits
}

// Transaction is one credit-affecting ledger event.
// Amount and CreditType never change after creation.
type Transaction struct {
	ID                     TransactionID
	UserID                 UserID
	Amount                 Amount
	CreditType             CreditType
	Reason                 string
	ExternalPackID         string
	ExternalSessionID      string
	ExternalConfirmationID string
	AmountPaidUSD          decimal.NullDecimal
	Status                 TransactionStatus
	Remarks                string
	Lifecycle              Lifecycle
	ArchivedAt             time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TransactionRequest carries the caller-provided fields of a new transaction.
type TransactionRequest struct {
	UserID            UserID
	Amount            Amount
	CreditType        CreditType
	Reason            string
	ExternalPackID    string
	ExternalSessionID string
	AmountPaidUSD     decimal.NullDecimal
	Remarks           string
}

// Validate checks the request before it reaches the store.
func (request TransactionRequest) Validate() error {
	if request.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if _, err := ParseCreditType(request.CreditType.String()); err != nil {
		return err
	}
	return nil
}

// TransactionQuery filters a paginated transaction listing.
// A zero UserID lists every user's transactions.
type TransactionQuery struct {
	UserID UserID
	Page   int
	Limit  int
}

// TransactionPage is one page of a transaction listing.
type TransactionPage struct {
	Items      []Transaction
	Page       int
	Limit      int
	Total      int64
	TotalPages int
}

// ApplyResult reports the wallet after an apply and whether this call mutated it.
type ApplyResult struct {
	Wallet      Wallet
	Transaction Transaction
	Applied     bool
}

// SweepReport summarizes one pass of the daily refresh sweep.
type SweepReport struct {
	Scanned   int
	Reset     int
	Conflicts int
}
