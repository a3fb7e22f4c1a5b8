package checkout

import (
	"context"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/shopspring/decimal"
)

var (
	// ErrPaymentNotCompleted is the only purchase failure shown to end users.
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrPackNotFound        = errors.New("credit pack not found")
	ErrInvalidPack         = errors.New("invalid credit pack")
	ErrInvalidPurchase     = errors.New("invalid purchase request")
	ErrSessionNotOwned     = errors.New("checkout session belongs to another user")
	ErrInvalidReconciler   = errors.New("invalid reconciler config")
)

// PaymentStatus is the provider's view of whether a checkout was paid.
type PaymentStatus string

const (
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

// Settled reports whether the status allows crediting the wallet.
func (status PaymentStatus) Settled() bool {
	return status == PaymentStatusPaid || status == PaymentStatusNoPaymentRequired
}

// EventTypeCheckoutCompleted is the only event type that drives the Applier.
const EventTypeCheckoutCompleted = "checkout.session.completed"

// CreditPack is a purchasable bundle of paid credits.
type CreditPack struct {
	ID              string
	Name            string
	Credits         ledger.Amount
	BasePriceUSD    decimal.Decimal
	DiscountPercent int64
	ProviderPriceID string
	Badge           string
	Features        []string
	Lifecycle       ledger.Lifecycle
}

var hundred = decimal.NewFromInt(100)

// PriceUSD is the discounted price rounded to cents.
func (pack CreditPack) PriceUSD() decimal.Decimal {
	if pack.DiscountPercent <= 0 {
		return pack.BasePriceUSD.Round(2)
	}
	factor := hundred.Sub(decimal.NewFromInt(pack.DiscountPercent)).Div(hundred)
	return pack.BasePriceUSD.Mul(factor).Round(2)
}

// PriceCents converts PriceUSD to the provider's minor unit.
func (pack CreditPack) PriceCents() int64 {
	return pack.PriceUSD().Mul(hundred).IntPart()
}

// Validate checks the catalog invariants of a pack.
func (pack CreditPack) Validate() error {
	switch {
	case strings.TrimSpace(pack.ID) == "":
		return errors.Join(ErrInvalidPack, errors.New("pack id is empty"))
	case pack.Credits <= 0:
		return errors.Join(ErrInvalidPack, errors.New("credits must be positive"))
	case pack.BasePriceUSD.IsNegative():
		return errors.Join(ErrInvalidPack, errors.New("price must not be negative"))
	case pack.DiscountPercent < 0 || pack.DiscountPercent > 100:
		return errors.Join(ErrInvalidPack, errors.New("discount must be within 0..100"))
	}
	return nil
}

// PackCatalog lists and resolves active credit packs.
type PackCatalog interface {
	ListPacks(ctx context.Context) ([]CreditPack, error)
	GetPack(ctx context.Context, packID string) (CreditPack, error)
}

// CheckoutRequest is what the provider needs to open a hosted checkout.
type CheckoutRequest struct {
	PackID            string
	ProviderPriceID   string
	ProductName       string
	AmountCents       int64
	Currency          string
	CustomerEmail     string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}

// CheckoutSession is the provider's answer to CreateCheckout.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

// SessionStatus is the provider's current view of a checkout session.
type SessionStatus struct {
	SessionID         string
	PaymentStatus     PaymentStatus
	ConfirmationID    string
	AmountTotalCents  int64
	ClientReferenceID string
}

// PaymentEvent is a verified webhook event.
type PaymentEvent struct {
	EventID          string
	EventType        string
	SessionID        string
	ConfirmationID   string
	PaymentStatus    PaymentStatus
	AmountTotalCents int64
}

// CompletesCheckout reports whether the event should credit a wallet.
func (event PaymentEvent) CompletesCheckout() bool {
	return event.EventType == EventTypeCheckoutCompleted && event.SessionID != "" && event.PaymentStatus.Settled()
}

// PaymentProvider is the external payment collaborator.
// VerifyWebhook returns an error wrapping ledger.ErrInvalidSignature for untrusted payloads.
type PaymentProvider interface {
	Name() string
	CreateCheckout(ctx context.Context, request CheckoutRequest) (CheckoutSession, error)
	VerifyWebhook(payload []byte, signature string) (PaymentEvent, error)
	GetSession(ctx context.Context, sessionID string) (SessionStatus, error)
}

// Webhook event outcomes recorded in the audit log.
const (
	EventOutcomeReceived       = "received"
	EventOutcomeApplied        = "applied"
	EventOutcomeDuplicate      = "duplicate"
	EventOutcomeIgnored        = "ignored"
	EventOutcomeUnknownSession = "unknown_session"
	EventOutcomeAmountMismatch = "amount_mismatch"
	EventOutcomeFailed         = "failed"
)

// WebhookEventLog records each verified event once per provider and event id.
type WebhookEventLog interface {
	// BeginEvent records a received event. It reports false when the event id
	// was already handled to a terminal outcome.
	BeginEvent(ctx context.Context, provider string, event PaymentEvent) (bool, error)
	FinishEvent(ctx context.Context, provider string, eventID string, outcome string) error
}

// Ledger is the subset of ledger.Service the reconciler drives.
type Ledger interface {
	CreateTransaction(ctx context.Context, request ledger.TransactionRequest) (ledger.Transaction, error)
	FindTransactionBySession(ctx context.Context, externalSessionID string) (ledger.Transaction, error)
	ApplyConfirmed(ctx context.Context, transactionID ledger.TransactionID, confirmationID string) (ledger.ApplyResult, error)
	GetWalletBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
}
