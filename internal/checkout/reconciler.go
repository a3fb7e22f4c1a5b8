package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultCurrency       = "usd"
	successPathTemplate   = "%s/credit/success?session_id={CHECKOUT_SESSION_ID}"
	cancelPathTemplate    = "%s/credit/cancel"
	purchaseReasonPrefix  = "credit pack purchase: "
	metadataKeyUserID     = "user_id"
	metadataKeyPackID     = "pack_id"
	metadataKeyCredits    = "credits"
	logFieldSessionID     = "session_id"
	logFieldEventID       = "event_id"
	logFieldEventType     = "event_type"
	logFieldTransactionID = "transaction_id"
	logFieldProvider      = "provider"
)

// VerificationStatus is the caller-facing state of a checkout after verify.
type VerificationStatus string

const (
	VerificationCompleted VerificationStatus = "completed"
	VerificationPending   VerificationStatus = "pending"
)

// ReconcilerConfig wires the Reconciler collaborators. Events is optional.
type ReconcilerConfig struct {
	Ledger   Ledger
	Provider PaymentProvider
	Catalog  PackCatalog
	Events   WebhookEventLog
	Logger   *zap.Logger
	Currency string
}

// Reconciler turns payment provider signals into ledger applies.
type Reconciler struct {
	ledger   Ledger
	provider PaymentProvider
	catalog  PackCatalog
	events   WebhookEventLog
	logger   *zap.Logger
	currency string
}

// NewReconciler validates the collaborators.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	switch {
	case config.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidReconciler)
	case config.Provider == nil:
		return nil, fmt.Errorf("%w: payment provider is required", ErrInvalidReconciler)
	case config.Catalog == nil:
		return nil, fmt.Errorf("%w: pack catalog is required", ErrInvalidReconciler)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	currency := strings.ToLower(strings.TrimSpace(config.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &Reconciler{
		ledger:   config.Ledger,
		provider: config.Provider,
		catalog:  config.Catalog,
		events:   config.Events,
		logger:   logger,
		currency: currency,
	}, nil
}

// PurchaseRequest starts a checkout for one pack.
type PurchaseRequest struct {
	UserID  ledger.UserID
	Email   string
	PackID  string
	BaseURL string
}

// Purchase is the started checkout and its pending ledger row.
type Purchase struct {
	SessionID   string
	RedirectURL string
	Pack        CreditPack
	Transaction ledger.Transaction
}

// WebhookResult reports how a verified event was handled.
type WebhookResult struct {
	EventID   string
	SessionID string
	Outcome   string
}

// Verification is the result of a verify-after-redirect call.
type Verification struct {
	Status        VerificationStatus
	TransactionID ledger.TransactionID
	Applied       bool
	Balance       ledger.Balance
}

// ListPacks exposes the active catalog.
func (reconciler *Reconciler) ListPacks(ctx context.Context) ([]CreditPack, error) {
	return reconciler.catalog.ListPacks(ctx)
}

// StartPurchase opens a provider checkout and then records the pending paid transaction.
func (reconciler *Reconciler) StartPurchase(ctx context.Context, request PurchaseRequest) (Purchase, error) {
	if request.UserID.IsZero() {
		return Purchase{}, fmt.Errorf("%w: user id is required", ErrInvalidPurchase)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(request.BaseURL), "/")
	if baseURL == "" {
		return Purchase{}, fmt.Errorf("%w: base url is required", ErrInvalidPurchase)
	}
	pack, err := reconciler.catalog.GetPack(ctx, strings.TrimSpace(request.PackID))
	if err != nil {
		return Purchase{}, err
	}
	session, err := reconciler.provider.CreateCheckout(ctx, CheckoutRequest{
		PackID:            pack.ID,
		ProviderPriceID:   pack.ProviderPriceID,
		ProductName:       pack.Name,
		AmountCents:       pack.PriceCents(),
		Currency:          reconciler.currency,
		CustomerEmail:     strings.TrimSpace(request.Email),
		ClientReferenceID: request.UserID.String(),
		SuccessURL:        fmt.Sprintf(successPathTemplate, baseURL),
		CancelURL:         fmt.Sprintf(cancelPathTemplate, baseURL),
		Metadata: map[string]string{
			metadataKeyUserID:  request.UserID.String(),
			metadataKeyPackID:  pack.ID,
			metadataKeyCredits: fmt.Sprintf("%d", pack.Credits.Int64()),
		},
	})
	if err != nil {
		reconciler.logger.Error("checkout session create failed",
			zap.String(logFieldProvider, reconciler.provider.Name()),
			zap.String("pack_id", pack.ID),
			zap.Error(err))
		return Purchase{}, fmt.Errorf("%w: %w", ErrPaymentNotCompleted, err)
	}
	transaction, err := reconciler.ledger.CreateTransaction(ctx, ledger.TransactionRequest{
		UserID:            request.UserID,
		Amount:            pack.Credits,
		CreditType:        ledger.CreditTypePaid,
		Reason:            purchaseReasonPrefix + pack.Name,
		ExternalPackID:    pack.ID,
		ExternalSessionID: session.SessionID,
		AmountPaidUSD:     decimal.NewNullDecimal(pack.PriceUSD()),
	})
	if err != nil {
		return Purchase{}, err
	}
	return Purchase{
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
		Pack:        pack,
		Transaction: transaction,
	}, nil
}

// HandleWebhook verifies and reconciles one provider delivery. Unknown sessions
// and ignorable events are acknowledged without error so the provider stops retrying.
func (reconciler *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	providerName := reconciler.provider.Name()
	event, err := reconciler.provider.VerifyWebhook(payload, signature)
	if err != nil {
		reconciler.logger.Warn("webhook rejected",
			zap.String(logFieldProvider, providerName),
			zap.Error(err))
		if !errors.Is(err, ledger.ErrInvalidSignature) {
			err = fmt.Errorf("%w: %w", ledger.ErrInvalidSignature, err)
		}
		return WebhookResult{}, err
	}
	result := WebhookResult{EventID: event.EventID, SessionID: event.SessionID}

	if reconciler.events != nil {
		fresh, err := reconciler.events.BeginEvent(ctx, providerName, event)
		if err != nil {
			return result, err
		}
		if !fresh {
			result.Outcome = EventOutcomeDuplicate
			reconciler.logger.Info("webhook event already processed",
				zap.String(logFieldEventID, event.EventID),
				zap.String(logFieldSessionID, event.SessionID))
			return result, nil
		}
	}

	outcome, err := reconciler.reconcileEvent(ctx, event)
	result.Outcome = outcome
	if reconciler.events != nil {
		if finishErr := reconciler.events.FinishEvent(ctx, providerName, event.EventID, outcome); finishErr != nil {
			reconciler.logger.Error("webhook event outcome not recorded",
				zap.String(logFieldEventID, event.EventID),
				zap.String("outcome", outcome),
				zap.Error(finishErr))
		}
	}
	return result, err
}

func (reconciler *Reconciler) reconcileEvent(ctx context.Context, event PaymentEvent) (string, error) {
	if !event.CompletesCheckout() {
		reconciler.logger.Debug("webhook event ignored",
			zap.String(logFieldEventID, event.EventID),
			zap.String(logFieldEventType, event.EventType),
			zap.String("payment_status", string(event.PaymentStatus)))
		return EventOutcomeIgnored, nil
	}
	transaction, err := reconciler.ledger.FindTransactionBySession(ctx, event.SessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			reconciler.logger.Warn("webhook for unknown checkout session",
				zap.String(logFieldEventID, event.EventID),
				zap.String(logFieldSessionID, event.SessionID))
			return EventOutcomeUnknownSession, nil
		}
		return EventOutcomeFailed, err
	}
	if mismatched(transaction, event.AmountTotalCents) {
		reconciler.logger.Warn("webhook amount does not match purchase",
			zap.String(logFieldEventID, event.EventID),
			zap.String(logFieldSessionID, event.SessionID),
			zap.String(logFieldTransactionID, transaction.ID.String()),
			zap.Int64("amount_total_cents", event.AmountTotalCents),
			zap.String("amount_paid_usd", transaction.AmountPaidUSD.Decimal.StringFixed(2)))
		return EventOutcomeAmountMismatch, nil
	}
	applied, err := reconciler.ledger.ApplyConfirmed(ctx, transaction.ID, event.ConfirmationID)
	if err != nil {
		reconciler.logger.Error("webhook apply failed",
			zap.String(logFieldEventID, event.EventID),
			zap.String(logFieldTransactionID, transaction.ID.String()),
			zap.Error(err))
		return EventOutcomeFailed, err
	}
	if !applied.Applied {
		return EventOutcomeDuplicate, nil
	}
	reconciler.logger.Info("webhook applied purchase",
		zap.String(logFieldEventID, event.EventID),
		zap.String(logFieldTransactionID, transaction.ID.String()),
		zap.String("user_id", transaction.UserID.String()),
		zap.Int64("credits", transaction.Amount.Int64()))
	return EventOutcomeApplied, nil
}

// VerifySession reconciles a checkout from the buyer's redirect. Sessions that
// are not yet paid report VerificationPending with ErrPaymentNotCompleted.
func (reconciler *Reconciler) VerifySession(ctx context.Context, userID ledger.UserID, sessionID string) (Verification, error) {
	sessionID = strings.TrimSpace(sessionID)
	if userID.IsZero() || sessionID == "" {
		return Verification{}, fmt.Errorf("%w: user id and session id are required", ErrInvalidPurchase)
	}
	transaction, err := reconciler.ledger.FindTransactionBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Verification{}, fmt.Errorf("%w: %w", ErrPaymentNotCompleted, err)
		}
		return Verification{}, err
	}
	if transaction.UserID != userID {
		reconciler.logger.Warn("verify for session owned by another user",
			zap.String(logFieldSessionID, sessionID),
			zap.String("user_id", userID.String()))
		return Verification{}, ErrSessionNotOwned
	}
	verification := Verification{Status: VerificationPending, TransactionID: transaction.ID}
	switch transaction.Status {
	case ledger.TransactionStatusSuccess:
		return reconciler.alreadyCompleted(ctx, verification, userID)
	case ledger.TransactionStatusReversed:
		return Verification{TransactionID: transaction.ID}, ErrPaymentNotCompleted
	}

	status, err := reconciler.provider.GetSession(ctx, sessionID)
	if err != nil {
		reconciler.logger.Error("checkout session lookup failed",
			zap.String(logFieldSessionID, sessionID),
			zap.Error(err))
		return verification, fmt.Errorf("%w: %w", ErrPaymentNotCompleted, err)
	}
	if !status.PaymentStatus.Settled() {
		return verification, ErrPaymentNotCompleted
	}
	if mismatched(transaction, status.AmountTotalCents) {
		reconciler.logger.Warn("verified amount does not match purchase",
			zap.String(logFieldSessionID, sessionID),
			zap.Int64("amount_total_cents", status.AmountTotalCents))
		return verification, ErrPaymentNotCompleted
	}
	applied, err := reconciler.ledger.ApplyConfirmed(ctx, transaction.ID, status.ConfirmationID)
	if err != nil {
		return verification, err
	}
	verification.Status = VerificationCompleted
	verification.Applied = applied.Applied
	verification.Balance = applied.Wallet.Balance()
	return verification, nil
}

func (reconciler *Reconciler) alreadyCompleted(ctx context.Context, verification Verification, userID ledger.UserID) (Verification, error) {
	balance, err := reconciler.ledger.GetWalletBalance(ctx, userID)
	if err != nil {
		return verification, err
	}
	verification.Status = VerificationCompleted
	verification.Balance = balance
	return verification, nil
}

// mismatched reports a provider total that disagrees with the recorded price.
// A zero total or an unpriced transaction is not compared.
func mismatched(transaction ledger.Transaction, amountTotalCents int64) bool {
	if amountTotalCents <= 0 || !transaction.AmountPaidUSD.Valid {
		return false
	}
	expected := transaction.AmountPaidUSD.Decimal.Mul(hundred).Round(0).IntPart()
	return expected != amountTotalCents
}
