// Package stripepay implements checkout.PaymentProvider on Stripe Checkout.
package stripepay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	providerName                 = "stripe"
	expandPaymentIntent          = "payment_intent"
	eventTypeAsyncPaymentSettled = "checkout.session.async_payment_succeeded"
)

var ErrInvalidConfig = errors.New("invalid stripe config")

// Config carries Stripe credentials. APIBaseURL overrides the API host (tests, proxies).
type Config struct {
	SecretKey     string
	WebhookSecret string
	APIBaseURL    string
	Logger        *zap.Logger
}

// Provider talks to Stripe Checkout and verifies Stripe webhooks.
type Provider struct {
	sessions      session.Client
	webhookSecret string
}

// New builds a Provider with its own backend so the global stripe.Key is never touched.
func New(config Config) (*Provider, error) {
	secretKey := strings.TrimSpace(config.SecretKey)
	if secretKey == "" {
		return nil, fmt.Errorf("%w: secret key is required", ErrInvalidConfig)
	}
	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backendConfig := &stripe.BackendConfig{
		LeveledLogger:     logger.Sugar(),
		MaxNetworkRetries: stripe.Int64(2),
	}
	if baseURL := strings.TrimRight(strings.TrimSpace(config.APIBaseURL), "/"); baseURL != "" {
		backendConfig.URL = stripe.String(baseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)
	return &Provider{
		sessions:      session.Client{B: backend, Key: secretKey},
		webhookSecret: webhookSecret,
	}, nil
}

func (provider *Provider) Name() string {
	return providerName
}

// CreateCheckout opens a one-off payment session. A configured Stripe price wins
// over inline price data.
func (provider *Provider) CreateCheckout(ctx context.Context, request checkout.CheckoutRequest) (checkout.CheckoutSession, error) {
	lineItem := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if request.ProviderPriceID != "" {
		lineItem.Price = stripe.String(request.ProviderPriceID)
	} else {
		lineItem.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(request.Currency),
			UnitAmount: stripe.Int64(request.AmountCents),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(request.ProductName),
			},
		}
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(request.SuccessURL),
		CancelURL:         stripe.String(request.CancelURL),
		ClientReferenceID: stripe.String(request.ClientReferenceID),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem},
	}
	if request.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(request.CustomerEmail)
	}
	for key, value := range request.Metadata {
		params.AddMetadata(key, value)
	}
	params.Context = ctx

	created, err := provider.sessions.New(params)
	if err != nil {
		return checkout.CheckoutSession{}, fmt.Errorf("stripe checkout create: %w", err)
	}
	return checkout.CheckoutSession{SessionID: created.ID, RedirectURL: created.URL}, nil
}

// GetSession reads the current payment state of a checkout session.
func (provider *Provider) GetSession(ctx context.Context, sessionID string) (checkout.SessionStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand(expandPaymentIntent)
	params.Context = ctx
	found, err := provider.sessions.Get(sessionID, params)
	if err != nil {
		return checkout.SessionStatus{}, fmt.Errorf("stripe checkout get: %w", err)
	}
	return sessionStatus(found), nil
}

// VerifyWebhook checks the Stripe-Signature header and decodes checkout session events.
func (provider *Provider) VerifyWebhook(payload []byte, signature string) (checkout.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, provider.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return checkout.PaymentEvent{}, fmt.Errorf("%w: %w", ledger.ErrInvalidSignature, err)
	}
	paymentEvent := checkout.PaymentEvent{
		EventID:   event.ID,
		EventType: string(event.Type),
	}
	if event.Type == stripe.EventTypeCheckoutSessionCompleted || string(event.Type) == eventTypeAsyncPaymentSettled {
		paymentEvent.EventType = checkout.EventTypeCheckoutCompleted
	}
	if event.Data == nil || !strings.HasPrefix(string(event.Type), "checkout.session.") {
		return paymentEvent, nil
	}
	var completed stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &completed); err != nil {
		return checkout.PaymentEvent{}, fmt.Errorf("%w: decode checkout session: %w", ledger.ErrInvalidSignature, err)
	}
	status := sessionStatus(&completed)
	paymentEvent.SessionID = status.SessionID
	paymentEvent.ConfirmationID = status.ConfirmationID
	paymentEvent.PaymentStatus = status.PaymentStatus
	paymentEvent.AmountTotalCents = status.AmountTotalCents
	return paymentEvent, nil
}

func sessionStatus(found *stripe.CheckoutSession) checkout.SessionStatus {
	status := checkout.SessionStatus{
		SessionID:         found.ID,
		PaymentStatus:     checkout.PaymentStatus(found.PaymentStatus),
		AmountTotalCents:  found.AmountTotal,
		ClientReferenceID: found.ClientReferenceID,
	}
	if found.PaymentIntent != nil {
		status.ConfirmationID = found.PaymentIntent.ID
	}
	return status
}
