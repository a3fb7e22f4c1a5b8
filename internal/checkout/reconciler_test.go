package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	testPackID    = "starter"
	testSessionID = "cs_test_123"
	testBaseURL   = "https://app.example.com/"
	testPriceID   = "price_123"
)

type fakeLedger struct {
	mu           sync.Mutex
	transactions map[string]ledger.Transaction
	wallets      map[string]ledger.Wallet
	applyCalls   int
	applyErr     error
	createErr    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		transactions: map[string]ledger.Transaction{},
		wallets:      map[string]ledger.Wallet{},
	}
}

func (fake *fakeLedger) CreateTransaction(_ context.Context, request ledger.TransactionRequest) (ledger.Transaction, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.createErr != nil {
		return ledger.Transaction{}, fake.createErr
	}
	transaction := ledger.Transaction{
		ID:                ledger.NewRandomTransactionID(),
		UserID:            request.UserID,
		Amount:            request.Amount,
		CreditType:        request.CreditType,
		Reason:            request.Reason,
		ExternalPackID:    request.ExternalPackID,
		ExternalSessionID: request.ExternalSessionID,
		AmountPaidUSD:     request.AmountPaidUSD,
		Status:            ledger.TransactionStatusPending,
		Lifecycle:         ledger.LifecycleActive,
	}
	fake.transactions[request.ExternalSessionID] = transaction
	return transaction, nil
}

func (fake *fakeLedger) FindTransactionBySession(_ context.Context, externalSessionID string) (ledger.Transaction, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	transaction, ok := fake.transactions[externalSessionID]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return transaction, nil
}

func (fake *fakeLedger) ApplyConfirmed(_ context.Context, transactionID ledger.TransactionID, confirmationID string) (ledger.ApplyResult, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.applyCalls++
	if fake.applyErr != nil {
		return ledger.ApplyResult{}, fake.applyErr
	}
	for sessionID, transaction := range fake.transactions {
		if transaction.ID != transactionID {
			continue
		}
		wallet := fake.wallets[transaction.UserID.String()]
		if transaction.Status != ledger.TransactionStatusPending {
			return ledger.ApplyResult{Wallet: wallet, Transaction: transaction}, nil
		}
		wallet.PaidCredits += transaction.Amount.Credits()
		fake.wallets[transaction.UserID.String()] = wallet
		transaction.Status = ledger.TransactionStatusSuccess
		transaction.ExternalConfirmationID = confirmationID
		fake.transactions[sessionID] = transaction
		return ledger.ApplyResult{Wallet: wallet, Transaction: transaction, Applied: true}, nil
	}
	return ledger.ApplyResult{}, ledger.ErrTransactionNotFound
}

func (fake *fakeLedger) GetWalletBalance(_ context.Context, userID ledger.UserID) (ledger.Balance, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.wallets[userID.String()].Balance(), nil
}

func (fake *fakeLedger) transaction(sessionID string) ledger.Transaction {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.transactions[sessionID]
}

type fakeProvider struct {
	checkoutRequests []CheckoutRequest
	createErr        error
	event            PaymentEvent
	verifyErr        error
	status           SessionStatus
	statusErr        error
}

func (provider *fakeProvider) Name() string { return "fake" }

func (provider *fakeProvider) CreateCheckout(_ context.Context, request CheckoutRequest) (CheckoutSession, error) {
	provider.checkoutRequests = append(provider.checkoutRequests, request)
	if provider.createErr != nil {
		return CheckoutSession{}, provider.createErr
	}
	return CheckoutSession{SessionID: testSessionID, RedirectURL: "https://pay.example.com/" + testSessionID}, nil
}

func (provider *fakeProvider) VerifyWebhook(_ []byte, signature string) (PaymentEvent, error) {
	if provider.verifyErr != nil {
		return PaymentEvent{}, provider.verifyErr
	}
	if signature == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing signature", ledger.ErrInvalidSignature)
	}
	return provider.event, nil
}

func (provider *fakeProvider) GetSession(_ context.Context, _ string) (SessionStatus, error) {
	return provider.status, provider.statusErr
}

type fakeCatalog struct {
	packs map[string]CreditPack
}

func (catalog fakeCatalog) ListPacks(context.Context) ([]CreditPack, error) {
	packs := make([]CreditPack, 0, len(catalog.packs))
	for _, pack := range catalog.packs {
		packs = append(packs, pack)
	}
	return packs, nil
}

func (catalog fakeCatalog) GetPack(_ context.Context, packID string) (CreditPack, error) {
	pack, ok := catalog.packs[packID]
	if !ok {
		return CreditPack{}, ErrPackNotFound
	}
	return pack, nil
}

type fakeEventLog struct {
	outcomes map[string]string
}

func (eventLog *fakeEventLog) BeginEvent(_ context.Context, _ string, event PaymentEvent) (bool, error) {
	outcome, ok := eventLog.outcomes[event.EventID]
	if ok && outcome != EventOutcomeReceived && outcome != EventOutcomeFailed {
		return false, nil
	}
	eventLog.outcomes[event.EventID] = EventOutcomeReceived
	return true, nil
}

func (eventLog *fakeEventLog) FinishEvent(_ context.Context, _ string, eventID string, outcome string) error {
	eventLog.outcomes[eventID] = outcome
	return nil
}

type reconcilerFixture struct {
	reconciler *Reconciler
	ledger     *fakeLedger
	provider   *fakeProvider
	events     *fakeEventLog
	userID     ledger.UserID
}

func newReconcilerFixture(test *testing.T) reconcilerFixture {
	test.Helper()
	userID, err := ledger.NewUserID("buyer-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	fixture := reconcilerFixture{
		ledger:   newFakeLedger(),
		provider: &fakeProvider{},
		events:   &fakeEventLog{outcomes: map[string]string{}},
		userID:   userID,
	}
	catalog := fakeCatalog{packs: map[string]CreditPack{
		testPackID: {
			ID:              testPackID,
			Name:            "Starter",
			Credits:         100,
			BasePriceUSD:    decimal.RequireFromString("10.00"),
			DiscountPercent: 10,
			ProviderPriceID: testPriceID,
			Lifecycle:       ledger.LifecycleActive,
		},
	}}
	reconciler, err := NewReconciler(ReconcilerConfig{
		Ledger:   fixture.ledger,
		Provider: fixture.provider,
		Catalog:  catalog,
		Events:   fixture.events,
	})
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	fixture.reconciler = reconciler
	return fixture
}

func (fixture reconcilerFixture) startPurchase(test *testing.T) Purchase {
	test.Helper()
	purchase, err := fixture.reconciler.StartPurchase(context.Background(), PurchaseRequest{
		UserID:  fixture.userID,
		Email:   "buyer@example.com",
		PackID:  testPackID,
		BaseURL: testBaseURL,
	})
	if err != nil {
		test.Fatalf("start purchase: %v", err)
	}
	return purchase
}

func completedEvent(eventID string) PaymentEvent {
	return PaymentEvent{
		EventID:          eventID,
		EventType:        EventTypeCheckoutCompleted,
		SessionID:        testSessionID,
		ConfirmationID:   "pi_123",
		PaymentStatus:    PaymentStatusPaid,
		AmountTotalCents: 900,
	}
}

func TestNewReconcilerRequiresCollaborators(test *testing.T) {
	_, err := NewReconciler(ReconcilerConfig{})
	if !errors.Is(err, ErrInvalidReconciler) {
		test.Fatalf("expected ErrInvalidReconciler, got %v", err)
	}
}

func TestStartPurchaseCreatesPendingTransactionAfterCheckout(test *testing.T) {
	fixture := newReconcilerFixture(test)
	purchase := fixture.startPurchase(test)

	if purchase.SessionID != testSessionID {
		test.Fatalf("unexpected session %q", purchase.SessionID)
	}
	if len(fixture.provider.checkoutRequests) != 1 {
		test.Fatalf("expected one checkout request")
	}
	request := fixture.provider.checkoutRequests[0]
	if request.AmountCents != 900 {
		test.Fatalf("expected discounted 900 cents, got %d", request.AmountCents)
	}
	if request.SuccessURL != "https://app.example.com/credit/success?session_id={CHECKOUT_SESSION_ID}" {
		test.Fatalf("unexpected success url %q", request.SuccessURL)
	}
	if request.CancelURL != "https://app.example.com/credit/cancel" {
		test.Fatalf("unexpected cancel url %q", request.CancelURL)
	}
	if request.Currency != defaultCurrency || request.ClientReferenceID != fixture.userID.String() {
		test.Fatalf("unexpected request %+v", request)
	}

	transaction := fixture.ledger.transaction(testSessionID)
	if transaction.Status != ledger.TransactionStatusPending || transaction.CreditType != ledger.CreditTypePaid {
		test.Fatalf("unexpected transaction %+v", transaction)
	}
	if transaction.Amount != 100 || transaction.ExternalPackID != testPackID {
		test.Fatalf("unexpected transaction %+v", transaction)
	}
	if !transaction.AmountPaidUSD.Valid || transaction.AmountPaidUSD.Decimal.StringFixed(2) != "9.00" {
		test.Fatalf("unexpected paid amount %v", transaction.AmountPaidUSD)
	}
}

func TestStartPurchaseFailures(test *testing.T) {
	testCases := []struct {
		name     string
		packID   string
		baseURL  string
		prepare  func(fixture reconcilerFixture)
		expected error
	}{
		{name: "unknown pack", packID: "missing", baseURL: testBaseURL, expected: ErrPackNotFound},
		{name: "missing base url", packID: testPackID, expected: ErrInvalidPurchase},
		{
			name:    "provider failure",
			packID:  testPackID,
			baseURL: testBaseURL,
			prepare: func(fixture reconcilerFixture) {
				fixture.provider.createErr = errors.New("card_declined: secret provider detail")
			},
			expected: ErrPaymentNotCompleted,
		},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			fixture := newReconcilerFixture(test)
			if testCase.prepare != nil {
				testCase.prepare(fixture)
			}
			_, err := fixture.reconciler.StartPurchase(context.Background(), PurchaseRequest{
				UserID:  fixture.userID,
				PackID:  testCase.packID,
				BaseURL: testCase.baseURL,
			})
			if !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			if len(fixture.ledger.transactions) != 0 {
				test.Fatalf("no transaction may be written on failure")
			}
		})
	}
}

func TestHandleWebhookAppliesOnce(test *testing.T) {
	fixture := newReconcilerFixture(test)
	fixture.startPurchase(test)
	fixture.provider.event = completedEvent("evt_1")

	result, err := fixture.reconciler.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if err != nil {
		test.Fatalf("webhook: %v", err)
	}
	if result.Outcome != EventOutcomeApplied {
		test.Fatalf("expected applied, got %q", result.Outcome)
	}

	replay, err := fixture.reconciler.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if replay.Outcome != EventOutcomeDuplicate {
		test.Fatalf("expected duplicate on replay, got %q", replay.Outcome)
	}

	fixture.provider.event = completedEvent("evt_2")
	redelivered, err := fixture.reconciler.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if err != nil {
		test.Fatalf("second event: %v", err)
	}
	if redelivered.Outcome != EventOutcomeDuplicate {
		test.Fatalf("expected duplicate for a new event on an applied session, got %q", redelivered.Outcome)
	}

	balance, _ := fixture.ledger.GetWalletBalance(context.Background(), fixture.userID)
	if balance.Paid != 100 {
		test.Fatalf("expected exactly one credit of 100, got %d", balance.Paid)
	}
	if transaction := fixture.ledger.transaction(testSessionID); transaction.ExternalConfirmationID != "pi_123" {
		test.Fatalf("confirmation id not recorded: %+v", transaction)
	}
}

func TestHandleWebhookOutcomes(test *testing.T) {
	testCases := []struct {
		name            string
		event           PaymentEvent
		purchase        bool
		expectedOutcome string
	}{
		{
			name:            "other event type",
			event:           PaymentEvent{EventID: "evt_a", EventType: "payment_intent.created", SessionID: testSessionID},
			purchase:        true,
			expectedOutcome: EventOutcomeIgnored,
		},
		{
			name: "unpaid completion",
			event: PaymentEvent{
				EventID: "evt_b", EventType: EventTypeCheckoutCompleted,
				SessionID: testSessionID, PaymentStatus: PaymentStatusUnpaid,
			},
			purchase:        true,
			expectedOutcome: EventOutcomeIgnored,
		},
		{
			name:            "unknown session",
			event:           completedEvent("evt_c"),
			purchase:        false,
			expectedOutcome: EventOutcomeUnknownSession,
		},
		{
			name: "amount mismatch",
			event: PaymentEvent{
				EventID: "evt_d", EventType: EventTypeCheckoutCompleted, SessionID: testSessionID,
				PaymentStatus: PaymentStatusPaid, AmountTotalCents: 1,
			},
			purchase:        true,
			expectedOutcome: EventOutcomeAmountMismatch,
		},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			fixture := newReconcilerFixture(test)
			if testCase.purchase {
				fixture.startPurchase(test)
			}
			fixture.provider.event = testCase.event

			result, err := fixture.reconciler.HandleWebhook(context.Background(), []byte("{}"), "sig")
			if err != nil {
				test.Fatalf("webhook: %v", err)
			}
			if result.Outcome != testCase.expectedOutcome {
				test.Fatalf("expected %q, got %q", testCase.expectedOutcome, result.Outcome)
			}
			if fixture.ledger.applyCalls != 0 {
				test.Fatalf("ledger must not be applied")
			}
			if fixture.events.outcomes[testCase.event.EventID] != testCase.expectedOutcome {
				test.Fatalf("outcome not recorded: %v", fixture.events.outcomes)
			}
		})
	}
}

func TestHandleWebhookRejectsInvalidSignature(test *testing.T) {
	fixture := newReconcilerFixture(test)
	fixture.provider.event = completedEvent("evt_1")

	_, err := fixture.reconciler.HandleWebhook(context.Background(), []byte("{}"), "")
	if !errors.Is(err, ledger.ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(fixture.events.outcomes) != 0 {
		test.Fatalf("unverified events must not be recorded")
	}
}

func TestHandleWebhookFailedApplyStaysRetryable(test *testing.T) {
	fixture := newReconcilerFixture(test)
	fixture.startPurchase(test)
	fixture.provider.event = completedEvent("evt_1")
	fixture.ledger.applyErr = ledger.ErrPersistenceConflict

	result, err := fixture.reconciler.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if !errors.Is(err, ledger.ErrPersistenceConflict) {
		test.Fatalf("expected conflict, got %v", err)
	}
	if result.Outcome != EventOutcomeFailed {
		test.Fatalf("expected failed outcome, got %q", result.Outcome)
	}

	fixture.ledger.applyErr = nil
	retried, err := fixture.reconciler.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if err != nil {
		test.Fatalf("retry: %v", err)
	}
	if retried.Outcome != EventOutcomeApplied {
		test.Fatalf("expected applied on retry, got %q", retried.Outcome)
	}
}

func TestVerifySession(test *testing.T) {
	fixture := newReconcilerFixture(test)
	fixture.startPurchase(test)

	fixture.provider.status = SessionStatus{SessionID: testSessionID, PaymentStatus: PaymentStatusUnpaid}
	verification, err := fixture.reconciler.VerifySession(context.Background(), fixture.userID, testSessionID)
	if !errors.Is(err, ErrPaymentNotCompleted) {
		test.Fatalf("expected ErrPaymentNotCompleted, got %v", err)
	}
	if verification.Status != VerificationPending {
		test.Fatalf("expected pending, got %q", verification.Status)
	}

	fixture.provider.status = SessionStatus{
		SessionID:        testSessionID,
		PaymentStatus:    PaymentStatusPaid,
		ConfirmationID:   "pi_verify",
		AmountTotalCents: 900,
	}
	verification, err = fixture.reconciler.VerifySession(context.Background(), fixture.userID, testSessionID)
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if verification.Status != VerificationCompleted || !verification.Applied || verification.Balance.Paid != 100 {
		test.Fatalf("unexpected verification %+v", verification)
	}

	again, err := fixture.reconciler.VerifySession(context.Background(), fixture.userID, testSessionID)
	if err != nil {
		test.Fatalf("second verify: %v", err)
	}
	if again.Applied || again.Balance.Paid != 100 {
		test.Fatalf("second verify must be a no-op, got %+v", again)
	}
	if fixture.ledger.applyCalls != 1 {
		test.Fatalf("expected one apply call, got %d", fixture.ledger.applyCalls)
	}
}

func TestVerifySessionRejections(test *testing.T) {
	fixture := newReconcilerFixture(test)
	fixture.startPurchase(test)

	stranger, err := ledger.NewUserID("someone-else")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, err := fixture.reconciler.VerifySession(context.Background(), stranger, testSessionID); !errors.Is(err, ErrSessionNotOwned) {
		test.Fatalf("expected ErrSessionNotOwned, got %v", err)
	}
	if _, err := fixture.reconciler.VerifySession(context.Background(), fixture.userID, "cs_unknown"); !errors.Is(err, ErrPaymentNotCompleted) {
		test.Fatalf("expected ErrPaymentNotCompleted, got %v", err)
	}

	fixture.provider.statusErr = errors.New("provider timeout")
	_, err = fixture.reconciler.VerifySession(context.Background(), fixture.userID, testSessionID)
	if !errors.Is(err, ErrPaymentNotCompleted) {
		test.Fatalf("expected ErrPaymentNotCompleted, got %v", err)
	}
	if !strings.Contains(err.Error(), ErrPaymentNotCompleted.Error()) {
		test.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCreditPackPricing(test *testing.T) {
	testCases := []struct {
		name          string
		basePrice     string
		discount      int64
		expectedPrice string
		expectedCents int64
	}{
		{name: "no discount", basePrice: "4.99", discount: 0, expectedPrice: "4.99", expectedCents: 499},
		{name: "quarter off", basePrice: "40", discount: 25, expectedPrice: "30.00", expectedCents: 3000},
		{name: "rounds to cents", basePrice: "9.99", discount: 15, expectedPrice: "8.49", expectedCents: 849},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			pack := CreditPack{
				ID:              "pack",
				Credits:         10,
				BasePriceUSD:    decimal.RequireFromString(testCase.basePrice),
				DiscountPercent: testCase.discount,
			}
			if got := pack.PriceUSD().StringFixed(2); got != testCase.expectedPrice {
				test.Fatalf("expected price %s, got %s", testCase.expectedPrice, got)
			}
			if got := pack.PriceCents(); got != testCase.expectedCents {
				test.Fatalf("expected %d cents, got %d", testCase.expectedCents, got)
			}
		})
	}
}

func TestCreditPackValidate(test *testing.T) {
	valid := CreditPack{ID: "pack", Credits: 10, BasePriceUSD: decimal.NewFromInt(5)}
	if err := valid.Validate(); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	invalid := []CreditPack{
		{Credits: 10},
		{ID: "pack"},
		{ID: "pack", Credits: 10, BasePriceUSD: decimal.NewFromInt(-1)},
		{ID: "pack", Credits: 10, DiscountPercent: 101},
	}
	for index, pack := range invalid {
		if err := pack.Validate(); !errors.Is(err, ErrInvalidPack) {
			test.Fatalf("case %d: expected ErrInvalidPack, got %v", index, err)
		}
	}
}
