package gormstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var storeToday = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func openTestDB(test *testing.T) *gorm.DB {
	test.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	return db
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustDay(test *testing.T, raw string) ledger.Day {
	test.Helper()
	day, err := ledger.ParseDay(raw)
	if err != nil {
		test.Fatalf("day: %v", err)
	}
	return day
}

func seedWallet(test *testing.T, store *gormstore.Store, userID ledger.UserID, paid int64, free int64, lastFree ledger.Day) ledger.Wallet {
	test.Helper()
	wallet := ledger.Wallet{
		ID:                 ledger.NewRandomWalletID(),
		UserID:             userID,
		PaidCredits:        ledger.Credits(paid),
		FreeCredits:        ledger.Credits(free),
		LastFreeCreditDate: lastFree,
		Lifecycle:          ledger.LifecycleActive,
		CreatedAt:          storeToday,
		UpdatedAt:          storeToday,
	}
	if err := store.EnsureWallet(context.Background(), wallet); err != nil {
		test.Fatalf("ensure wallet: %v", err)
	}
	return wallet
}

func pendingTransaction(userID ledger.UserID, amount int64, creditType ledger.CreditType, sessionID string, createdAt time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:                ledger.NewRandomTransactionID(),
		UserID:            userID,
		Amount:            ledger.Amount(amount),
		CreditType:        creditType,
		Reason:            "purchase",
		ExternalSessionID: sessionID,
		AmountPaidUSD:     decimal.NewNullDecimal(decimal.RequireFromString("9.99")),
		Status:            ledger.TransactionStatusPending,
		Lifecycle:         ledger.LifecycleActive,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func newLedgerService(test *testing.T, db *gorm.DB, now time.Time) *ledger.Service {
	test.Helper()
	config := gormstore.NewConfigProvider(db, ledger.StaticConfig{})
	service, err := ledger.NewService(gormstore.New(db), config, func() time.Time { return now })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func TestEnsureWalletKeepsFirstRow(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDB(test))
	userID := mustUserID(test, "ensure-user")
	first := seedWallet(test, store, userID, 3, 5, mustDay(test, "2026-03-10"))
	seedWallet(test, store, userID, 100, 100, ledger.Day{})

	wallet, err := store.GetWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("get wallet: %v", err)
	}
	if wallet.ID != first.ID || wallet.PaidCredits != 3 || wallet.FreeCredits != 5 {
		test.Fatalf("unexpected wallet %+v", wallet)
	}
	if wallet.LastFreeCreditDate.String() != "2026-03-10" {
		test.Fatalf("expected last free credit date 2026-03-10, got %q", wallet.LastFreeCreditDate)
	}
	if _, err := store.GetWallet(context.Background(), mustUserID(test, "missing")); !errors.Is(err, ledger.ErrWalletNotFound) {
		test.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestResetFreeCreditsCompareAndSwap(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name     string
		lastFree string
	}{
		{name: "previous day", lastFree: "2026-03-09"},
		{name: "never reset", lastFree: ""},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := gormstore.New(openTestDB(test))
			userID := mustUserID(test, "reset-user")
			var expected ledger.Day
			if testCase.lastFree != "" {
				expected = mustDay(test, testCase.lastFree)
			}
			wallet := seedWallet(test, store, userID, 0, 1, expected)
			next := mustDay(test, "2026-03-10")
			ctx := context.Background()

			if err := store.ResetFreeCredits(ctx, wallet.ID, expected, next, 5); err != nil {
				test.Fatalf("first reset: %v", err)
			}
			if err := store.ResetFreeCredits(ctx, wallet.ID, expected, next, 5); !errors.Is(err, ledger.ErrPersistenceConflict) {
				test.Fatalf("expected ErrPersistenceConflict on stale expectation, got %v", err)
			}
			stored, err := store.GetWallet(ctx, userID)
			if err != nil {
				test.Fatalf("get wallet: %v", err)
			}
			if stored.FreeCredits != 5 || !stored.LastFreeCreditDate.Equal(next) {
				test.Fatalf("unexpected wallet after reset %+v", stored)
			}
		})
	}
}

func TestTransactionStatusCompareAndSwap(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDB(test))
	userID := mustUserID(test, "status-user")
	transaction := pendingTransaction(userID, 10, ledger.CreditTypePaid, "cs_status", storeToday)
	ctx := context.Background()
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		test.Fatalf("insert: %v", err)
	}

	if err := store.UpdateTransactionStatus(ctx, transaction.ID, ledger.TransactionStatusPending, ledger.TransactionStatusSuccess, "pi_1", storeToday); err != nil {
		test.Fatalf("flip status: %v", err)
	}
	err := store.UpdateTransactionStatus(ctx, transaction.ID, ledger.TransactionStatusPending, ledger.TransactionStatusSuccess, "pi_2", storeToday)
	if !errors.Is(err, ledger.ErrPersistenceConflict) {
		test.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}
	err = store.UpdateTransactionStatus(ctx, ledger.NewRandomTransactionID(), ledger.TransactionStatusPending, ledger.TransactionStatusSuccess, "", storeToday)
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}

	stored, err := store.FindTransactionBySession(ctx, "cs_status")
	if err != nil {
		test.Fatalf("find by session: %v", err)
	}
	if stored.Status != ledger.TransactionStatusSuccess || stored.ExternalConfirmationID != "pi_1" {
		test.Fatalf("unexpected transaction %+v", stored)
	}
	if !stored.AmountPaidUSD.Valid || !stored.AmountPaidUSD.Decimal.Equal(decimal.RequireFromString("9.99")) {
		test.Fatalf("expected amount paid 9.99, got %v", stored.AmountPaidUSD)
	}
}

func TestInsertTransactionRejectsDuplicateSession(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDB(test))
	userID := mustUserID(test, "duplicate-user")
	ctx := context.Background()
	if err := store.InsertTransaction(ctx, pendingTransaction(userID, 10, ledger.CreditTypePaid, "cs_dup", storeToday)); err != nil {
		test.Fatalf("insert: %v", err)
	}
	err := store.InsertTransaction(ctx, pendingTransaction(userID, 10, ledger.CreditTypePaid, "cs_dup", storeToday))
	if !errors.Is(err, ledger.ErrDuplicateSession) {
		test.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	for index := 0; index < 2; index++ {
		if err := store.InsertTransaction(ctx, pendingTransaction(userID, 1, ledger.CreditTypeUsed, "", storeToday)); err != nil {
			test.Fatalf("transactions without a session must not collide: %v", err)
		}
	}
}

func TestListTransactionsNewestFirst(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDB(test))
	userID := mustUserID(test, "list-user")
	ctx := context.Background()
	for index := 0; index < 5; index++ {
		createdAt := storeToday.Add(time.Duration(index) * time.Minute)
		if err := store.InsertTransaction(ctx, pendingTransaction(userID, int64(index+1), ledger.CreditTypePaid, "", createdAt)); err != nil {
			test.Fatalf("insert: %v", err)
		}
	}
	if err := store.InsertTransaction(ctx, pendingTransaction(mustUserID(test, "other"), 1, ledger.CreditTypePaid, "", storeToday)); err != nil {
		test.Fatalf("insert other: %v", err)
	}

	items, total, err := store.ListTransactions(ctx, ledger.TransactionQuery{UserID: userID, Page: 1, Limit: 2})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 2 {
		test.Fatalf("expected 2 of 5, got %d of %d", len(items), total)
	}
	if items[0].Amount != 5 || items[1].Amount != 4 {
		test.Fatalf("expected newest first, got %d then %d", items[0].Amount, items[1].Amount)
	}
	all, total, err := store.ListTransactions(ctx, ledger.TransactionQuery{Page: 1, Limit: 50})
	if err != nil {
		test.Fatalf("list all: %v", err)
	}
	if total != 6 || len(all) != 6 {
		test.Fatalf("expected 6 transactions, got %d of %d", len(all), total)
	}
}

func TestLifecycleTransitions(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDB(test))
	userID := mustUserID(test, "lifecycle-user")
	seedWallet(test, store, userID, 0, 0, ledger.Day{})
	transaction := pendingTransaction(userID, 10, ledger.CreditTypePaid, "", storeToday)
	ctx := context.Background()
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		test.Fatalf("insert: %v", err)
	}

	if err := store.DeleteWallet(ctx, userID); !errors.Is(err, ledger.ErrInvalidLifecycle) {
		test.Fatalf("expected ErrInvalidLifecycle, got %v", err)
	}
	if err := store.UpdateWalletLifecycle(ctx, userID, ledger.LifecycleActive, ledger.LifecycleArchived, storeToday); err != nil {
		test.Fatalf("archive wallet: %v", err)
	}
	wallets, err := store.ListActiveWallets(ctx, ledger.UserID{}, 10)
	if err != nil {
		test.Fatalf("list wallets: %v", err)
	}
	if len(wallets) != 0 {
		test.Fatalf("archived wallet must not be listed, got %d", len(wallets))
	}
	if err := store.DeleteWallet(ctx, userID); err != nil {
		test.Fatalf("purge wallet: %v", err)
	}
	if err := store.DeleteWallet(ctx, userID); !errors.Is(err, ledger.ErrWalletNotFound) {
		test.Fatalf("expected ErrWalletNotFound, got %v", err)
	}

	if err := store.UpdateTransactionLifecycle(ctx, transaction.ID, ledger.LifecycleActive, ledger.LifecycleArchived, storeToday); err != nil {
		test.Fatalf("archive transaction: %v", err)
	}
	_, total, err := store.ListTransactions(ctx, ledger.TransactionQuery{Page: 1, Limit: 10})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if total != 0 {
		test.Fatalf("archived transaction must not be listed, got %d", total)
	}
	if err := store.DeleteTransaction(ctx, transaction.ID); err != nil {
		test.Fatalf("purge transaction: %v", err)
	}
}

func TestServiceScenariosOverSQLite(test *testing.T) {
	test.Parallel()
	ctx := context.Background()

	test.Run("usage clamps and replays safely", func(test *testing.T) {
		test.Parallel()
		db := openTestDB(test)
		store := gormstore.New(db)
		userID := mustUserID(test, "scenario-a")
		seedWallet(test, store, userID, 0, 5, ledger.DayOf(storeToday))
		service := newLedgerService(test, db, storeToday)
		transaction, err := service.CreateTransaction(ctx, ledger.TransactionRequest{UserID: userID, Amount: 8, CreditType: ledger.CreditTypeUsed})
		if err != nil {
			test.Fatalf("create: %v", err)
		}
		for attempt := 0; attempt < 2; attempt++ {
			wallet, err := service.ApplyTransaction(ctx, transaction.ID)
			if err != nil {
				test.Fatalf("apply %d: %v", attempt, err)
			}
			if wallet.PaidCredits != 0 || wallet.FreeCredits != 0 {
				test.Fatalf("apply %d: expected {0,0}, got {%d,%d}", attempt, wallet.PaidCredits, wallet.FreeCredits)
			}
		}
	})

	test.Run("read after cutover refreshes", func(test *testing.T) {
		test.Parallel()
		db := openTestDB(test)
		store := gormstore.New(db)
		userID := mustUserID(test, "scenario-b")
		seedWallet(test, store, userID, 0, 0, mustDay(test, "2026-03-09"))
		config := gormstore.NewConfigProvider(db, nil)
		if err := config.SetValue(ctx, ledger.ConfigKeyDailyFreeCredits, "5"); err != nil {
			test.Fatalf("set config: %v", err)
		}
		now := time.Date(2026, time.March, 10, 0, 1, 0, 0, time.UTC)
		service := newLedgerService(test, db, now)
		balance, err := service.GetWalletBalance(ctx, userID)
		if err != nil {
			test.Fatalf("balance: %v", err)
		}
		if balance.Free != 5 {
			test.Fatalf("expected free 5, got %d", balance.Free)
		}
		wallet, err := store.GetWallet(ctx, userID)
		if err != nil {
			test.Fatalf("get wallet: %v", err)
		}
		if wallet.LastFreeCreditDate.String() != "2026-03-10" {
			test.Fatalf("expected 2026-03-10, got %s", wallet.LastFreeCreditDate)
		}
	})

	test.Run("concurrent apply credits once", func(test *testing.T) {
		test.Parallel()
		db := openTestDB(test)
		userID := mustUserID(test, "scenario-c")
		service := newLedgerService(test, db, storeToday)
		transaction, err := service.CreateTransaction(ctx, ledger.TransactionRequest{UserID: userID, Amount: 10, CreditType: ledger.CreditTypePaid})
		if err != nil {
			test.Fatalf("create: %v", err)
		}
		var waitGroup sync.WaitGroup
		errs := make(chan error, 4)
		for worker := 0; worker < 4; worker++ {
			waitGroup.Add(1)
			go func() {
				defer waitGroup.Done()
				if _, err := service.ApplyTransaction(ctx, transaction.ID); err != nil {
					errs <- err
				}
			}()
		}
		waitGroup.Wait()
		close(errs)
		for err := range errs {
			test.Fatalf("apply: %v", err)
		}
		balance, err := service.GetWalletBalance(ctx, userID)
		if err != nil {
			test.Fatalf("balance: %v", err)
		}
		if balance.Paid != 10 {
			test.Fatalf("expected paid 10, got %d", balance.Paid)
		}
	})
}

func TestConfigProviderFallsBack(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	provider := gormstore.NewConfigProvider(db, ledger.StaticConfig{ledger.ConfigKeyCreditResetTime: "06:00"})
	ctx := context.Background()
	if err := provider.SetValue(ctx, ledger.ConfigKeyDailyFreeCredits, "9"); err != nil {
		test.Fatalf("set: %v", err)
	}
	if err := provider.SetValue(ctx, ledger.ConfigKeyPaginationLimit, "many"); err != nil {
		test.Fatalf("set: %v", err)
	}
	if got := provider.GetInt(ctx, ledger.ConfigKeyDailyFreeCredits, 5); got != 9 {
		test.Fatalf("expected 9, got %d", got)
	}
	if got := provider.GetInt(ctx, ledger.ConfigKeyPaginationLimit, 10); got != 10 {
		test.Fatalf("expected fallback 10 for unparsable value, got %d", got)
	}
	if got := provider.GetString(ctx, ledger.ConfigKeyCreditResetTime, "00:00"); got != "06:00" {
		test.Fatalf("expected static fallback 06:00, got %s", got)
	}
	if err := provider.SetValue(ctx, ledger.ConfigKeyDailyFreeCredits, "3"); err != nil {
		test.Fatalf("overwrite: %v", err)
	}
	if got := provider.GetInt(ctx, ledger.ConfigKeyDailyFreeCredits, 5); got != 3 {
		test.Fatalf("expected overwritten 3, got %d", got)
	}
}

func TestPackCatalog(test *testing.T) {
	test.Parallel()
	catalog := gormstore.NewPackCatalog(openTestDB(test))
	ctx := context.Background()
	packs := []checkout.CreditPack{
		{ID: "pro", Name: "Pro", Credits: 500, BasePriceUSD: decimal.RequireFromString("40.00"), DiscountPercent: 25, Badge: "best value", Features: []string{"priority"}},
		{ID: "starter", Name: "Starter", Credits: 100, BasePriceUSD: decimal.RequireFromString("10.00")},
	}
	for index, pack := range packs {
		if err := catalog.UpsertPack(ctx, pack, len(packs)-index); err != nil {
			test.Fatalf("upsert %s: %v", pack.ID, err)
		}
	}

	listed, err := catalog.ListPacks(ctx)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "starter" {
		test.Fatalf("unexpected pack order %+v", listed)
	}
	pro, err := catalog.GetPack(ctx, "pro")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if !pro.PriceUSD().Equal(decimal.RequireFromString("30")) || pro.PriceCents() != 3000 {
		test.Fatalf("unexpected discounted price %s", pro.PriceUSD())
	}
	if len(pro.Features) != 1 || pro.Features[0] != "priority" {
		test.Fatalf("unexpected features %v", pro.Features)
	}
	if _, err := catalog.GetPack(ctx, "missing"); !errors.Is(err, checkout.ErrPackNotFound) {
		test.Fatalf("expected ErrPackNotFound, got %v", err)
	}
	if err := catalog.UpsertPack(ctx, checkout.CreditPack{ID: "broken"}, 0); !errors.Is(err, checkout.ErrInvalidPack) {
		test.Fatalf("expected ErrInvalidPack, got %v", err)
	}
}

func TestWebhookEventLog(test *testing.T) {
	test.Parallel()
	eventLog := gormstore.NewWebhookEventLog(openTestDB(test))
	ctx := context.Background()
	event := checkout.PaymentEvent{EventID: "evt_1", EventType: checkout.EventTypeCheckoutCompleted, SessionID: "cs_1", PaymentStatus: checkout.PaymentStatusPaid}

	fresh, err := eventLog.BeginEvent(ctx, "stripe", event)
	if err != nil || !fresh {
		test.Fatalf("expected fresh event, got %v %v", fresh, err)
	}
	if err := eventLog.FinishEvent(ctx, "stripe", "evt_1", checkout.EventOutcomeFailed); err != nil {
		test.Fatalf("finish failed: %v", err)
	}
	retry, err := eventLog.BeginEvent(ctx, "stripe", event)
	if err != nil || !retry {
		test.Fatalf("failed event must be reprocessable, got %v %v", retry, err)
	}
	if err := eventLog.FinishEvent(ctx, "stripe", "evt_1", checkout.EventOutcomeApplied); err != nil {
		test.Fatalf("finish applied: %v", err)
	}
	duplicate, err := eventLog.BeginEvent(ctx, "stripe", event)
	if err != nil || duplicate {
		test.Fatalf("processed event must short-circuit, got %v %v", duplicate, err)
	}
	other, err := eventLog.BeginEvent(ctx, "other-provider", event)
	if err != nil || !other {
		test.Fatalf("event ids are scoped per provider, got %v %v", other, err)
	}
}
