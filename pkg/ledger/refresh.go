package ledger

import (
	"context"
	"errors"
	"time"
)

// ReadWallet returns the active wallet with its free bucket refreshed for the
// current effective day. Staleness never makes a read fail: when every refresh
// attempt loses its race the wallet is read as-is, since the winner has reset it.
func (service *Service) ReadWallet(ctx context.Context, userID UserID) (Wallet, error) {
	wallet, err := service.RefreshWallet(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrPersistenceConflict) {
		return Wallet{}, err
	}
	return service.GetOrCreateWallet(ctx, userID)
}

// RefreshWallet runs the lazy STALE -> FRESH check for one wallet.
func (service *Service) RefreshWallet(ctx context.Context, userID UserID) (Wallet, error) {
	policy := service.refreshPolicy(ctx)
	var (
		wallet Wallet
		reset  bool
	)
	operationError := service.retryOnConflict(ctx, func() error {
		now := service.nowFn()
		if err := service.ensureWallet(ctx, service.store, userID, policy, now); err != nil {
			return err
		}
		current, err := service.store.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if current.Lifecycle != LifecycleActive {
			return ErrWalletArchived
		}
		wallet, reset, err = resetIfStale(ctx, service.store, current, policy, now)
		return err
	})
	if reset || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation:  operationRefresh,
			UserID:     userID,
			CreditType: CreditTypeFree,
			Balance:    wallet.Balance(),
			Error:      operationError,
		})
	}
	if operationError != nil {
		return Wallet{}, operationError
	}
	return wallet, nil
}

// SweepFreeCredits resets every stale active wallet. Wallets reset concurrently
// by a lazy read are counted as conflicts and skipped.
func (service *Service) SweepFreeCredits(ctx context.Context) (SweepReport, error) {
	policy := service.refreshPolicy(ctx)
	report := SweepReport{}
	cursor := UserID{}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		wallets, err := service.store.ListActiveWallets(ctx, cursor, sweepPageSize)
		if err != nil {
			return report, err
		}
		for _, wallet := range wallets {
			report.Scanned++
			refreshed, reset, err := resetIfStale(ctx, service.store, wallet, policy, service.nowFn())
			switch {
			case errors.Is(err, ErrPersistenceConflict):
				report.Conflicts++
				continue
			case err != nil:
				return report, err
			}
			if reset {
				report.Reset++
				service.logOperation(ctx, OperationLog{
					Operation:  operationRefresh,
					UserID:     wallet.UserID,
					CreditType: CreditTypeFree,
					Balance:    refreshed.Balance(),
					Actor:      sweepActor,
				})
			}
		}
		if len(wallets) < sweepPageSize {
			return report, nil
		}
		cursor = wallets[len(wallets)-1].UserID
	}
}

// resetIfStale applies the STALE -> FRESH transition. The store only accepts
// the swap while last_free_credit_date still holds the value read here, so
// lazy reads and the sweep reset a wallet at most once per effective day.
func resetIfStale(ctx context.Context, store Store, wallet Wallet, policy RefreshPolicy, now time.Time) (Wallet, bool, error) {
	effectiveDay := policy.Cutover.EffectiveDay(now)
	if !wallet.LastFreeCreditDate.Before(effectiveDay) {
		return wallet, false, nil
	}
	if err := store.ResetFreeCredits(ctx, wallet.ID, wallet.LastFreeCreditDate, effectiveDay, policy.DailyAmount); err != nil {
		return Wallet{}, false, err
	}
	wallet.FreeCredits = policy.DailyAmount
	wallet.LastFreeCreditDate = effectiveDay
	wallet.UpdatedAt = now
	return wallet, true, nil
}
