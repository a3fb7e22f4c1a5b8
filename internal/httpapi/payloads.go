package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
)

type purchaseRequest struct {
	PackID string `json:"pack_id"`
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

type usageRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type transactionRequest struct {
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	CreditType string `json:"credit_type"`
	Reason     string `json:"reason"`
	Remarks    string `json:"remarks"`
	Apply      bool   `json:"apply"`
}

type adjustRequest struct {
	DeltaPaid int64 `json:"delta_paid"`
	DeltaFree int64 `json:"delta_free"`
}

type balancePayload struct {
	Paid  int64 `json:"paid"`
	Free  int64 `json:"free"`
	Total int64 `json:"total"`
}

type walletPayload struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	Balance            balancePayload `json:"balance"`
	LastFreeCreditDate string         `json:"last_free_credit_date,omitempty"`
	Lifecycle          string         `json:"lifecycle"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type transactionPayload struct {
	ID                     string    `json:"id"`
	UserID                 string    `json:"user_id"`
	Amount                 int64     `json:"amount"`
	CreditType             string    `json:"credit_type"`
	Reason                 string    `json:"reason,omitempty"`
	Status                 string    `json:"status"`
	ExternalPackID         string    `json:"external_pack_id,omitempty"`
	ExternalSessionID      string    `json:"external_session_id,omitempty"`
	ExternalConfirmationID string    `json:"external_confirmation_id,omitempty"`
	AmountPaidUSD          string    `json:"amount_paid_usd,omitempty"`
	Remarks                string    `json:"remarks,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

type transactionPagePayload struct {
	Items      []transactionPayload `json:"items"`
	Page       int                  `json:"page"`
	Limit      int                  `json:"limit"`
	Total      int64                `json:"total"`
	TotalPages int                  `json:"total_pages"`
}

type packPayload struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Credits         int64    `json:"credits"`
	BasePriceUSD    string   `json:"base_price_usd"`
	DiscountPercent int64    `json:"discount_percent"`
	PriceUSD        string   `json:"price_usd"`
	Badge           string   `json:"badge,omitempty"`
	Features        []string `json:"features,omitempty"`
}

func newBalancePayload(balance ledger.Balance) balancePayload {
	return balancePayload{
		Paid:  balance.Paid.Int64(),
		Free:  balance.Free.Int64(),
		Total: balance.Total.Int64(),
	}
}

func newWalletPayload(wallet ledger.Wallet) walletPayload {
	return walletPayload{
		ID:                 wallet.ID.String(),
		UserID:             wallet.UserID.String(),
		Balance:            newBalancePayload(wallet.Balance()),
		LastFreeCreditDate: wallet.LastFreeCreditDate.String(),
		Lifecycle:          wallet.Lifecycle.String(),
		UpdatedAt:          wallet.UpdatedAt,
	}
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		ID:                     transaction.ID.String(),
		UserID:                 transaction.UserID.String(),
		Amount:                 transaction.Amount.Int64(),
		CreditType:             transaction.CreditType.String(),
		Reason:                 transaction.Reason,
		Status:                 transaction.Status.String(),
		ExternalPackID:         transaction.ExternalPackID,
		ExternalSessionID:      transaction.ExternalSessionID,
		ExternalConfirmationID: transaction.ExternalConfirmationID,
		Remarks:                transaction.Remarks,
		CreatedAt:              transaction.CreatedAt,
	}
	if transaction.AmountPaidUSD.Valid {
		payload.AmountPaidUSD = transaction.AmountPaidUSD.Decimal.StringFixed(2)
	}
	return payload
}

func newTransactionPagePayload(page ledger.TransactionPage) transactionPagePayload {
	items := make([]transactionPayload, 0, len(page.Items))
	for _, transaction := range page.Items {
		items = append(items, newTransactionPayload(transaction))
	}
	return transactionPagePayload{
		Items:      items,
		Page:       page.Page,
		Limit:      page.Limit,
		Total:      page.Total,
		TotalPages: page.TotalPages,
	}
}

func newPackPayload(pack checkout.CreditPack) packPayload {
	return packPayload{
		ID:              pack.ID,
		Name:            pack.Name,
		Credits:         pack.Credits.Int64(),
		BasePriceUSD:    pack.BasePriceUSD.StringFixed(2),
		DiscountPercent: pack.DiscountPercent,
		PriceUSD:        pack.PriceUSD().StringFixed(2),
		Badge:           pack.Badge,
		Features:        pack.Features,
	}
}
