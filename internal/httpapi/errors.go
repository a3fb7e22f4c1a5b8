package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings is ordered: the first match wins.
var errorMappings = []errorMapping{
	{ledger.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature", "invalid signature"},
	{checkout.ErrSessionNotOwned, http.StatusForbidden, "forbidden", "checkout session not found"},
	{checkout.ErrPaymentNotCompleted, http.StatusPaymentRequired, "payment_not_completed", "payment not completed"},
	{ledger.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits", "insufficient credits"},
	{ledger.ErrCapabilityRequired, http.StatusForbidden, "forbidden", "admin access required"},
	{checkout.ErrPackNotFound, http.StatusNotFound, "pack_not_found", "credit pack not found"},
	{ledger.ErrWalletNotFound, http.StatusNotFound, "wallet_not_found", "wallet not found"},
	{ledger.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found", "transaction not found"},
	{ledger.ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{ledger.ErrWalletArchived, http.StatusConflict, "wallet_archived", "wallet archived"},
	{ledger.ErrInvariantViolation, http.StatusConflict, "invariant_violation", "balance would become negative"},
	{ledger.ErrInvalidTransition, http.StatusConflict, "invalid_transition", "invalid status transition"},
	{ledger.ErrInvalidLifecycle, http.StatusConflict, "invalid_lifecycle", "invalid lifecycle transition"},
	{ledger.ErrDuplicateSession, http.StatusConflict, "duplicate_session", "duplicate checkout session"},
	{ledger.ErrAlreadyApplied, http.StatusConflict, "already_applied", "transaction already applied"},
	{ledger.ErrPersistenceConflict, http.StatusServiceUnavailable, "conflict", "please retry"},
	{checkout.ErrInvalidPurchase, http.StatusBadRequest, "invalid_payload", "invalid purchase request"},
	{ledger.ErrInvalidUserID, http.StatusBadRequest, "invalid_user_id", "invalid user id"},
	{ledger.ErrInvalidTransactionID, http.StatusBadRequest, "invalid_transaction_id", "invalid transaction id"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount", "amount must be positive"},
	{ledger.ErrInvalidCreditType, http.StatusBadRequest, "invalid_credit_type", "invalid credit type"},
}

// statusForError resolves the HTTP status and error body for a service error.
func statusForError(err error) (int, gin.H) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, errorResponse(mapping.code, mapping.message)
		}
	}
	return http.StatusInternalServerError, errorResponse("internal_error", "internal error")
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
