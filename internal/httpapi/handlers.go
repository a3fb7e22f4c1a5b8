package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"github.com/MarkoPoloResearchLab/agentcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const usageReason = "feature usage"

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, body := statusForError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	ctx.JSON(status, body)
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.ledger.GetWalletBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(balance)})
}

func (handler *httpHandler) handleListPacks(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	packs, err := handler.purchases.ListPacks(requestCtx)
	if err != nil {
		handler.respondError(ctx, "packs", err)
		return
	}
	payload := make([]packPayload, 0, len(packs))
	for _, pack := range packs {
		payload = append(payload, newPackPayload(pack))
	}
	ctx.JSON(http.StatusOK, gin.H{"packs": payload})
}

func (handler *httpHandler) handleStartPurchase(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.PackID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "pack_id is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	purchase, err := handler.purchases.StartPurchase(requestCtx, checkout.PurchaseRequest{
		UserID:  userID,
		Email:   getClaims(ctx).GetUserEmail(),
		PackID:  request.PackID,
		BaseURL: handler.cfg.PublicBaseURL,
	})
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"session_id":     purchase.SessionID,
		"redirect_url":   purchase.RedirectURL,
		"transaction_id": purchase.Transaction.ID.String(),
		"pack":           newPackPayload(purchase.Pack),
	})
}

func (handler *httpHandler) handleVerifyPurchase(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request verifyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.SessionID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "session_id is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	verification, err := handler.purchases.VerifySession(requestCtx, userID, request.SessionID)
	if err != nil {
		if verification.Status == checkout.VerificationPending {
			ctx.JSON(http.StatusAccepted, gin.H{"status": string(checkout.VerificationPending)})
			return
		}
		handler.respondError(ctx, "verify", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":         string(verification.Status),
		"transaction_id": verification.TransactionID.String(),
		"applied":        verification.Applied,
		"balance":        newBalancePayload(verification.Balance),
	})
}

func (handler *httpHandler) handleListOwnTransactions(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	handler.listTransactions(ctx, userID)
}

func (handler *httpHandler) handleAdminListTransactions(ctx *gin.Context) {
	var userID ledger.UserID
	if raw := ctx.Query("user_id"); raw != "" {
		parsed, err := ledger.NewUserID(raw)
		if err != nil {
			handler.respondError(ctx, "list", err)
			return
		}
		userID = parsed
	}
	handler.listTransactions(ctx, userID)
}

func (handler *httpHandler) listTransactions(ctx *gin.Context, userID ledger.UserID) {
	page, pageErr := optionalInt(ctx.Query("page"))
	limit, limitErr := optionalInt(ctx.Query("limit"))
	if pageErr != nil || limitErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "page and limit must be integers"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.ledger.ListTransactions(requestCtx, ledger.TransactionQuery{UserID: userID, Page: page, Limit: limit})
	if err != nil {
		handler.respondError(ctx, "list", err)
		return
	}
	ctx.JSON(http.StatusOK, newTransactionPagePayload(result))
}

// handleRecordUsage records a used transaction and applies it in the same request.
func (handler *httpHandler) handleRecordUsage(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request usageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.NewAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, "usage", err)
		return
	}
	reason := request.Reason
	if reason == "" {
		reason = usageReason
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transaction, err := handler.ledger.CreateTransaction(requestCtx, ledger.TransactionRequest{
		UserID:     userID,
		Amount:     amount,
		CreditType: ledger.CreditTypeUsed,
		Reason:     reason,
	})
	if err != nil {
		handler.respondError(ctx, "usage", err)
		return
	}
	wallet, err := handler.ledger.ApplyTransaction(requestCtx, transaction.ID)
	if err != nil {
		handler.respondError(ctx, "usage", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": transaction.ID.String(),
		"balance":        newBalancePayload(wallet.Balance()),
	})
}

func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.WebhookMaxBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", "payload too large"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.purchases.HandleWebhook(requestCtx, body, ctx.GetHeader(headerStripeSig))
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidSignature) {
			metrics.RecordWebhookEvent(stripeProviderName, "invalid_signature")
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "invalid signature"))
			return
		}
		metrics.RecordWebhookEvent(stripeProviderName, checkout.EventOutcomeFailed)
		handler.logger.Error("webhook processing failed", zap.String("event_id", result.EventID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "webhook not processed"))
		return
	}
	metrics.RecordWebhookEvent(stripeProviderName, result.Outcome)
	ctx.JSON(http.StatusOK, gin.H{"received": true, "outcome": result.Outcome})
}

func (handler *httpHandler) handleAdminCreateTransaction(ctx *gin.Context) {
	request, apply, ok := bindTransactionRequest(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transaction, err := handler.ledger.CreateTransaction(requestCtx, request)
	if err != nil {
		handler.respondError(ctx, "create", err)
		return
	}
	response := gin.H{"transaction": newTransactionPayload(transaction)}
	if apply {
		wallet, applyErr := handler.ledger.ApplyTransaction(requestCtx, transaction.ID)
		if applyErr != nil {
			handler.respondError(ctx, "apply", applyErr)
			return
		}
		response["wallet"] = newWalletPayload(wallet)
	}
	ctx.JSON(http.StatusCreated, response)
}

func (handler *httpHandler) handleAdminGrant(ctx *gin.Context) {
	request, _, ok := bindTransactionRequest(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.ledger.GrantCredits(requestCtx, adminCapability(ctx), request)
	if err != nil {
		handler.respondError(ctx, "grant", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"transaction": newTransactionPayload(result.Transaction),
		"wallet":      newWalletPayload(result.Wallet),
	})
}

func (handler *httpHandler) handleAdminApply(ctx *gin.Context) {
	transactionID, ok := pathTransactionID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	wallet, err := handler.ledger.ApplyTransaction(requestCtx, transactionID)
	if err != nil {
		handler.respondError(ctx, "apply", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleAdminReverse(ctx *gin.Context) {
	transactionID, ok := pathTransactionID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	wallet, err := handler.ledger.ReverseTransaction(requestCtx, adminCapability(ctx), transactionID)
	if err != nil {
		handler.respondError(ctx, "reverse", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleAdminArchiveTransaction(ctx *gin.Context) {
	transactionID, ok := pathTransactionID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.ledger.ArchiveTransaction(requestCtx, adminCapability(ctx), transactionID); err != nil {
		handler.respondError(ctx, "archive", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleAdminPurgeTransaction(ctx *gin.Context) {
	transactionID, ok := pathTransactionID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.ledger.PurgeTransaction(requestCtx, adminCapability(ctx), transactionID); err != nil {
		handler.respondError(ctx, "purge", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleAdminWallet(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	wallet, err := handler.ledger.ReadWallet(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleAdminAdjustWallet(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	wallet, err := handler.ledger.MutateWallet(requestCtx, adminCapability(ctx), userID, request.DeltaPaid, request.DeltaFree)
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleAdminArchiveWallet(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.ledger.ArchiveWallet(requestCtx, adminCapability(ctx), userID); err != nil {
		handler.respondError(ctx, "archive", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleAdminPurgeWallet(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.ledger.PurgeWallet(requestCtx, adminCapability(ctx), userID); err != nil {
		handler.respondError(ctx, "purge", err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

// handleAdminSweep runs the sweep without the request timeout; it may touch every wallet.
func (handler *httpHandler) handleAdminSweep(ctx *gin.Context) {
	report, err := handler.ledger.SweepFreeCredits(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, "sweep", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"scanned":   report.Scanned,
		"reset":     report.Reset,
		"conflicts": report.Conflicts,
	})
}

// bindTransactionRequest parses an admin transaction body and reports whether it asks for an immediate apply.
func bindTransactionRequest(ctx *gin.Context) (ledger.TransactionRequest, bool, bool) {
	var payload transactionRequest
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return ledger.TransactionRequest{}, false, false
	}
	userID, err := ledger.NewUserID(payload.UserID)
	if err != nil {
		respondBadRequest(ctx, err)
		return ledger.TransactionRequest{}, false, false
	}
	amount, err := ledger.NewAmount(payload.Amount)
	if err != nil {
		respondBadRequest(ctx, err)
		return ledger.TransactionRequest{}, false, false
	}
	creditType, err := ledger.ParseCreditType(payload.CreditType)
	if err != nil {
		respondBadRequest(ctx, err)
		return ledger.TransactionRequest{}, false, false
	}
	return ledger.TransactionRequest{
		UserID:     userID,
		Amount:     amount,
		CreditType: creditType,
		Reason:     payload.Reason,
		Remarks:    payload.Remarks,
	}, payload.Apply, true
}

func respondBadRequest(ctx *gin.Context, err error) {
	_, body := statusForError(err)
	ctx.JSON(http.StatusBadRequest, body)
}

func pathTransactionID(ctx *gin.Context) (ledger.TransactionID, bool) {
	transactionID, err := ledger.NewTransactionID(ctx.Param("id"))
	if err != nil {
		respondBadRequest(ctx, err)
		return ledger.TransactionID{}, false
	}
	return transactionID, true
}

func pathUserID(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		respondBadRequest(ctx, err)
		return ledger.UserID{}, false
	}
	return userID, true
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
