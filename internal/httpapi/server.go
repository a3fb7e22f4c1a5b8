// Package httpapi is the gin HTTP surface of the credit ledger.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/checkout"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey     = "auth_claims"
	capabilityContextKey = "admin_capability"
	shutdownTimeout      = 5 * time.Second
	stripeProviderName   = "stripe"
	headerStripeSig      = "Stripe-Signature"
)

// Ledger is the ledger service surface used by the handlers.
type Ledger interface {
	GetWalletBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	ReadWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	ListTransactions(ctx context.Context, query ledger.TransactionQuery) (ledger.TransactionPage, error)
	CreateTransaction(ctx context.Context, request ledger.TransactionRequest) (ledger.Transaction, error)
	ApplyTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Wallet, error)
	GrantCredits(ctx context.Context, capability ledger.AdminCapability, request ledger.TransactionRequest) (ledger.ApplyResult, error)
	ReverseTransaction(ctx context.Context, capability ledger.AdminCapability, transactionID ledger.TransactionID) (ledger.Wallet, error)
	ArchiveTransaction(ctx context.Context, capability ledger.AdminCapability, transactionID ledger.TransactionID) error
	PurgeTransaction(ctx context.Context, capability ledger.AdminCapability, transactionID ledger.TransactionID) error
	MutateWallet(ctx context.Context, capability ledger.AdminCapability, userID ledger.UserID, deltaPaid int64, deltaFree int64) (ledger.Wallet, error)
	ArchiveWallet(ctx context.Context, capability ledger.AdminCapability, userID ledger.UserID) error
	PurgeWallet(ctx context.Context, capability ledger.AdminCapability, userID ledger.UserID) error
	SweepFreeCredits(ctx context.Context) (ledger.SweepReport, error)
}

// Checkout is the purchase reconciler surface used by the handlers.
type Checkout interface {
	ListPacks(ctx context.Context) ([]checkout.CreditPack, error)
	StartPurchase(ctx context.Context, request checkout.PurchaseRequest) (checkout.Purchase, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (checkout.WebhookResult, error)
	VerifySession(ctx context.Context, userID ledger.UserID, sessionID string) (checkout.Verification, error)
}

// Run serves the API until ctx ends.
func Run(ctx context.Context, cfg Config, ledgerService Ledger, purchases Checkout, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:    logger,
		ledger:    ledgerService,
		purchases: purchases,
		cfg:       cfg,
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           setupRouter(cfg, handler, validator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 3*time.Minute)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.Use(rateLimitMiddleware(limiter))

	api.GET("/wallet", handler.handleWallet)
	api.GET("/packs", handler.handleListPacks)
	api.POST("/purchases", handler.handleStartPurchase)
	api.POST("/purchases/verify", handler.handleVerifyPurchase)
	api.GET("/transactions", handler.handleListOwnTransactions)
	api.POST("/usage", handler.handleRecordUsage)

	admin := api.Group("/admin")
	admin.Use(requireAdmin(cfg))

	admin.GET("/transactions", handler.handleAdminListTransactions)
	admin.POST("/transactions", handler.handleAdminCreateTransaction)
	admin.POST("/grants", handler.handleAdminGrant)
	admin.POST("/transactions/:id/apply", handler.handleAdminApply)
	admin.POST("/transactions/:id/reverse", handler.handleAdminReverse)
	admin.DELETE("/transactions/:id", handler.handleAdminArchiveTransaction)
	admin.DELETE("/transactions/:id/purge", handler.handleAdminPurgeTransaction)
	admin.GET("/wallets/:user_id", handler.handleAdminWallet)
	admin.POST("/wallets/:user_id/adjust", handler.handleAdminAdjustWallet)
	admin.DELETE("/wallets/:user_id", handler.handleAdminArchiveWallet)
	admin.DELETE("/wallets/:user_id/purge", handler.handleAdminPurgeWallet)
	admin.POST("/sweep", handler.handleAdminSweep)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	ledger    Ledger
	purchases Checkout
	cfg       Config
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// sessionUser resolves the caller or writes 401.
func sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func adminCapability(ctx *gin.Context) ledger.AdminCapability {
	value, _ := ctx.Get(capabilityContextKey)
	capability, _ := value.(ledger.AdminCapability)
	return capability
}
