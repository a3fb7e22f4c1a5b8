package grpcserver

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentcredits.admin.v1.WalletAdmin"

const (
	fieldUserID        = "user_id"
	fieldTransactionID = "transaction_id"

	errorInvalidUserID        = "invalid_user_id"
	errorInvalidTransactionID = "invalid_transaction_id"
	errorWalletNotFound       = "wallet_not_found"
	errorTransactionNotFound  = "transaction_not_found"
	errorWalletArchived       = "wallet_archived"
	errorInvariantViolation   = "invariant_violation"
	errorInvalidTransition    = "invalid_transition"
	errorPersistenceConflict  = "persistence_conflict"
	errorCapabilityRequired   = "admin_capability_required"
	errorInternal             = "internal"
)

// Ledger is the ledger surface exposed to administrators over gRPC.
type Ledger interface {
	GetWalletBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	ApplyTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Wallet, error)
	ReverseTransaction(ctx context.Context, capability ledger.AdminCapability, transactionID ledger.TransactionID) (ledger.Wallet, error)
	SweepFreeCredits(ctx context.Context) (ledger.SweepReport, error)
}

// WalletAdminService is the server contract registered under ServiceName.
type WalletAdminService interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ApplyTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ReverseTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	SweepFreeCredits(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// WalletAdminServer exposes wallet administration over gRPC.
type WalletAdminServer struct {
	ledger Ledger
}

// NewWalletAdminServer constructs the admin service.
func NewWalletAdminServer(service Ledger) *WalletAdminServer {
	return &WalletAdminServer{ledger: service}
}

// Register adds the admin service to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, server WalletAdminService) {
	registrar.RegisterService(&walletAdminServiceDesc, server)
}

func (server *WalletAdminServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := server.ledger.GetWalletBalance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldUserID: userID.String(),
		"paid":      balance.Paid.Int64(),
		"free":      balance.Free.Int64(),
		"total":     balance.Total.Int64(),
	})
}

func (server *WalletAdminServer) ApplyTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	transactionID, err := ledger.NewTransactionID(stringField(request, fieldTransactionID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	wallet, err := server.ledger.ApplyTransaction(ctx, transactionID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return walletStruct(wallet)
}

func (server *WalletAdminServer) ReverseTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	transactionID, err := ledger.NewTransactionID(stringField(request, fieldTransactionID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	capability, err := capabilityFromContext(ctx)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	wallet, err := server.ledger.ReverseTransaction(ctx, capability, transactionID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return walletStruct(wallet)
}

func (server *WalletAdminServer) SweepFreeCredits(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := server.ledger.SweepFreeCredits(ctx)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		"scanned":   report.Scanned,
		"reset":     report.Reset,
		"conflicts": report.Conflicts,
	})
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func walletStruct(wallet ledger.Wallet) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldUserID:             wallet.UserID.String(),
		"paid":                  wallet.PaidCredits.Int64(),
		"free":                  wallet.FreeCredits.Int64(),
		"total":                 wallet.Total().Int64(),
		"last_free_credit_date": wallet.LastFreeCreditDate.String(),
	})
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidTransactionID) {
		return status.Error(codes.InvalidArgument, errorInvalidTransactionID)
	}
	if errors.Is(source, ledger.ErrCapabilityRequired) {
		return status.Error(codes.PermissionDenied, errorCapabilityRequired)
	}
	if errors.Is(source, ledger.ErrWalletNotFound) {
		return status.Error(codes.NotFound, errorWalletNotFound)
	}
	if errors.Is(source, ledger.ErrTransactionNotFound) {
		return status.Error(codes.NotFound, errorTransactionNotFound)
	}
	if errors.Is(source, ledger.ErrWalletArchived) {
		return status.Error(codes.FailedPrecondition, errorWalletArchived)
	}
	if errors.Is(source, ledger.ErrInvariantViolation) {
		return status.Error(codes.FailedPrecondition, errorInvariantViolation)
	}
	if errors.Is(source, ledger.ErrInvalidTransition) {
		return status.Error(codes.FailedPrecondition, errorInvalidTransition)
	}
	if errors.Is(source, ledger.ErrPersistenceConflict) {
		return status.Error(codes.Aborted, errorPersistenceConflict)
	}
	return status.Error(codes.Internal, errorInternal)
}
