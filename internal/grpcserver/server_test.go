package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	bufconnSize    = 1 << 20
	testSigningKey = "grpc-secret"
	testIssuer     = "creditd"
	testAdminID    = "admin-1"
)

type fakeLedger struct {
	balance      ledger.Balance
	wallet       ledger.Wallet
	report       ledger.SweepReport
	err          error
	reverseActor ledger.UserID
	appliedID    ledger.TransactionID
}

func (fake *fakeLedger) GetWalletBalance(context.Context, ledger.UserID) (ledger.Balance, error) {
	return fake.balance, fake.err
}

func (fake *fakeLedger) ApplyTransaction(_ context.Context, transactionID ledger.TransactionID) (ledger.Wallet, error) {
	fake.appliedID = transactionID
	return fake.wallet, fake.err
}

func (fake *fakeLedger) ReverseTransaction(_ context.Context, capability ledger.AdminCapability, _ ledger.TransactionID) (ledger.Wallet, error) {
	fake.reverseActor = capability.Actor()
	return fake.wallet, fake.err
}

func (fake *fakeLedger) SweepFreeCredits(context.Context) (ledger.SweepReport, error) {
	return fake.report, fake.err
}

func startAdminClient(t *testing.T, service Ledger) *Client {
	t.Helper()
	interceptor, err := AdminAuthInterceptor(AuthConfig{
		SigningKey:   []byte(testSigningKey),
		Issuer:       testIssuer,
		AdminUserIDs: []string{testAdminID},
	})
	if err != nil {
		t.Fatalf("interceptor init failed: %v", err)
	}
	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	Register(grpcServer, NewWalletAdminServer(service))
	go func() {
		if serveErr := grpcServer.Serve(listener); serveErr != nil {
			t.Logf("gRPC server error: %v", serveErr)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("gRPC client init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		grpcServer.Stop()
	})
	return NewClient(conn)
}

func signToken(t *testing.T, subject string, key string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return signed
}

func withToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+token)
}

func TestAdminInterceptorRejectsCallers(t *testing.T) {
	client := startAdminClient(t, &fakeLedger{})
	testCases := []struct {
		name    string
		ctx     context.Context
		code    codes.Code
		message string
	}{
		{"missing token", context.Background(), codes.Unauthenticated, errorMissingToken},
		{"wrong key", withToken(context.Background(), signToken(t, testAdminID, "other")), codes.Unauthenticated, errorInvalidToken},
		{"not admin", withToken(context.Background(), signToken(t, "buyer-1", testSigningKey)), codes.PermissionDenied, errorNotAdmin},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := client.SweepFreeCredits(testCase.ctx)
			statusInfo, ok := status.FromError(err)
			if !ok || statusInfo.Code() != testCase.code || statusInfo.Message() != testCase.message {
				t.Fatalf("expected %s %q, got %v", testCase.code, testCase.message, err)
			}
		})
	}
}

func TestAdminMethods(t *testing.T) {
	userID, _ := ledger.NewUserID("buyer-1")
	service := &fakeLedger{
		balance: ledger.Balance{Paid: 10, Free: 5, Total: 15},
		wallet:  ledger.Wallet{UserID: userID, PaidCredits: 7, FreeCredits: 5},
		report:  ledger.SweepReport{Scanned: 3, Reset: 2, Conflicts: 1},
	}
	client := startAdminClient(t, service)
	ctx := withToken(context.Background(), signToken(t, testAdminID, testSigningKey))

	balance, err := client.GetBalance(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.GetFields()["total"].GetNumberValue() != 15 {
		t.Fatalf("unexpected balance %v", balance)
	}

	transactionID := ledger.NewRandomTransactionID()
	wallet, err := client.ApplyTransaction(ctx, transactionID.String())
	if err != nil {
		t.Fatalf("ApplyTransaction failed: %v", err)
	}
	if wallet.GetFields()["total"].GetNumberValue() != 12 || service.appliedID != transactionID {
		t.Fatalf("unexpected apply result %v", wallet)
	}

	if _, err := client.ReverseTransaction(ctx, transactionID.String()); err != nil {
		t.Fatalf("ReverseTransaction failed: %v", err)
	}
	if service.reverseActor.String() != testAdminID {
		t.Fatalf("expected reversal by %s, got %q", testAdminID, service.reverseActor.String())
	}

	report, err := client.SweepFreeCredits(ctx)
	if err != nil {
		t.Fatalf("SweepFreeCredits failed: %v", err)
	}
	if report.GetFields()["reset"].GetNumberValue() != 2 || report.GetFields()["conflicts"].GetNumberValue() != 1 {
		t.Fatalf("unexpected sweep report %v", report)
	}
}

func TestAdminMethodErrors(t *testing.T) {
	service := &fakeLedger{}
	client := startAdminClient(t, service)
	ctx := withToken(context.Background(), signToken(t, testAdminID, testSigningKey))

	_, err := client.ApplyTransaction(ctx, "not-a-uuid")
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	service.err = ledger.ErrTransactionNotFound
	_, err = client.ApplyTransaction(ctx, ledger.NewRandomTransactionID().String())
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	service.err = ledger.WrapError("store.wallet.reset", "w", "conflict", ledger.ErrPersistenceConflict)
	_, err = client.GetBalance(ctx, "buyer-1")
	if status.Code(err) != codes.Aborted {
		t.Fatalf("expected Aborted, got %v", err)
	}
}

func TestMapToGRPCError(t *testing.T) {
	testCases := []struct {
		err  error
		code codes.Code
	}{
		{ledger.ErrInvalidUserID, codes.InvalidArgument},
		{ledger.ErrWalletArchived, codes.FailedPrecondition},
		{ledger.ErrInvariantViolation, codes.FailedPrecondition},
		{ledger.ErrCapabilityRequired, codes.PermissionDenied},
		{context.DeadlineExceeded, codes.Internal},
	}
	for _, testCase := range testCases {
		if got := status.Code(mapToGRPCError(testCase.err)); got != testCase.code {
			t.Fatalf("%v: expected %s, got %s", testCase.err, testCase.code, got)
		}
	}
}

func TestAdminAuthInterceptorConfig(t *testing.T) {
	if _, err := AdminAuthInterceptor(AuthConfig{AdminUserIDs: []string{testAdminID}}); err == nil {
		t.Fatalf("expected error without signing key")
	}
	if _, err := AdminAuthInterceptor(AuthConfig{SigningKey: []byte(testSigningKey)}); err == nil {
		t.Fatalf("expected error without admins")
	}
}
