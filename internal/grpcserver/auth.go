package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	authorizationHeader = "authorization"
	bearerPrefix        = "bearer "

	errorMissingToken = "missing_token"
	errorInvalidToken = "invalid_token"
	errorNotAdmin     = "not_admin"
)

var ErrInvalidAuthConfig = errors.New("invalid grpc auth config")

// AuthConfig describes the HS256 bearer tokens accepted from administrators.
type AuthConfig struct {
	SigningKey   []byte
	Issuer       string
	AdminUserIDs []string
}

type actorContextKey struct{}

// AdminAuthInterceptor rejects calls without a valid admin bearer token and
// stores the token subject as the acting administrator.
func AdminAuthInterceptor(cfg AuthConfig) (grpc.UnaryServerInterceptor, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidAuthConfig)
	}
	if len(cfg.AdminUserIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one admin user id is required", ErrInvalidAuthConfig)
	}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(parserOptions...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.SigningKey, nil }

	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		rawToken, ok := bearerToken(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, errorMissingToken)
		}
		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(rawToken, claims, keyFunc); err != nil {
			return nil, status.Error(codes.Unauthenticated, errorInvalidToken)
		}
		if !slices.Contains(cfg.AdminUserIDs, claims.Subject) {
			return nil, status.Error(codes.PermissionDenied, errorNotAdmin)
		}
		return handler(context.WithValue(ctx, actorContextKey{}, claims.Subject), request)
	}, nil
}

func bearerToken(ctx context.Context) (string, bool) {
	incoming, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, value := range incoming.Get(authorizationHeader) {
		if len(value) > len(bearerPrefix) && strings.EqualFold(value[:len(bearerPrefix)], bearerPrefix) {
			return strings.TrimSpace(value[len(bearerPrefix):]), true
		}
	}
	return "", false
}

func capabilityFromContext(ctx context.Context) (ledger.AdminCapability, error) {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	actorID, err := ledger.NewUserID(actor)
	if err != nil {
		return ledger.AdminCapability{}, ledger.ErrCapabilityRequired
	}
	return ledger.NewAdminCapability(actorID)
}
