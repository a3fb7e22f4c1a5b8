package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type unaryCall func(WalletAdminService, context.Context, *structpb.Struct) (*structpb.Struct, error)

var walletAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WalletAdminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unaryHandler("GetBalance", WalletAdminService.GetBalance)},
		{MethodName: "ApplyTransaction", Handler: unaryHandler("ApplyTransaction", WalletAdminService.ApplyTransaction)},
		{MethodName: "ReverseTransaction", Handler: unaryHandler("ReverseTransaction", WalletAdminService.ReverseTransaction)},
		{MethodName: "SweepFreeCredits", Handler: unaryHandler("SweepFreeCredits", WalletAdminService.SweepFreeCredits)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentcredits/admin/v1/wallet_admin.proto",
}

func fullMethodName(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	fullMethod := fullMethodName(method)
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		service := srv.(WalletAdminService)
		if interceptor == nil {
			return call(service, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(service, ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// Client calls the admin service on a connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps a gRPC connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, method string, request map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	payload, err := structpb.NewStruct(request)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethodName(method), payload, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) GetBalance(ctx context.Context, userID string, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "GetBalance", map[string]any{fieldUserID: userID}, options...)
}

func (client *Client) ApplyTransaction(ctx context.Context, transactionID string, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "ApplyTransaction", map[string]any{fieldTransactionID: transactionID}, options...)
}

func (client *Client) ReverseTransaction(ctx context.Context, transactionID string, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "ReverseTransaction", map[string]any{fieldTransactionID: transactionID}, options...)
}

func (client *Client) SweepFreeCredits(ctx context.Context, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, "SweepFreeCredits", map[string]any{}, options...)
}
