package grpc

import (
	"context"

	"github.com/vibast-solutions/ms-go-subscriptions/app/types"
	"google.golang.org/grpc"
)

const serviceName = "subscriptions.SubscriptionsService"

type SubscriptionsServiceServer interface {
	Health(context.Context, *types.HealthRequest) (*types.HealthResponse, error)
	CreateSubscription(context.Context, *types.CreateSubscriptionRequest) (*types.CheckoutResponse, error)
	GetSubscription(context.Context, *types.GetSubscriptionRequest) (*types.SubscriptionResponse, error)
	VerifyPayment(context.Context, *types.VerifyPaymentRequest) (*types.VerifyPaymentResponse, error)
	GetEntitlement(context.Context, *types.GetEntitlementRequest) (*types.EntitlementResponse, error)
}

func RegisterSubscriptionsServiceServer(s grpc.ServiceRegistrar, srv SubscriptionsServiceServer) {
	s.RegisterService(&subscriptionsServiceDesc, srv)
}

// unaryHandler adapts one typed method to the generic grpc.MethodDesc handler.
func unaryHandler[Req any, Resp any](method string, call func(SubscriptionsServiceServer, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(SubscriptionsServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(server, ctx, req.(*Req))
		})
	}
}

var subscriptionsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SubscriptionsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Health", Handler: unaryHandler("Health", SubscriptionsServiceServer.Health)},
		{MethodName: "CreateSubscription", Handler: unaryHandler("CreateSubscription", SubscriptionsServiceServer.CreateSubscription)},
		{MethodName: "GetSubscription", Handler: unaryHandler("GetSubscription", SubscriptionsServiceServer.GetSubscription)},
		{MethodName: "VerifyPayment", Handler: unaryHandler("VerifyPayment", SubscriptionsServiceServer.VerifyPayment)},
		{MethodName: "GetEntitlement", Handler: unaryHandler("GetEntitlement", SubscriptionsServiceServer.GetEntitlement)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "subscriptions.proto",
}
