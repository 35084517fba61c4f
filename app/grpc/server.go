package grpc

import (
	"context"
	"errors"

	"github.com/vibast-solutions/ms-go-subscriptions/app/clock"
	"github.com/vibast-solutions/ms-go-subscriptions/app/mapper"
	"github.com/vibast-solutions/ms-go-subscriptions/app/service"
	"github.com/vibast-solutions/ms-go-subscriptions/app/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type subscriptionService interface {
	CreateSubscription(ctx context.Context, req service.CreateSubscriptionRequest) (*service.CheckoutResult, error)
	GetSubscription(ctx context.Context, id uint64) (*service.SubscriptionDetails, error)
	VerifyPayment(ctx context.Context, req service.VerifyPaymentRequest) (*service.VerifyResult, error)
	GetEntitlement(ctx context.Context, subscriberID string) (*service.Entitlement, error)
}

type Server struct {
	subscriptions subscriptionService
	clock         clock.Clock
}

var _ SubscriptionsServiceServer = (*Server)(nil)

func NewServer(subscriptions subscriptionService, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.System()
	}
	return &Server{subscriptions: subscriptions, clock: clk}
}

func (s *Server) Health(_ context.Context, _ *types.HealthRequest) (*types.HealthResponse, error) {
	return &types.HealthResponse{Status: "ok"}, nil
}

func (s *Server) CreateSubscription(ctx context.Context, req *types.CreateSubscriptionRequest) (*types.CheckoutResponse, error) {
	l := loggerWithContext(ctx)
	if err := req.Validate(); err != nil {
		l.WithError(err).Debug("Create subscription validation failed")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.subscriptions.CreateSubscription(ctx, req)
	if err != nil {
		return nil, toStatus(ctx, err, "Create subscription failed")
	}

	return mapper.CheckoutToResponse(result), nil
}

func (s *Server) GetSubscription(ctx context.Context, req *types.GetSubscriptionRequest) (*types.SubscriptionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	details, err := s.subscriptions.GetSubscription(ctx, req.GetId())
	if err != nil {
		return nil, toStatus(ctx, err, "Get subscription failed")
	}

	return mapper.DetailsToResponse(details), nil
}

func (s *Server) VerifyPayment(ctx context.Context, req *types.VerifyPaymentRequest) (*types.VerifyPaymentResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.subscriptions.VerifyPayment(ctx, req)
	if err != nil {
		return nil, toStatus(ctx, err, "Verify payment failed")
	}

	return mapper.VerifyToResponse(result, s.clock.Now()), nil
}

func (s *Server) GetEntitlement(ctx context.Context, req *types.GetEntitlementRequest) (*types.EntitlementResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	item, err := s.subscriptions.GetEntitlement(ctx, req.GetSubscriberId())
	if err != nil {
		return nil, toStatus(ctx, err, "Get entitlement failed")
	}

	return mapper.EntitlementToResponse(item), nil
}

func toStatus(ctx context.Context, err error, message string) error {
	switch {
	case errors.Is(err, service.ErrSubscriptionNotFound):
		return status.Error(codes.NotFound, "subscription not found")
	case errors.Is(err, service.ErrInvoiceNotFound):
		return status.Error(codes.NotFound, "invoice not found")
	case errors.Is(err, service.ErrActiveSubscriptionExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, service.ErrUnreconcilable):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, service.ErrInvalidSignature):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidStatus):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrGatewayUnavailable):
		loggerWithContext(ctx).WithError(err).Warn(message)
		return status.Error(codes.Unavailable, "payment gateway unavailable")
	default:
		loggerWithContext(ctx).WithError(err).Error(message)
		return status.Error(codes.Internal, "internal server error")
	}
}
