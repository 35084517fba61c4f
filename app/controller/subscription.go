package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/clock"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/factory"
	"github.com/vibast-solutions/ms-go-subscriptions/app/mapper"
	"github.com/vibast-solutions/ms-go-subscriptions/app/service"
	"github.com/vibast-solutions/ms-go-subscriptions/app/types"
)

type subscriptionService interface {
	CreateSubscription(ctx context.Context, req service.CreateSubscriptionRequest) (*service.CheckoutResult, error)
	GetSubscription(ctx context.Context, id uint64) (*service.SubscriptionDetails, error)
	VerifyPayment(ctx context.Context, req service.VerifyPaymentRequest) (*service.VerifyResult, error)
	PauseSubscription(ctx context.Context, req service.PauseSubscriptionRequest) (*entity.Subscription, error)
	ResumeSubscription(ctx context.Context, id uint64) (*entity.Subscription, error)
	CancelSubscription(ctx context.Context, req service.CancelSubscriptionRequest) (*entity.Subscription, error)
	GetEntitlement(ctx context.Context, subscriberID string) (*service.Entitlement, error)
	HandleGatewayWebhook(ctx context.Context, req service.WebhookRequest) (*service.WebhookResult, error)
}

type SubscriptionController struct {
	subscriptions subscriptionService
	clock         clock.Clock
	logger        logrus.FieldLogger
}

func NewSubscriptionController(subscriptions subscriptionService, clk clock.Clock) *SubscriptionController {
	if clk == nil {
		clk = clock.System()
	}
	return &SubscriptionController{
		subscriptions: subscriptions,
		clock:         clk,
		logger:        factory.NewModuleLogger("subscriptions-controller"),
	}
}

func (c *SubscriptionController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *SubscriptionController) CreateSubscription(ctx echo.Context) error {
	req, err := types.NewCreateSubscriptionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.subscriptions.CreateSubscription(ctx.Request().Context(), req)
	if err != nil {
		return c.serviceError(ctx, err, "Create subscription failed")
	}

	return ctx.JSON(http.StatusCreated, mapper.CheckoutToResponse(result))
}

func (c *SubscriptionController) GetSubscription(ctx echo.Context) error {
	req, err := types.NewGetSubscriptionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	details, err := c.subscriptions.GetSubscription(ctx.Request().Context(), req.GetId())
	if err != nil {
		return c.serviceError(ctx, err, "Get subscription failed")
	}

	return ctx.JSON(http.StatusOK, mapper.DetailsToResponse(details))
}

func (c *SubscriptionController) VerifyPayment(ctx echo.Context) error {
	req, err := types.NewVerifyPaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.subscriptions.VerifyPayment(ctx.Request().Context(), req)
	if err != nil {
		return c.serviceError(ctx, err, "Verify payment failed")
	}

	return ctx.JSON(http.StatusOK, mapper.VerifyToResponse(result, c.clock.Now()))
}

func (c *SubscriptionController) PauseSubscription(ctx echo.Context) error {
	req, err := types.NewPauseSubscriptionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	sub, err := c.subscriptions.PauseSubscription(ctx.Request().Context(), req)
	if err != nil {
		return c.serviceError(ctx, err, "Pause subscription failed")
	}

	return c.writeSubscription(ctx, sub)
}

func (c *SubscriptionController) ResumeSubscription(ctx echo.Context) error {
	req, err := types.NewResumeSubscriptionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	sub, err := c.subscriptions.ResumeSubscription(ctx.Request().Context(), req.GetId())
	if err != nil {
		return c.serviceError(ctx, err, "Resume subscription failed")
	}

	return c.writeSubscription(ctx, sub)
}

func (c *SubscriptionController) CancelSubscription(ctx echo.Context) error {
	req, err := types.NewCancelSubscriptionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	sub, err := c.subscriptions.CancelSubscription(ctx.Request().Context(), req)
	if err != nil {
		return c.serviceError(ctx, err, "Cancel subscription failed")
	}

	return c.writeSubscription(ctx, sub)
}

func (c *SubscriptionController) GetEntitlement(ctx echo.Context) error {
	req, err := types.NewGetEntitlementRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.subscriptions.GetEntitlement(ctx.Request().Context(), req.GetSubscriberId())
	if err != nil {
		return c.serviceError(ctx, err, "Get entitlement failed")
	}

	return ctx.JSON(http.StatusOK, mapper.EntitlementToResponse(item))
}

// HandleGatewayWebhook answers 2xx for anything the gateway should stop
// retrying. Only store failures produce a 500.
func (c *SubscriptionController) HandleGatewayWebhook(ctx echo.Context) error {
	req, err := types.NewGatewayWebhookRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.subscriptions.HandleGatewayWebhook(ctx.Request().Context(), req)
	if err != nil {
		return c.serviceError(ctx, err, "Handle gateway webhook failed")
	}

	return ctx.JSON(http.StatusOK, mapper.WebhookToResponse(result))
}

func (c *SubscriptionController) writeSubscription(ctx echo.Context, sub *entity.Subscription) error {
	hasAccess := sub != nil && sub.HasAccess(c.clock.Now())
	return ctx.JSON(http.StatusOK, &types.SubscriptionResponse{Subscription: mapper.SubscriptionToResponse(sub, hasAccess)})
}

func (c *SubscriptionController) serviceError(ctx echo.Context, err error, message string) error {
	switch {
	case errors.Is(err, service.ErrSubscriptionNotFound):
		return c.writeError(ctx, http.StatusNotFound, "subscription not found")
	case errors.Is(err, service.ErrInvoiceNotFound):
		return c.writeError(ctx, http.StatusNotFound, "invoice not found")
	case errors.Is(err, service.ErrActiveSubscriptionExists):
		return c.writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrUnreconcilable):
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn(message)
		return c.writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidStatus), errors.Is(err, service.ErrInvalidSignature):
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrGatewayUnavailable):
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn(message)
		return c.writeError(ctx, http.StatusServiceUnavailable, "payment gateway unavailable")
	default:
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error(message)
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}

func (c *SubscriptionController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
