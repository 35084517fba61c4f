package types

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

const (
	GatewaySignatureHeader = "X-Razorpay-Signature"
	GatewayEventIDHeader   = "X-Razorpay-Event-Id"

	maxWebhookBodyBytes = 1 << 20
)

var validate = validator.New()

// validationError flattens the first failing field into a client-facing message.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", snakeCase(fe.Field()))
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", snakeCase(fe.Field()), fe.Param())
	case "min", "max":
		return fmt.Errorf("%s must satisfy %s=%s", snakeCase(fe.Field()), fe.Tag(), fe.Param())
	default:
		return fmt.Errorf("%s is invalid", snakeCase(fe.Field()))
	}
}

func snakeCase(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseID(ctx echo.Context) (uint64, error) {
	return strconv.ParseUint(ctx.Param("id"), 10, 64)
}

func NewCreateSubscriptionRequestFromContext(ctx echo.Context) (*CreateSubscriptionRequest, error) {
	var body CreateSubscriptionRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.SubscriberId = strings.TrimSpace(body.SubscriberId)
	body.Plan = strings.ToLower(strings.TrimSpace(body.Plan))
	return &body, nil
}

func (r *CreateSubscriptionRequest) Validate() error {
	return validationError(validate.Struct(r))
}

func NewGetSubscriptionRequestFromContext(ctx echo.Context) (*GetSubscriptionRequest, error) {
	id, err := parseID(ctx)
	if err != nil {
		return nil, err
	}
	return &GetSubscriptionRequest{Id: id}, nil
}

func (r *GetSubscriptionRequest) Validate() error {
	if r.GetId() == 0 {
		return errors.New("invalid subscription id")
	}
	return nil
}

func NewVerifyPaymentRequestFromContext(ctx echo.Context) (*VerifyPaymentRequest, error) {
	id, err := parseID(ctx)
	if err != nil {
		return nil, err
	}

	var body VerifyPaymentRequest
	if err = ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.SubscriptionId = id
	body.PaymentId = strings.TrimSpace(body.PaymentId)
	body.OrderId = strings.TrimSpace(body.OrderId)
	body.GatewaySubscriptionId = strings.TrimSpace(body.GatewaySubscriptionId)
	body.Signature = strings.ToLower(strings.TrimSpace(body.Signature))

	return &body, nil
}

func (r *VerifyPaymentRequest) Validate() error {
	return validationError(validate.Struct(r))
}

func NewPauseSubscriptionRequestFromContext(ctx echo.Context) (*PauseSubscriptionRequest, error) {
	id, err := parseID(ctx)
	if err != nil {
		return nil, err
	}

	var body PauseSubscriptionRequest
	if err = ctx.Bind(&body); err != nil {
		return nil, err
	}
	body.Id = id

	return &body, nil
}

func (r *PauseSubscriptionRequest) Validate() error {
	return validationError(validate.Struct(r))
}

func NewResumeSubscriptionRequestFromContext(ctx echo.Context) (*ResumeSubscriptionRequest, error) {
	id, err := parseID(ctx)
	if err != nil {
		return nil, err
	}
	return &ResumeSubscriptionRequest{Id: id}, nil
}

func (r *ResumeSubscriptionRequest) Validate() error {
	if r.GetId() == 0 {
		return errors.New("invalid subscription id")
	}
	return nil
}

func NewCancelSubscriptionRequestFromContext(ctx echo.Context) (*CancelSubscriptionRequest, error) {
	id, err := parseID(ctx)
	if err != nil {
		return nil, err
	}

	var body CancelSubscriptionRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.Id = id
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *CancelSubscriptionRequest) Validate() error {
	return validationError(validate.Struct(r))
}

func NewGetEntitlementRequestFromContext(ctx echo.Context) (*GetEntitlementRequest, error) {
	return &GetEntitlementRequest{SubscriberId: strings.TrimSpace(ctx.Param("subscriberId"))}, nil
}

func (r *GetEntitlementRequest) Validate() error {
	return validationError(validate.Struct(r))
}

// NewGatewayWebhookRequestFromContext keeps the body unparsed; signature
// verification runs over the exact bytes received.
func NewGatewayWebhookRequestFromContext(ctx echo.Context) (*GatewayWebhookRequest, error) {
	rawBody, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxWebhookBodyBytes))
	if err != nil {
		return nil, err
	}

	return &GatewayWebhookRequest{
		Payload:   rawBody,
		Signature: strings.TrimSpace(ctx.Request().Header.Get(GatewaySignatureHeader)),
		EventId:   strings.TrimSpace(ctx.Request().Header.Get(GatewayEventIDHeader)),
	}, nil
}

func (r *GatewayWebhookRequest) Validate() error {
	if len(r.GetPayload()) == 0 {
		return errors.New("payload is required")
	}
	if r.GetSignature() == "" {
		return errors.New("gateway signature is required")
	}
	return nil
}
