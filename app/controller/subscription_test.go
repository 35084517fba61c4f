package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-subscriptions/app/clock"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/service"
	"github.com/vibast-solutions/ms-go-subscriptions/app/types"
)

var controllerNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type stubSubscriptionService struct {
	createFn      func(ctx context.Context, req service.CreateSubscriptionRequest) (*service.CheckoutResult, error)
	getFn         func(ctx context.Context, id uint64) (*service.SubscriptionDetails, error)
	verifyFn      func(ctx context.Context, req service.VerifyPaymentRequest) (*service.VerifyResult, error)
	pauseFn       func(ctx context.Context, req service.PauseSubscriptionRequest) (*entity.Subscription, error)
	resumeFn      func(ctx context.Context, id uint64) (*entity.Subscription, error)
	cancelFn      func(ctx context.Context, req service.CancelSubscriptionRequest) (*entity.Subscription, error)
	entitlementFn func(ctx context.Context, subscriberID string) (*service.Entitlement, error)
	webhookFn     func(ctx context.Context, req service.WebhookRequest) (*service.WebhookResult, error)
}

func (s *stubSubscriptionService) CreateSubscription(ctx context.Context, req service.CreateSubscriptionRequest) (*service.CheckoutResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return &service.CheckoutResult{}, nil
}

func (s *stubSubscriptionService) GetSubscription(ctx context.Context, id uint64) (*service.SubscriptionDetails, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return nil, service.ErrSubscriptionNotFound
}

func (s *stubSubscriptionService) VerifyPayment(ctx context.Context, req service.VerifyPaymentRequest) (*service.VerifyResult, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, req)
	}
	return &service.VerifyResult{}, nil
}

func (s *stubSubscriptionService) PauseSubscription(ctx context.Context, req service.PauseSubscriptionRequest) (*entity.Subscription, error) {
	if s.pauseFn != nil {
		return s.pauseFn(ctx, req)
	}
	return nil, service.ErrSubscriptionNotFound
}

func (s *stubSubscriptionService) ResumeSubscription(ctx context.Context, id uint64) (*entity.Subscription, error) {
	if s.resumeFn != nil {
		return s.resumeFn(ctx, id)
	}
	return nil, service.ErrSubscriptionNotFound
}

func (s *stubSubscriptionService) CancelSubscription(ctx context.Context, req service.CancelSubscriptionRequest) (*entity.Subscription, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, req)
	}
	return nil, service.ErrSubscriptionNotFound
}

func (s *stubSubscriptionService) GetEntitlement(ctx context.Context, subscriberID string) (*service.Entitlement, error) {
	if s.entitlementFn != nil {
		return s.entitlementFn(ctx, subscriberID)
	}
	return &service.Entitlement{SubscriberID: subscriberID}, nil
}

func (s *stubSubscriptionService) HandleGatewayWebhook(ctx context.Context, req service.WebhookRequest) (*service.WebhookResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, req)
	}
	return &service.WebhookResult{Outcome: "ignored"}, nil
}

func newControllerForTest(svc *stubSubscriptionService) *SubscriptionController {
	return NewSubscriptionController(svc, clock.NewFakeClock(controllerNow))
}

func newContext(method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	if len(params) > 0 {
		names := make([]string, 0, len(params)/2)
		values := make([]string, 0, len(params)/2)
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		ctx.SetParamNames(names...)
		ctx.SetParamValues(values...)
	}
	return ctx, rec
}

func activeSubscription(id uint64) *entity.Subscription {
	start := controllerNow.Add(-24 * time.Hour)
	end := controllerNow.Add(29 * 24 * time.Hour)
	return &entity.Subscription{
		ID:                 id,
		SubscriberID:       "user-1",
		Plan:               entity.PlanCampaign,
		Status:             entity.SubscriptionStatusActive,
		StartDate:          &start,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		AmountPaise:        99900,
		Currency:           "INR",
		CreatedAt:          start,
		UpdatedAt:          start,
	}
}

func TestCreateSubscriptionBadBody(t *testing.T) {
	ctrl := newControllerForTest(&stubSubscriptionService{})
	ctx, rec := newContext(http.MethodPost, "/subscriptions", "{bad")

	if err := ctrl.CreateSubscription(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateSubscriptionSuccess(t *testing.T) {
	var gotPlan string
	svc := &stubSubscriptionService{createFn: func(_ context.Context, req service.CreateSubscriptionRequest) (*service.CheckoutResult, error) {
		gotPlan = req.GetPlan()
		sub := &entity.Subscription{ID: 5, SubscriberID: req.GetSubscriberId(), Plan: req.GetPlan(), Status: entity.SubscriptionStatusPaymentPending}
		orderID := "order_1"
		inv := &entity.Invoice{ID: 9, SubscriptionID: 5, TotalPaise: 117882, PaymentStatus: entity.InvoiceStatusPending, GatewayOrderID: &orderID}
		return &service.CheckoutResult{Subscription: sub, Invoice: inv, KeyID: "rzp_test_key", GatewayOrderID: orderID}, nil
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions", `{"subscriber_id":"user-1","plan":"campaign"}`)

	_ = ctrl.CreateSubscription(ctx)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	if gotPlan != entity.PlanCampaign {
		t.Fatalf("expected campaign plan, got %q", gotPlan)
	}

	var payload types.CheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if payload.GetSubscription().GetId() != 5 || payload.GatewayOrderId != "order_1" || payload.KeyId != "rzp_test_key" {
		t.Fatalf("unexpected checkout payload: %+v", payload)
	}
	if payload.Invoice == nil || payload.Invoice.TotalPaise != 117882 {
		t.Fatalf("unexpected invoice payload: %+v", payload.Invoice)
	}
}

func TestCreateSubscriptionConflict(t *testing.T) {
	svc := &stubSubscriptionService{createFn: func(context.Context, service.CreateSubscriptionRequest) (*service.CheckoutResult, error) {
		return nil, service.ErrActiveSubscriptionExists
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions", `{"subscriber_id":"user-1","plan":"pro"}`)

	_ = ctrl.CreateSubscription(ctx)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCreateSubscriptionGatewayUnavailable(t *testing.T) {
	svc := &stubSubscriptionService{createFn: func(context.Context, service.CreateSubscriptionRequest) (*service.CheckoutResult, error) {
		return nil, fmt.Errorf("%w: create order", service.ErrGatewayUnavailable)
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions", `{"subscriber_id":"user-1","plan":"pro"}`)

	_ = ctrl.CreateSubscription(ctx)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestGetSubscriptionNotFound(t *testing.T) {
	ctrl := newControllerForTest(&stubSubscriptionService{})
	ctx, rec := newContext(http.MethodGet, "/subscriptions/9", "", "id", "9")

	_ = ctrl.GetSubscription(ctx)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetSubscriptionInvalidID(t *testing.T) {
	ctrl := newControllerForTest(&stubSubscriptionService{})
	ctx, rec := newContext(http.MethodGet, "/subscriptions/abc", "", "id", "abc")

	_ = ctrl.GetSubscription(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetSubscriptionSuccess(t *testing.T) {
	svc := &stubSubscriptionService{getFn: func(_ context.Context, id uint64) (*service.SubscriptionDetails, error) {
		return &service.SubscriptionDetails{Subscription: activeSubscription(id), HasAccess: true}, nil
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodGet, "/subscriptions/4", "", "id", "4")

	_ = ctrl.GetSubscription(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var payload types.SubscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if payload.GetSubscription().GetId() != 4 || !payload.GetSubscription().HasAccess {
		t.Fatalf("unexpected payload: %+v", payload.GetSubscription())
	}
}

func TestVerifyPaymentInvalidSignature(t *testing.T) {
	svc := &stubSubscriptionService{verifyFn: func(context.Context, service.VerifyPaymentRequest) (*service.VerifyResult, error) {
		return nil, service.ErrInvalidSignature
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions/4/verify", `{"payment_id":"pay_1","order_id":"order_1","signature":"abcdef"}`, "id", "4")

	_ = ctrl.VerifyPayment(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestVerifyPaymentSuccessReportsAccess(t *testing.T) {
	var gotID uint64
	svc := &stubSubscriptionService{verifyFn: func(_ context.Context, req service.VerifyPaymentRequest) (*service.VerifyResult, error) {
		gotID = req.GetSubscriptionId()
		return &service.VerifyResult{Subscription: activeSubscription(req.GetSubscriptionId()), AlreadyApplied: true}, nil
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions/4/verify", `{"payment_id":"pay_1","order_id":"order_1","signature":"abcdef"}`, "id", "4")

	_ = ctrl.VerifyPayment(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if gotID != 4 {
		t.Fatalf("expected subscription 4, got %d", gotID)
	}
	var payload types.VerifyPaymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !payload.AlreadyApplied || payload.Subscription == nil || !payload.Subscription.HasAccess {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestPauseSubscriptionValidation(t *testing.T) {
	ctrl := newControllerForTest(&stubSubscriptionService{})
	ctx, rec := newContext(http.MethodPost, "/subscriptions/4/pause", `{"pause_days":120}`, "id", "4")

	_ = ctrl.PauseSubscription(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPauseSubscriptionInvalidStatus(t *testing.T) {
	svc := &stubSubscriptionService{pauseFn: func(context.Context, service.PauseSubscriptionRequest) (*entity.Subscription, error) {
		return nil, service.ErrInvalidStatus
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions/4/pause", `{"pause_days":14}`, "id", "4")

	_ = ctrl.PauseSubscription(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResumeSubscriptionSuccess(t *testing.T) {
	svc := &stubSubscriptionService{resumeFn: func(_ context.Context, id uint64) (*entity.Subscription, error) {
		return activeSubscription(id), nil
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions/4/resume", "", "id", "4")

	_ = ctrl.ResumeSubscription(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCancelSubscriptionPassesReason(t *testing.T) {
	var gotReason string
	svc := &stubSubscriptionService{cancelFn: func(_ context.Context, req service.CancelSubscriptionRequest) (*entity.Subscription, error) {
		gotReason = req.GetReason()
		sub := activeSubscription(req.GetId())
		sub.Status = entity.SubscriptionStatusCancelled
		return sub, nil
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions/3/cancel", `{"reason":" too expensive "}`, "id", "3")

	_ = ctrl.CancelSubscription(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if gotReason != "too expensive" {
		t.Fatalf("expected trimmed reason, got %q", gotReason)
	}
}

func TestCancelSubscriptionGatewayUnavailable(t *testing.T) {
	svc := &stubSubscriptionService{cancelFn: func(context.Context, service.CancelSubscriptionRequest) (*entity.Subscription, error) {
		return nil, service.ErrGatewayUnavailable
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/subscriptions/3/cancel", "", "id", "3")

	_ = ctrl.CancelSubscription(ctx)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestGetEntitlementSuccess(t *testing.T) {
	until := controllerNow.Add(10 * 24 * time.Hour)
	svc := &stubSubscriptionService{entitlementFn: func(_ context.Context, subscriberID string) (*service.Entitlement, error) {
		return &service.Entitlement{SubscriberID: subscriberID, SubscriptionID: 4, Plan: entity.PlanPro, Status: entity.SubscriptionStatusActive, HasAccess: true, AccessUntil: &until}, nil
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodGet, "/subscribers/user-1/entitlement", "", "subscriberId", "user-1")

	_ = ctrl.GetEntitlement(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var payload types.EntitlementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !payload.GetHasAccess() || payload.AccessUntil != until.Format(time.RFC3339) {
		t.Fatalf("unexpected entitlement: %+v", payload)
	}
}

func TestHandleGatewayWebhookMissingSignature(t *testing.T) {
	ctrl := newControllerForTest(&stubSubscriptionService{})
	ctx, rec := newContext(http.MethodPost, "/webhooks/gateway", `{"event":"payment.captured"}`)

	_ = ctrl.HandleGatewayWebhook(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGatewayWebhookRejected(t *testing.T) {
	svc := &stubSubscriptionService{webhookFn: func(context.Context, service.WebhookRequest) (*service.WebhookResult, error) {
		return nil, service.ErrInvalidSignature
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/webhooks/gateway", `{"event":"payment.captured"}`)
	ctx.Request().Header.Set(types.GatewaySignatureHeader, "bad")

	_ = ctrl.HandleGatewayWebhook(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGatewayWebhookStoreFailureIsRetryable(t *testing.T) {
	svc := &stubSubscriptionService{webhookFn: func(context.Context, service.WebhookRequest) (*service.WebhookResult, error) {
		return nil, errors.New("connection refused")
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/webhooks/gateway", `{"event":"payment.captured"}`)
	ctx.Request().Header.Set(types.GatewaySignatureHeader, "sig")

	_ = ctrl.HandleGatewayWebhook(ctx)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleGatewayWebhookPassesRawPayload(t *testing.T) {
	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1"}}}}`
	var gotPayload, gotEventID string
	svc := &stubSubscriptionService{webhookFn: func(_ context.Context, req service.WebhookRequest) (*service.WebhookResult, error) {
		gotPayload = string(req.GetPayload())
		gotEventID = req.GetEventId()
		return &service.WebhookResult{EventID: req.GetEventId(), EventType: "payment.captured", Outcome: "applied"}, nil
	}}
	ctrl := newControllerForTest(svc)
	ctx, rec := newContext(http.MethodPost, "/webhooks/gateway", body)
	ctx.Request().Header.Set(types.GatewaySignatureHeader, "sig")
	ctx.Request().Header.Set(types.GatewayEventIDHeader, "evt_1")

	_ = ctrl.HandleGatewayWebhook(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if gotPayload != body || gotEventID != "evt_1" {
		t.Fatalf("unexpected webhook request: payload=%q event=%q", gotPayload, gotEventID)
	}
}
