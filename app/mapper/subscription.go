package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/service"
	"github.com/vibast-solutions/ms-go-subscriptions/app/types"
)

// SubscriptionToResponse renders a subscription. hasAccess is passed in
// because it depends on the read time and is never stored.
func SubscriptionToResponse(item *entity.Subscription, hasAccess bool) *types.Subscription {
	if item == nil {
		return nil
	}

	return &types.Subscription{
		Id:                    item.ID,
		SubscriberId:          item.SubscriberID,
		Plan:                  item.Plan,
		Status:                item.Status,
		HasAccess:             hasAccess,
		StartDate:             formatTimePtr(item.StartDate),
		CurrentPeriodStart:    formatTimePtr(item.CurrentPeriodStart),
		CurrentPeriodEnd:      formatTimePtr(item.CurrentPeriodEnd),
		NextBillingDate:       formatTimePtr(item.NextBillingDate),
		AmountPaise:           item.AmountPaise,
		Currency:              item.Currency,
		AutoRenew:             item.AutoRenew,
		GatewaySubscriptionId: derefString(item.GatewaySubscriptionID),
		MandateStatus:         derefString(item.MandateStatus),
		PauseStartDate:        formatTimePtr(item.PauseStartDate),
		ResumeDate:            formatTimePtr(item.ResumeDate),
		CancelledAt:           formatTimePtr(item.CancelledAt),
		CancelReason:          derefString(item.CancelReason),
		AutoChargeFailures:    item.AutoChargeFailures,
		CreatedAt:             formatTime(item.CreatedAt),
		UpdatedAt:             formatTime(item.UpdatedAt),
	}
}

func InvoiceToResponse(item *entity.Invoice) *types.Invoice {
	if item == nil {
		return nil
	}

	return &types.Invoice{
		Id:                 item.ID,
		SubscriptionId:     item.SubscriptionID,
		InvoiceNumber:      derefString(item.InvoiceNumber),
		AmountPaise:        item.AmountPaise,
		TaxPaise:           item.TaxPaise,
		TaxBreakdown:       cloneBreakdown(item.TaxBreakdown),
		TotalPaise:         item.TotalPaise,
		Currency:           item.Currency,
		BillingPeriodStart: formatTime(item.BillingPeriodStart),
		BillingPeriodEnd:   formatTime(item.BillingPeriodEnd),
		PaymentStatus:      item.PaymentStatus,
		GatewayOrderId:     derefString(item.GatewayOrderID),
		GatewayPaymentId:   derefString(item.GatewayPaymentID),
		PaidAt:             formatTimePtr(item.PaidAt),
		Source:             item.Source,
		CreatedAt:          formatTime(item.CreatedAt),
	}
}

func InvoicesToResponse(items []*entity.Invoice) []*types.Invoice {
	result := make([]*types.Invoice, 0, len(items))
	for _, item := range items {
		result = append(result, InvoiceToResponse(item))
	}
	return result
}

func DetailsToResponse(details *service.SubscriptionDetails) *types.SubscriptionResponse {
	if details == nil {
		return &types.SubscriptionResponse{}
	}
	return &types.SubscriptionResponse{
		Subscription: SubscriptionToResponse(details.Subscription, details.HasAccess),
		Invoices:     InvoicesToResponse(details.Invoices),
	}
}

func CheckoutToResponse(result *service.CheckoutResult) *types.CheckoutResponse {
	if result == nil {
		return &types.CheckoutResponse{}
	}
	return &types.CheckoutResponse{
		Subscription:          SubscriptionToResponse(result.Subscription, false),
		Invoice:               InvoiceToResponse(result.Invoice),
		KeyId:                 result.KeyID,
		GatewayOrderId:        result.GatewayOrderID,
		GatewaySubscriptionId: result.GatewaySubscriptionID,
		ShortUrl:              result.ShortURL,
	}
}

func VerifyToResponse(result *service.VerifyResult, now time.Time) *types.VerifyPaymentResponse {
	if result == nil {
		return &types.VerifyPaymentResponse{}
	}
	hasAccess := result.Subscription != nil && result.Subscription.HasAccess(now)
	return &types.VerifyPaymentResponse{
		Subscription:   SubscriptionToResponse(result.Subscription, hasAccess),
		Invoice:        InvoiceToResponse(result.Invoice),
		AlreadyApplied: result.AlreadyApplied,
	}
}

func EntitlementToResponse(item *service.Entitlement) *types.EntitlementResponse {
	if item == nil {
		return &types.EntitlementResponse{}
	}
	return &types.EntitlementResponse{
		SubscriberId:   item.SubscriberID,
		SubscriptionId: item.SubscriptionID,
		Plan:           item.Plan,
		Status:         item.Status,
		HasAccess:      item.HasAccess,
		AccessUntil:    formatTimePtr(item.AccessUntil),
	}
}

func WebhookToResponse(result *service.WebhookResult) *types.WebhookResponse {
	if result == nil {
		return &types.WebhookResponse{}
	}
	return &types.WebhookResponse{
		EventId:   result.EventID,
		EventType: result.EventType,
		Outcome:   result.Outcome,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func cloneBreakdown(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
