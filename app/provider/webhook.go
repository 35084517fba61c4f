package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type webhookEnvelope struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity orderEntity `json:"entity"`
		} `json:"order"`
		Subscription *struct {
			Entity subscriptionEntity `json:"entity"`
		} `json:"subscription"`
	} `json:"payload"`
}

// parseWebhookEvent maps a raw delivery onto Event. Unknown event types parse successfully
// with FamilyUnknown so the caller can acknowledge them.
func parseWebhookEvent(payload []byte, eventID string) (*Event, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	eventType := strings.TrimSpace(envelope.Event)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type missing", ErrMalformedEvent)
	}

	event := &Event{
		ID:     strings.TrimSpace(eventID),
		Type:   eventType,
		Family: FamilyOf(eventType),
		Notes:  map[string]string{},
		Raw:    payload,
	}

	if sub := envelope.Payload.Subscription; sub != nil {
		event.SubscriptionID = sub.Entity.ID
		event.MandateStatus = sub.Entity.Status
		mergeNotes(event.Notes, sub.Entity.Notes)
	}
	if order := envelope.Payload.Order; order != nil {
		event.OrderID = order.Entity.ID
		event.AmountPaise = order.Entity.Amount
		event.Currency = order.Entity.Currency
	}
	if payment := envelope.Payload.Payment; payment != nil {
		entity := payment.Entity
		event.PaymentID = entity.ID
		event.PaymentStatus = entity.Status
		event.AmountPaise = entity.Amount
		event.Currency = entity.Currency
		if entity.OrderID != "" {
			event.OrderID = entity.OrderID
		}
		if entity.CreatedAt > 0 {
			event.PaidAt = time.Unix(entity.CreatedAt, 0).UTC()
		}
		mergeNotes(event.Notes, entity.Notes)
	}
	if event.SubscriptionID == "" {
		event.SubscriptionID = event.Notes["gateway_subscription_id"]
	}
	if event.PaidAt.IsZero() && envelope.CreatedAt > 0 {
		event.PaidAt = time.Unix(envelope.CreatedAt, 0).UTC()
	}
	if eventType == EventOrderPaid && event.PaymentStatus == "" {
		event.PaymentStatus = PaymentStatusCaptured
	}

	return event, nil
}

func mergeNotes(dst map[string]string, src gatewayNotes) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}
