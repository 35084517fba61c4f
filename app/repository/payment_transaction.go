package repository

import (
	"context"
	"database/sql"

	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
)

const GatewayStatusCaptured = "captured"

type PaymentTransactionRepository struct {
	db DBTX
}

func NewPaymentTransactionRepository(db DBTX) *PaymentTransactionRepository {
	return &PaymentTransactionRepository{db: db}
}

func (r *PaymentTransactionRepository) Create(ctx context.Context, tx *entity.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (
			subscription_id, invoice_id, event_type, source,
			gateway_event_id, gateway_payment_id, gateway_order_id, gateway_subscription_id,
			amount_paise, currency, gateway_status, payload_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableUint64Value(tx.SubscriptionID),
		nullableUint64Value(tx.InvoiceID),
		tx.EventType,
		tx.Source,
		nullableStringValue(tx.GatewayEventID),
		nullableStringValue(tx.GatewayPaymentID),
		nullableStringValue(tx.GatewayOrderID),
		nullableStringValue(tx.GatewaySubscriptionID),
		tx.AmountPaise,
		tx.Currency,
		tx.GatewayStatus,
		nullableStringValue(tx.PayloadJSON),
		tx.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	tx.ID = uint64(id)

	return nil
}

// ListUnappliedCaptured returns captured ledger rows linked to the subscription
// (by local id, mandate id or order id) whose payment id is not on any PAID
// invoice yet. Nil keys never match.
func (r *PaymentTransactionRepository) ListUnappliedCaptured(
	ctx context.Context,
	subscriptionID uint64,
	gatewaySubscriptionID *string,
	gatewayOrderID *string,
	limit int32,
) ([]*entity.PaymentTransaction, error) {
	query := `
		SELECT t.id, t.subscription_id, t.invoice_id, t.event_type, t.source,
			t.gateway_event_id, t.gateway_payment_id, t.gateway_order_id, t.gateway_subscription_id,
			t.amount_paise, t.currency, t.gateway_status, t.payload_json, t.created_at
		FROM payment_transactions t
		WHERE t.gateway_status = ?
		  AND t.gateway_payment_id IS NOT NULL
		  AND (t.subscription_id = ? OR t.gateway_subscription_id = ? OR t.gateway_order_id = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM invoices i
			WHERE i.gateway_payment_id = t.gateway_payment_id AND i.payment_status = ?
		  )
		ORDER BY t.id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query,
		GatewayStatusCaptured,
		subscriptionID,
		nullableStringValue(gatewaySubscriptionID),
		nullableStringValue(gatewayOrderID),
		entity.InvoiceStatusPaid,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.PaymentTransaction, 0)
	for rows.Next() {
		item := &entity.PaymentTransaction{}
		var subID, invoiceID sql.NullInt64
		var eventID, paymentID, orderID, gatewaySubID, payload sql.NullString
		if err := rows.Scan(
			&item.ID,
			&subID,
			&invoiceID,
			&item.EventType,
			&item.Source,
			&eventID,
			&paymentID,
			&orderID,
			&gatewaySubID,
			&item.AmountPaise,
			&item.Currency,
			&item.GatewayStatus,
			&payload,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		item.SubscriptionID = uint64PtrFromNull(subID)
		item.InvoiceID = uint64PtrFromNull(invoiceID)
		item.GatewayEventID = stringPtrFromNull(eventID)
		item.GatewayPaymentID = stringPtrFromNull(paymentID)
		item.GatewayOrderID = stringPtrFromNull(orderID)
		item.GatewaySubscriptionID = stringPtrFromNull(gatewaySubID)
		item.PayloadJSON = stringPtrFromNull(payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
