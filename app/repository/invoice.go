package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
)

var (
	ErrInvoiceNotFound       = errors.New("invoice not found")
	ErrPaymentAlreadyApplied = errors.New("gateway payment already applied to a paid invoice")
)

const invoiceColumns = `
	id, subscription_id, subscriber_id, invoice_number,
	amount_paise, tax_paise, tax_breakdown_json, total_paise, currency,
	billing_period_start, billing_period_end,
	payment_status, gateway_order_id, gateway_payment_id, paid_at,
	source, created_at, updated_at
`

// PaidUpdate carries the fields written when an invoice is settled.
type PaidUpdate struct {
	InvoiceID          uint64
	GatewayPaymentID   string
	GatewayOrderID     *string
	PaidAt             time.Time
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
	UpdatedAt          time.Time
}

type InvoiceRepository struct {
	db DBTX
}

func NewInvoiceRepository(db DBTX) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Create(ctx context.Context, inv *entity.Invoice) error {
	taxJSON, err := serializeTaxBreakdown(inv.TaxBreakdown)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO invoices (
			subscription_id, subscriber_id, invoice_number,
			amount_paise, tax_paise, tax_breakdown_json, total_paise, currency,
			billing_period_start, billing_period_end,
			payment_status, gateway_order_id, gateway_payment_id, paid_at,
			source, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		inv.SubscriptionID,
		inv.SubscriberID,
		nullableStringValue(inv.InvoiceNumber),
		inv.AmountPaise,
		inv.TaxPaise,
		taxJSON,
		inv.TotalPaise,
		inv.Currency,
		inv.BillingPeriodStart,
		inv.BillingPeriodEnd,
		inv.PaymentStatus,
		nullableStringValue(inv.GatewayOrderID),
		nullableStringValue(inv.GatewayPaymentID),
		nullableTimeValue(inv.PaidAt),
		inv.Source,
		inv.CreatedAt,
		inv.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrPaymentAlreadyApplied
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	inv.ID = uint64(id)
	return nil
}

// MarkPaid settles the invoice unless it is already PAID. Only the caller that
// gets true back owns the downstream effects of the payment.
func (r *InvoiceRepository) MarkPaid(ctx context.Context, upd PaidUpdate) (bool, error) {
	query := `
		UPDATE invoices SET
			payment_status = ?,
			gateway_payment_id = ?,
			gateway_order_id = COALESCE(?, gateway_order_id),
			paid_at = ?,
			billing_period_start = ?,
			billing_period_end = ?,
			updated_at = ?
		WHERE id = ? AND payment_status <> ?
	`

	result, err := r.db.ExecContext(ctx, query,
		entity.InvoiceStatusPaid,
		upd.GatewayPaymentID,
		nullableStringValue(upd.GatewayOrderID),
		upd.PaidAt,
		upd.BillingPeriodStart,
		upd.BillingPeriodEnd,
		upd.UpdatedAt,
		upd.InvoiceID,
		entity.InvoiceStatusPaid,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return false, ErrPaymentAlreadyApplied
		}
		return false, err
	}

	return conditionalUpdateApplied(result)
}

// MarkFailed never touches a PAID invoice.
func (r *InvoiceRepository) MarkFailed(ctx context.Context, id uint64, gatewayPaymentID *string, now time.Time) (bool, error) {
	query := `
		UPDATE invoices SET
			payment_status = ?,
			gateway_payment_id = COALESCE(?, gateway_payment_id),
			updated_at = ?
		WHERE id = ? AND payment_status <> ?
	`
	result, err := r.db.ExecContext(ctx, query,
		entity.InvoiceStatusFailed,
		nullableStringValue(gatewayPaymentID),
		now,
		id,
		entity.InvoiceStatusPaid,
	)
	if err != nil {
		return false, err
	}
	return conditionalUpdateApplied(result)
}

func (r *InvoiceRepository) MarkCancelled(ctx context.Context, id uint64, now time.Time) (bool, error) {
	query := `
		UPDATE invoices SET payment_status = ?, updated_at = ?
		WHERE id = ? AND payment_status IN (?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		entity.InvoiceStatusCancelled,
		now,
		id,
		entity.InvoiceStatusPending,
		entity.InvoiceStatusFailed,
	)
	if err != nil {
		return false, err
	}
	return conditionalUpdateApplied(result)
}

// LinkGatewayRefs fills in missing gateway references on an unpaid invoice.
func (r *InvoiceRepository) LinkGatewayRefs(ctx context.Context, id uint64, gatewayOrderID, gatewayPaymentID *string, now time.Time) (bool, error) {
	query := `
		UPDATE invoices SET
			gateway_order_id = COALESCE(?, gateway_order_id),
			gateway_payment_id = COALESCE(?, gateway_payment_id),
			updated_at = ?
		WHERE id = ? AND payment_status <> ?
	`
	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(gatewayOrderID),
		nullableStringValue(gatewayPaymentID),
		now,
		id,
		entity.InvoiceStatusPaid,
	)
	if err != nil {
		return false, err
	}
	return conditionalUpdateApplied(result)
}

func (r *InvoiceRepository) AssignInvoiceNumber(ctx context.Context, id uint64, number string, now time.Time) (bool, error) {
	query := `UPDATE invoices SET invoice_number = ?, updated_at = ? WHERE id = ? AND invoice_number IS NULL`
	result, err := r.db.ExecContext(ctx, query, number, now, id)
	if err != nil {
		if isDuplicateEntryError(err) {
			return false, nil
		}
		return false, err
	}
	return conditionalUpdateApplied(result)
}

func (r *InvoiceRepository) FindByID(ctx context.Context, id uint64) (*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = ?`
	return r.findOne(ctx, query, id)
}

// FindByGatewayPaymentID prefers the PAID invoice when several rows carry the
// same payment id.
func (r *InvoiceRepository) FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE gateway_payment_id = ?
		ORDER BY (payment_status = ?) DESC, id DESC
		LIMIT 1`
	return r.findOne(ctx, query, gatewayPaymentID, entity.InvoiceStatusPaid)
}

func (r *InvoiceRepository) FindPaidByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE gateway_payment_id = ? AND payment_status = ?
		LIMIT 1`
	return r.findOne(ctx, query, gatewayPaymentID, entity.InvoiceStatusPaid)
}

func (r *InvoiceRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE gateway_order_id = ?
		ORDER BY id DESC
		LIMIT 1`
	return r.findOne(ctx, query, gatewayOrderID)
}

func (r *InvoiceRepository) FindLatestOpenBySubscription(ctx context.Context, subscriptionID uint64) (*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE subscription_id = ? AND payment_status IN (?, ?)
		ORDER BY id DESC
		LIMIT 1`
	return r.findOne(ctx, query, subscriptionID, entity.InvoiceStatusPending, entity.InvoiceStatusFailed)
}

func (r *InvoiceRepository) FindBySubscriptionPeriod(ctx context.Context, subscriptionID uint64, periodStart time.Time) (*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE subscription_id = ? AND billing_period_start = ?
		ORDER BY (payment_status = ?) DESC, id DESC
		LIMIT 1`
	return r.findOne(ctx, query, subscriptionID, periodStart, entity.InvoiceStatusPaid)
}

func (r *InvoiceRepository) FindLatestPaidBySubscription(ctx context.Context, subscriptionID uint64) (*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE subscription_id = ? AND payment_status = ?
		ORDER BY billing_period_end DESC, id DESC
		LIMIT 1`
	return r.findOne(ctx, query, subscriptionID, entity.InvoiceStatusPaid)
}

func (r *InvoiceRepository) ListBySubscription(ctx context.Context, subscriptionID uint64) ([]*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE subscription_id = ? ORDER BY id ASC`
	return r.list(ctx, query, subscriptionID)
}

// ListUnpaidForReconcile returns unpaid invoices created inside
// [createdAfter, createdBefore], oldest first.
func (r *InvoiceRepository) ListUnpaidForReconcile(ctx context.Context, createdAfter, createdBefore time.Time, limit int32) ([]*entity.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE payment_status IN (?, ?, ?)
		  AND created_at >= ?
		  AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`
	return r.list(ctx, query,
		entity.InvoiceStatusPending,
		entity.InvoiceStatusFailed,
		entity.InvoiceStatusCancelled,
		createdAfter,
		createdBefore,
		limit,
	)
}

func (r *InvoiceRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Invoice, error) {
	inv := &entity.Invoice{}
	if err := scanInvoice(r.db.QueryRowContext(ctx, query, args...), inv); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *InvoiceRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]*entity.Invoice, 0)
	for rows.Next() {
		item := &entity.Invoice{}
		if err := scanInvoice(rows, item); err != nil {
			return nil, err
		}
		invoices = append(invoices, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return invoices, nil
}

func scanInvoice(scan rowScanner, inv *entity.Invoice) error {
	var invoiceNumber, orderID, paymentID sql.NullString
	var paidAt sql.NullTime
	var taxJSON string

	err := scan.Scan(
		&inv.ID,
		&inv.SubscriptionID,
		&inv.SubscriberID,
		&invoiceNumber,
		&inv.AmountPaise,
		&inv.TaxPaise,
		&taxJSON,
		&inv.TotalPaise,
		&inv.Currency,
		&inv.BillingPeriodStart,
		&inv.BillingPeriodEnd,
		&inv.PaymentStatus,
		&orderID,
		&paymentID,
		&paidAt,
		&inv.Source,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return err
	}

	inv.InvoiceNumber = stringPtrFromNull(invoiceNumber)
	inv.GatewayOrderID = stringPtrFromNull(orderID)
	inv.GatewayPaymentID = stringPtrFromNull(paymentID)
	inv.PaidAt = timePtrFromNull(paidAt)

	breakdown, err := parseTaxBreakdown(taxJSON)
	if err != nil {
		return err
	}
	inv.TaxBreakdown = breakdown

	return nil
}
