package repository

import (
	"context"
	"database/sql"

	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
)

// CheckoutRepository persists a pending subscription together with its first
// invoice.
type CheckoutRepository struct {
	db *sql.DB
}

func NewCheckoutRepository(db *sql.DB) *CheckoutRepository {
	return &CheckoutRepository{db: db}
}

func (r *CheckoutRepository) CreatePending(ctx context.Context, sub *entity.Subscription, inv *entity.Invoice) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = NewSubscriptionRepository(tx).Create(ctx, sub); err != nil {
		return err
	}

	inv.SubscriptionID = sub.ID
	inv.SubscriberID = sub.SubscriberID
	if err = NewInvoiceRepository(tx).Create(ctx, inv); err != nil {
		return err
	}

	return tx.Commit()
}
