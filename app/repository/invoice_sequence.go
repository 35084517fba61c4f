package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type InvoiceSequenceRepository struct {
	db     DBTX
	prefix string
}

func NewInvoiceSequenceRepository(db DBTX, prefix string) *InvoiceSequenceRepository {
	if prefix == "" {
		prefix = "INV"
	}
	return &InvoiceSequenceRepository{db: db, prefix: prefix}
}

// Next reserves the next number for the month of at. The increment happens in
// a single statement on one row, so concurrent callers never share a value.
// Numbers reserved by callers that later lose a race are simply skipped.
func (r *InvoiceSequenceRepository) Next(ctx context.Context, at time.Time) (string, error) {
	periodKey := at.UTC().Format("200601")
	query := `
		INSERT INTO invoice_sequences (period_key, last_value)
		VALUES (?, LAST_INSERT_ID(1))
		ON DUPLICATE KEY UPDATE last_value = LAST_INSERT_ID(last_value + 1)
	`

	result, err := r.db.ExecContext(ctx, query, periodKey)
	if err != nil {
		return "", err
	}

	value, err := result.LastInsertId()
	if err != nil {
		return "", err
	}
	if value <= 0 {
		return "", errors.New("invoice sequence returned no value")
	}

	return FormatInvoiceNumber(r.prefix, periodKey, value), nil
}

func FormatInvoiceNumber(prefix, periodKey string, value int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, periodKey, value)
}
