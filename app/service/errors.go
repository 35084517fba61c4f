package service

import "errors"

var (
	ErrInvalidRequest           = errors.New("invalid request")
	ErrSubscriptionNotFound     = errors.New("subscription not found")
	ErrInvoiceNotFound          = errors.New("invoice not found")
	ErrActiveSubscriptionExists = errors.New("active subscription already exists")
	ErrInvalidSignature         = errors.New("invalid signature")
	ErrGatewayUnavailable       = errors.New("payment gateway unavailable")
	ErrUnreconcilable           = errors.New("payment could not be reconciled")
	ErrInvalidStatus            = errors.New("invalid status")
)
