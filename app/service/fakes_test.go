package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vibast-solutions/ms-go-subscriptions/app/clock"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/metrics"
	"github.com/vibast-solutions/ms-go-subscriptions/app/provider"
	"github.com/vibast-solutions/ms-go-subscriptions/app/repository"
	"github.com/vibast-solutions/ms-go-subscriptions/config"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

// memStore mirrors the conditional-update semantics of the MySQL repositories.
type memStore struct {
	mu           sync.Mutex
	subs         map[uint64]*entity.Subscription
	invoices     map[uint64]*entity.Invoice
	transactions []*entity.PaymentTransaction
	sequences    map[string]int64
	nextSubID    uint64
	nextInvID    uint64
	nextTxID     uint64
}

func newMemStore() *memStore {
	return &memStore{
		subs:      map[uint64]*entity.Subscription{},
		invoices:  map[uint64]*entity.Invoice{},
		sequences: map[string]int64{},
	}
}

func (m *memStore) repositories() Repositories {
	return Repositories{
		Subscriptions: &fakeSubscriptions{m},
		Invoices:      &fakeInvoices{m},
		Transactions:  &fakeTransactions{m},
		Sequence:      &fakeSequence{m},
		Checkout:      &fakeCheckout{m},
	}
}

func (m *memStore) subscription(id uint64) *entity.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp
	}
	return nil
}

func (m *memStore) invoice(id uint64) *entity.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invoices[id]; ok {
		cp := *inv
		return &cp
	}
	return nil
}

func (m *memStore) invoicesOf(subscriptionID uint64) []*entity.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoicesOfLocked(subscriptionID)
}

func (m *memStore) invoicesOfLocked(subscriptionID uint64) []*entity.Invoice {
	out := make([]*entity.Invoice, 0)
	for _, inv := range m.invoices {
		if inv.SubscriptionID == subscriptionID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) paidInvoicesOf(subscriptionID uint64) []*entity.Invoice {
	out := make([]*entity.Invoice, 0)
	for _, inv := range m.invoicesOf(subscriptionID) {
		if inv.IsPaid() {
			out = append(out, inv)
		}
	}
	return out
}

func (m *memStore) transactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

func (m *memStore) putSubscription(sub *entity.Subscription) *entity.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	cp := *sub
	cp.ID = m.nextSubID
	m.subs[cp.ID] = &cp
	out := cp
	return &out
}

func (m *memStore) putInvoice(inv *entity.Invoice) *entity.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextInvID++
	cp := *inv
	cp.ID = m.nextInvID
	m.invoices[cp.ID] = &cp
	out := cp
	return &out
}

func (m *memStore) activeConflictLocked(subscriberID string, exceptID uint64) bool {
	for _, other := range m.subs {
		if other.ID != exceptID && other.SubscriberID == subscriberID && entity.IsActiveLike(other.Status) {
			return true
		}
	}
	return false
}

func (m *memStore) paidPaymentTakenLocked(paymentID string, exceptID uint64) bool {
	for _, other := range m.invoices {
		if other.ID != exceptID && other.IsPaid() && other.GatewayPaymentID != nil && *other.GatewayPaymentID == paymentID {
			return true
		}
	}
	return false
}

func (m *memStore) findInvoiceLocked(match func(*entity.Invoice) bool, better func(a, b *entity.Invoice) bool) *entity.Invoice {
	var found *entity.Invoice
	for _, inv := range m.invoices {
		if !match(inv) {
			continue
		}
		if found == nil || better(inv, found) {
			found = inv
		}
	}
	if found == nil {
		return nil
	}
	cp := *found
	return &cp
}

func newerID(a, b *entity.Invoice) bool { return a.ID > b.ID }

func paidFirst(a, b *entity.Invoice) bool {
	if a.IsPaid() != b.IsPaid() {
		return a.IsPaid()
	}
	return a.ID > b.ID
}

type fakeSubscriptions struct{ m *memStore }

func (f *fakeSubscriptions) Update(_ context.Context, sub *entity.Subscription, expectedStatus string) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.subs[sub.ID]
	if !ok || stored.Status != expectedStatus {
		return false, nil
	}
	if entity.IsActiveLike(sub.Status) && f.m.activeConflictLocked(sub.SubscriberID, sub.ID) {
		return false, repository.ErrActiveSubscriptionExists
	}
	cp := *sub
	cp.AutoChargeFailures = stored.AutoChargeFailures
	cp.LastAutoChargeAttempt = stored.LastAutoChargeAttempt
	cp.CreatedAt = stored.CreatedAt
	f.m.subs[sub.ID] = &cp
	return true, nil
}

func (f *fakeSubscriptions) UpdateMandateStatus(_ context.Context, id uint64, mandateStatus string, now time.Time) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.subs[id]
	if !ok {
		return repository.ErrSubscriptionNotFound
	}
	status := mandateStatus
	stored.MandateStatus = &status
	stored.UpdatedAt = now
	return nil
}

func (f *fakeSubscriptions) LinkGatewaySubscription(_ context.Context, id uint64, gatewaySubscriptionID, mandateStatus string, now time.Time) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.subs[id]
	if !ok || stored.GatewaySubscriptionID != nil {
		return false, nil
	}
	gid, status := gatewaySubscriptionID, mandateStatus
	stored.GatewaySubscriptionID = &gid
	stored.MandateStatus = &status
	stored.UpdatedAt = now
	return true, nil
}

func (f *fakeSubscriptions) IncrementAutoChargeFailures(_ context.Context, id uint64, at time.Time, unlessStatus string) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.subs[id]
	if !ok || (unlessStatus != "" && stored.Status == unlessStatus) {
		return false, nil
	}
	stored.AutoChargeFailures++
	attempt := at
	stored.LastAutoChargeAttempt = &attempt
	return true, nil
}

func (f *fakeSubscriptions) ResetAutoChargeFailures(_ context.Context, id uint64, at time.Time) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if stored, ok := f.m.subs[id]; ok {
		stored.AutoChargeFailures = 0
		attempt := at
		stored.LastAutoChargeAttempt = &attempt
	}
	return nil
}

func (f *fakeSubscriptions) FindByID(_ context.Context, id uint64) (*entity.Subscription, error) {
	return f.m.subscription(id), nil
}

func (f *fakeSubscriptions) FindByGatewaySubscriptionID(_ context.Context, gatewaySubscriptionID string) (*entity.Subscription, error) {
	return f.first(func(s *entity.Subscription) bool {
		return s.GatewaySubscriptionID != nil && *s.GatewaySubscriptionID == gatewaySubscriptionID
	}), nil
}

func (f *fakeSubscriptions) FindActiveLikeBySubscriber(_ context.Context, subscriberID string) (*entity.Subscription, error) {
	return f.first(func(s *entity.Subscription) bool {
		return s.SubscriberID == subscriberID && entity.IsActiveLike(s.Status)
	}), nil
}

func (f *fakeSubscriptions) FindLatestWithAccess(_ context.Context, subscriberID string, now time.Time) (*entity.Subscription, error) {
	return f.first(func(s *entity.Subscription) bool {
		return s.SubscriberID == subscriberID && s.HasAccess(now)
	}), nil
}

func (f *fakeSubscriptions) ListPeriodElapsed(_ context.Context, statuses []string, before time.Time, limit int32) ([]*entity.Subscription, error) {
	return f.list(limit, func(s *entity.Subscription) bool {
		return contains(statuses, s.Status) && s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(before)
	}), nil
}

func (f *fakeSubscriptions) ListDueResume(_ context.Context, now time.Time, limit int32) ([]*entity.Subscription, error) {
	return f.list(limit, func(s *entity.Subscription) bool {
		return s.Status == entity.SubscriptionStatusPaused && s.ResumeDate != nil && !s.ResumeDate.After(now)
	}), nil
}

func (f *fakeSubscriptions) ListStuckWithPaidInvoice(_ context.Context, statuses []string, now time.Time, limit int32) ([]*entity.Subscription, error) {
	f.m.mu.Lock()
	owners := map[uint64]bool{}
	for _, inv := range f.m.invoices {
		if inv.IsPaid() && inv.BillingPeriodEnd.After(now) {
			owners[inv.SubscriptionID] = true
		}
	}
	f.m.mu.Unlock()
	return f.list(limit, func(s *entity.Subscription) bool {
		return contains(statuses, s.Status) && owners[s.ID]
	}), nil
}

func (f *fakeSubscriptions) ListUnresolvedPending(_ context.Context, createdBefore time.Time, limit int32) ([]*entity.Subscription, error) {
	f.m.mu.Lock()
	paid := map[uint64]bool{}
	for _, inv := range f.m.invoices {
		if inv.IsPaid() {
			paid[inv.SubscriptionID] = true
		}
	}
	f.m.mu.Unlock()
	return f.list(limit, func(s *entity.Subscription) bool {
		return s.Status == entity.SubscriptionStatusPaymentPending && !s.CreatedAt.After(createdBefore) && !paid[s.ID]
	}), nil
}

func (f *fakeSubscriptions) ListRenewalCandidates(_ context.Context, statuses []string, from, to time.Time, limit int32) ([]*entity.Subscription, error) {
	return f.list(limit, func(s *entity.Subscription) bool {
		return contains(statuses, s.Status) && s.AutoRenew && s.IsMandate() &&
			s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.Before(from) && !s.CurrentPeriodEnd.After(to)
	}), nil
}

func (f *fakeSubscriptions) first(match func(*entity.Subscription) bool) *entity.Subscription {
	items := f.list(0, match)
	if len(items) == 0 {
		return nil
	}
	return items[len(items)-1]
}

func (f *fakeSubscriptions) list(limit int32, match func(*entity.Subscription) bool) []*entity.Subscription {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	out := make([]*entity.Subscription, 0)
	for _, sub := range f.m.subs {
		if match(sub) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out
}

type fakeInvoices struct{ m *memStore }

func (f *fakeInvoices) Create(_ context.Context, inv *entity.Invoice) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if inv.IsPaid() && inv.GatewayPaymentID != nil && f.m.paidPaymentTakenLocked(*inv.GatewayPaymentID, 0) {
		return repository.ErrPaymentAlreadyApplied
	}
	f.m.nextInvID++
	inv.ID = f.m.nextInvID
	cp := *inv
	f.m.invoices[inv.ID] = &cp
	return nil
}

func (f *fakeInvoices) MarkPaid(_ context.Context, upd repository.PaidUpdate) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.invoices[upd.InvoiceID]
	if !ok || stored.IsPaid() {
		return false, nil
	}
	if f.m.paidPaymentTakenLocked(upd.GatewayPaymentID, stored.ID) {
		return false, repository.ErrPaymentAlreadyApplied
	}
	paymentID, paidAt := upd.GatewayPaymentID, upd.PaidAt
	stored.PaymentStatus = entity.InvoiceStatusPaid
	stored.GatewayPaymentID = &paymentID
	if upd.GatewayOrderID != nil {
		orderID := *upd.GatewayOrderID
		stored.GatewayOrderID = &orderID
	}
	stored.PaidAt = &paidAt
	stored.BillingPeriodStart = upd.BillingPeriodStart
	stored.BillingPeriodEnd = upd.BillingPeriodEnd
	stored.UpdatedAt = upd.UpdatedAt
	return true, nil
}

func (f *fakeInvoices) MarkFailed(_ context.Context, id uint64, gatewayPaymentID *string, now time.Time) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.invoices[id]
	if !ok || stored.IsPaid() {
		return false, nil
	}
	stored.PaymentStatus = entity.InvoiceStatusFailed
	if gatewayPaymentID != nil {
		paymentID := *gatewayPaymentID
		stored.GatewayPaymentID = &paymentID
	}
	stored.UpdatedAt = now
	return true, nil
}

func (f *fakeInvoices) MarkCancelled(_ context.Context, id uint64, now time.Time) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.invoices[id]
	if !ok || !stored.IsOpen() {
		return false, nil
	}
	stored.PaymentStatus = entity.InvoiceStatusCancelled
	stored.UpdatedAt = now
	return true, nil
}

func (f *fakeInvoices) LinkGatewayRefs(_ context.Context, id uint64, gatewayOrderID, gatewayPaymentID *string, now time.Time) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.invoices[id]
	if !ok || stored.IsPaid() {
		return false, nil
	}
	if gatewayOrderID != nil {
		v := *gatewayOrderID
		stored.GatewayOrderID = &v
	}
	if gatewayPaymentID != nil {
		v := *gatewayPaymentID
		stored.GatewayPaymentID = &v
	}
	stored.UpdatedAt = now
	return true, nil
}

func (f *fakeInvoices) AssignInvoiceNumber(_ context.Context, id uint64, number string, now time.Time) (bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	stored, ok := f.m.invoices[id]
	if !ok || stored.InvoiceNumber != nil {
		return false, nil
	}
	for _, other := range f.m.invoices {
		if other.InvoiceNumber != nil && *other.InvoiceNumber == number {
			return false, nil
		}
	}
	v := number
	stored.InvoiceNumber = &v
	stored.UpdatedAt = now
	return true, nil
}

func (f *fakeInvoices) FindByID(_ context.Context, id uint64) (*entity.Invoice, error) {
	return f.m.invoice(id), nil
}

func (f *fakeInvoices) FindByGatewayPaymentID(_ context.Context, gatewayPaymentID string) (*entity.Invoice, error) {
	return f.find(func(inv *entity.Invoice) bool {
		return inv.GatewayPaymentID != nil && *inv.GatewayPaymentID == gatewayPaymentID
	}, paidFirst), nil
}

func (f *fakeInvoices) FindPaidByGatewayPaymentID(_ context.Context, gatewayPaymentID string) (*entity.Invoice, error) {
	return f.find(func(inv *entity.Invoice) bool {
		return inv.IsPaid() && inv.GatewayPaymentID != nil && *inv.GatewayPaymentID == gatewayPaymentID
	}, newerID), nil
}

func (f *fakeInvoices) FindByGatewayOrderID(_ context.Context, gatewayOrderID string) (*entity.Invoice, error) {
	return f.find(func(inv *entity.Invoice) bool {
		return inv.GatewayOrderID != nil && *inv.GatewayOrderID == gatewayOrderID
	}, newerID), nil
}

func (f *fakeInvoices) FindLatestOpenBySubscription(_ context.Context, subscriptionID uint64) (*entity.Invoice, error) {
	return f.find(func(inv *entity.Invoice) bool {
		return inv.SubscriptionID == subscriptionID && inv.IsOpen()
	}, newerID), nil
}

func (f *fakeInvoices) FindBySubscriptionPeriod(_ context.Context, subscriptionID uint64, periodStart time.Time) (*entity.Invoice, error) {
	return f.find(func(inv *entity.Invoice) bool {
		return inv.SubscriptionID == subscriptionID && inv.BillingPeriodStart.Equal(periodStart)
	}, paidFirst), nil
}

func (f *fakeInvoices) FindLatestPaidBySubscription(_ context.Context, subscriptionID uint64) (*entity.Invoice, error) {
	return f.find(func(inv *entity.Invoice) bool {
		return inv.SubscriptionID == subscriptionID && inv.IsPaid()
	}, func(a, b *entity.Invoice) bool {
		if !a.BillingPeriodEnd.Equal(b.BillingPeriodEnd) {
			return a.BillingPeriodEnd.After(b.BillingPeriodEnd)
		}
		return a.ID > b.ID
	}), nil
}

func (f *fakeInvoices) ListBySubscription(_ context.Context, subscriptionID uint64) ([]*entity.Invoice, error) {
	return f.m.invoicesOf(subscriptionID), nil
}

func (f *fakeInvoices) ListUnpaidForReconcile(_ context.Context, createdAfter, createdBefore time.Time, limit int32) ([]*entity.Invoice, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	out := make([]*entity.Invoice, 0)
	for _, inv := range f.m.invoices {
		if inv.IsPaid() || inv.CreatedAt.Before(createdAfter) || inv.CreatedAt.After(createdBefore) {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeInvoices) find(match func(*entity.Invoice) bool, better func(a, b *entity.Invoice) bool) *entity.Invoice {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.m.findInvoiceLocked(match, better)
}

type fakeTransactions struct{ m *memStore }

func (f *fakeTransactions) Create(_ context.Context, tx *entity.PaymentTransaction) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	f.m.nextTxID++
	tx.ID = f.m.nextTxID
	cp := *tx
	f.m.transactions = append(f.m.transactions, &cp)
	return nil
}

func (f *fakeTransactions) ListUnappliedCaptured(_ context.Context, subscriptionID uint64, gatewaySubscriptionID, gatewayOrderID *string, limit int32) ([]*entity.PaymentTransaction, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	out := make([]*entity.PaymentTransaction, 0)
	for _, tx := range f.m.transactions {
		if tx.GatewayStatus != repository.GatewayStatusCaptured || tx.GatewayPaymentID == nil {
			continue
		}
		linked := (tx.SubscriptionID != nil && *tx.SubscriptionID == subscriptionID) ||
			(gatewaySubscriptionID != nil && tx.GatewaySubscriptionID != nil && *tx.GatewaySubscriptionID == *gatewaySubscriptionID) ||
			(gatewayOrderID != nil && tx.GatewayOrderID != nil && *tx.GatewayOrderID == *gatewayOrderID)
		if !linked || f.m.paidPaymentTakenLocked(*tx.GatewayPaymentID, 0) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

type fakeSequence struct{ m *memStore }

func (f *fakeSequence) Next(_ context.Context, at time.Time) (string, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	key := at.UTC().Format("200601")
	f.m.sequences[key]++
	return repository.FormatInvoiceNumber("INV", key, f.m.sequences[key]), nil
}

type fakeCheckout struct{ m *memStore }

func (f *fakeCheckout) CreatePending(_ context.Context, sub *entity.Subscription, inv *entity.Invoice) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.m.activeConflictLocked(sub.SubscriberID, 0) {
		return repository.ErrActiveSubscriptionExists
	}
	f.m.nextSubID++
	sub.ID = f.m.nextSubID
	subCopy := *sub
	f.m.subs[sub.ID] = &subCopy

	f.m.nextInvID++
	inv.ID = f.m.nextInvID
	inv.SubscriptionID = sub.ID
	inv.SubscriberID = sub.SubscriberID
	invCopy := *inv
	f.m.invoices[inv.ID] = &invCopy
	return nil
}

// fakeGateway records calls and serves canned payments. Signatures are valid
// when they equal "ok".
type fakeGateway struct {
	mu sync.Mutex

	orderErr   error
	mandateErr error
	lookupErr  error

	payments             map[string]provider.Payment
	orderPayments        map[string][]provider.Payment
	subscriptionPayments map[string][]provider.Payment
	mandates             map[string]provider.MandateSubscription
	nextEvent            *provider.Event

	orders         int
	mandatesMade   int
	mandateLookups int
	paused         []string
	resumed        []string
	cancelled      []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		payments:             map[string]provider.Payment{},
		orderPayments:        map[string][]provider.Payment{},
		subscriptionPayments: map[string][]provider.Payment{},
		mandates:             map[string]provider.MandateSubscription{},
	}
}

func (g *fakeGateway) KeyID() string { return "rzp_test_key" }

func (g *fakeGateway) CreateOrder(_ context.Context, input *provider.CreateOrderInput) (*provider.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	g.orders++
	return &provider.Order{ID: fmt.Sprintf("order_%d", g.orders), AmountPaise: input.AmountPaise, Currency: input.Currency, Receipt: input.Receipt, Status: "created"}, nil
}

func (g *fakeGateway) CreateMandateSubscription(_ context.Context, input *provider.CreateMandateInput) (*provider.MandateSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mandateErr != nil {
		return nil, g.mandateErr
	}
	g.mandatesMade++
	return &provider.MandateSubscription{ID: fmt.Sprintf("sub_gw_%d", g.mandatesMade), PlanID: input.PlanID, Status: "created", ShortURL: "https://rzp.io/i/x"}, nil
}

func (g *fakeGateway) VerifyPaymentSignature(_, _, _, signature string) bool { return signature == "ok" }

func (g *fakeGateway) VerifyWebhookSignature(_ []byte, signature string) bool { return signature == "ok" }

func (g *fakeGateway) ParseWebhook(_ []byte, eventID string) (*provider.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nextEvent == nil {
		return nil, provider.ErrMalformedEvent
	}
	event := *g.nextEvent
	if event.ID == "" {
		event.ID = eventID
	}
	event.Family = provider.FamilyOf(event.Type)
	return &event, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, paymentID string) (*provider.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	payment, ok := g.payments[paymentID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &payment, nil
}

func (g *fakeGateway) GetOrderPayments(_ context.Context, orderID string) ([]provider.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	return g.orderPayments[orderID], nil
}

func (g *fakeGateway) GetSubscriptionPayments(_ context.Context, gatewaySubscriptionID string) ([]provider.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	return g.subscriptionPayments[gatewaySubscriptionID], nil
}

// GetSubscription serves a configured mandate, or an active one whose paid
// count matches the captured payments on file.
func (g *fakeGateway) GetSubscription(_ context.Context, gatewaySubscriptionID string) (*provider.MandateSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	g.mandateLookups++
	if mandate, ok := g.mandates[gatewaySubscriptionID]; ok {
		return &mandate, nil
	}
	paid := 0
	for _, payment := range g.subscriptionPayments[gatewaySubscriptionID] {
		if payment.IsCaptured() {
			paid++
		}
	}
	return &provider.MandateSubscription{ID: gatewaySubscriptionID, Status: entity.MandateStatusActive, PaidCount: paid}, nil
}

func (g *fakeGateway) PauseSubscription(_ context.Context, gatewaySubscriptionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = append(g.paused, gatewaySubscriptionID)
	return nil
}

func (g *fakeGateway) ResumeSubscription(_ context.Context, gatewaySubscriptionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumed = append(g.resumed, gatewaySubscriptionID)
	return nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, gatewaySubscriptionID string, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, gatewaySubscriptionID)
	return nil
}

func (g *fakeGateway) deliver(event provider.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextEvent = &event
}

type recordingEffects struct {
	mu       sync.Mutex
	invoices []uint64
}

func (r *recordingEffects) InvoicePaid(_ context.Context, _ *entity.Subscription, inv *entity.Invoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoices = append(r.invoices, inv.ID)
}

func (r *recordingEffects) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invoices)
}

type harness struct {
	svc      *SubscriptionService
	store    *memStore
	gateway  *fakeGateway
	effects  *recordingEffects
	clock    *clock.FakeClock
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{ProPlanID: "plan_pro", TotalCount: 120},
		Billing: config.BillingConfig{
			PeriodDays:          30,
			ProAmountPaise:      49900,
			CampaignAmountPaise: 99900,
			Currency:            "INR",
			TaxComponents:       "CGST:9,SGST:9",
			InvoiceNumberPrefix: "INV",
		},
		Reconcile: config.ReconcileConfig{
			GraceWindow:  30 * time.Minute,
			Lookback:     7 * 24 * time.Hour,
			AbandonAfter: 72 * time.Hour,
			JobBatchSize: 100,
		},
		Jobs: config.JobsConfig{PhaseTimeout: time.Minute},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newMemStore()
	gateway := newFakeGateway()
	effects := &recordingEffects{}
	clk := clock.NewFakeClock(testNow)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	svc, err := NewSubscriptionService(store.repositories(), gateway, effects, m, clk, testConfig())
	require.NoError(t, err)
	return &harness{svc: svc, store: store, gateway: gateway, effects: effects, clock: clk, metrics: m, registry: registry}
}

// seriesCount reports how many label combinations a metric has recorded.
func (h *harness) seriesCount(t *testing.T, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(h.registry, name)
	require.NoError(t, err)
	return n
}

func (h *harness) period() time.Duration {
	return 30 * 24 * time.Hour
}

type createReq struct{ subscriberID, plan string }

func (r createReq) GetSubscriberId() string { return r.subscriberID }
func (r createReq) GetPlan() string         { return r.plan }

type verifyReq struct {
	subscriptionID        uint64
	paymentID             string
	orderID               string
	gatewaySubscriptionID string
	signature             string
}

func (r verifyReq) GetSubscriptionId() uint64        { return r.subscriptionID }
func (r verifyReq) GetPaymentId() string             { return r.paymentID }
func (r verifyReq) GetOrderId() string               { return r.orderID }
func (r verifyReq) GetGatewaySubscriptionId() string { return r.gatewaySubscriptionID }
func (r verifyReq) GetSignature() string             { return r.signature }

type webhookReq struct {
	eventID   string
	signature string
}

func (r webhookReq) GetPayload() []byte   { return []byte(`{"event":"x"}`) }
func (r webhookReq) GetSignature() string { return r.signature }
func (r webhookReq) GetEventId() string   { return r.eventID }

type pauseReq struct {
	id   uint64
	days int32
}

func (r pauseReq) GetId() uint64       { return r.id }
func (r pauseReq) GetPauseDays() int32 { return r.days }

type cancelReq struct {
	id     uint64
	reason string
}

func (r cancelReq) GetId() uint64     { return r.id }
func (r cancelReq) GetReason() string { return r.reason }

func (h *harness) webhook(t *testing.T, event provider.Event) *WebhookResult {
	t.Helper()
	h.gateway.deliver(event)
	result, err := h.svc.HandleGatewayWebhook(context.Background(), webhookReq{eventID: event.ID, signature: "ok"})
	require.NoError(t, err)
	return result
}

// checkout creates a campaign checkout and returns the stored rows.
func (h *harness) checkout(t *testing.T, subscriberID, plan string) *CheckoutResult {
	t.Helper()
	result, err := h.svc.CreateSubscription(context.Background(), createReq{subscriberID: subscriberID, plan: plan})
	require.NoError(t, err)
	return result
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

